package auth

import "unicode"

const (
	msgPasswordsMismatch = "Passwords must match."
	msgPasswordWeak      = "Password must be at least 6 characters long, contain at least one number, and one special character."
)

// checkPasswords 依次校验两次输入一致与密码强度，返回第一条不满足的提示，全部通过返回空串。
func checkPasswords(password1, password2 string) string {
	if password1 != password2 {
		return msgPasswordsMismatch
	}
	if !strongPassword(password1) {
		return msgPasswordWeak
	}
	return ""
}

// strongPassword 至少 6 个字符，含数字与非字母数字字符。
func strongPassword(p string) bool {
	var n int
	var digit, special bool
	for _, r := range p {
		n++
		switch {
		case unicode.IsDigit(r):
			digit = true
		case !isASCIIAlnum(r):
			special = true
		}
	}
	return n >= 6 && digit && special
}

func isASCIIAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
