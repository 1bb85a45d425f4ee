package auth

import "testing"

func TestCheckPasswords(t *testing.T) {
	tests := []struct {
		name string
		p1   string
		p2   string
		want string
	}{
		{"ok", "Strong#123", "Strong#123", ""},
		{"unicode special", "пароль1", "пароль1", ""},
		{"mismatch wins over weak", "abc", "abd", msgPasswordsMismatch},
		{"too short", "a#1", "a#1", msgPasswordWeak},
		{"no digit", "abcdef#", "abcdef#", msgPasswordWeak},
		{"no special", "abcdef12", "abcdef12", msgPasswordWeak},
		{"space counts as special", "abc def1", "abc def1", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := checkPasswords(tt.p1, tt.p2); got != tt.want {
				t.Fatalf("checkPasswords(%q, %q) = %q, want %q", tt.p1, tt.p2, got, tt.want)
			}
		})
	}
}
