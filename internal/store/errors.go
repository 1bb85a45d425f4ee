package store

import "errors"

var (
	// ErrNotFound 记录不存在（或已过期）。
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate 违反唯一约束。
	ErrDuplicate = errors.New("duplicate record")
	// ErrAlreadyVerified 邮箱已完成验证。
	ErrAlreadyVerified = errors.New("email already verified")
)
