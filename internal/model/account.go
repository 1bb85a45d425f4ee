package model

import "time"

// VerificationCodeTTL 是旧版验证码的有效期。
const VerificationCodeTTL = 300 * time.Second

// AccountEmailAddress 记录邮箱的验证状态。
//
// 注册开始时按邮箱创建（或复用），每次发码都会覆盖 ConfirmationCode；
// 确认成功后 Verified 置为 true、关联 UserID 并清空验证码。
type AccountEmailAddress struct {
	ID               uint    `gorm:"primaryKey"`
	UserID           *uint   `gorm:"index"`                                  // 确认后关联的用户
	Email            string  `gorm:"type:varchar(191);uniqueIndex;not null"` // 邮箱（唯一）
	Verified         bool    `gorm:"not null;default:false"`                 // 是否已验证
	ConfirmationCode *string `gorm:"type:varchar(6)"`                        // 当前有效的验证码
}

// PendingRegistration 保存尚未确认的注册信息。
//
// 以邮箱为唯一键，过期后视为不存在；确认成功时与用户创建在同一事务中删除。
type PendingRegistration struct {
	ID           uint      `gorm:"primaryKey"`
	Email        string    `gorm:"type:varchar(191);uniqueIndex;not null"`
	Username     string    `gorm:"type:varchar(150);not null"`
	PasswordHash string    `gorm:"not null"` // bcrypt 哈希，不保存明文
	ExpiresAt    time.Time `gorm:"not null;index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Expired 判断注册信息在 now 时刻是否已过期。
func (p *PendingRegistration) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// VerificationCode 是按用户发放的旧版验证码，仅在创建后 300 秒内有效。
type VerificationCode struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    uint   `gorm:"not null;index"`
	User      User   `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
	Code      string `gorm:"type:varchar(10);not null"`
	CreatedAt time.Time
}

// IsValid 判断验证码在 now 时刻是否仍然有效。
func (v *VerificationCode) IsValid(now time.Time) bool {
	return now.Sub(v.CreatedAt) < VerificationCodeTTL
}
