package model

import "time"

// User 表示系统用户。
type User struct {
	ID        uint      `gorm:"primaryKey"`                               // 用户 ID
	Username  string    `gorm:"type:varchar(150);uniqueIndex;not null"` // 用户名（唯一）
	Email     string    `gorm:"type:varchar(191);uniqueIndex;not null"` // 邮箱（唯一）
	Password  string    `gorm:"not null"`                               // bcrypt 哈希
	IsActive  bool      `gorm:"not null"`                               // 是否激活
	CreatedAt time.Time // 创建时间
	UpdatedAt time.Time // 更新时间
}
