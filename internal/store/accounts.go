package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskhub/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AccountStore 管理用户、邮箱验证状态与待确认注册。
type AccountStore struct {
	db *gorm.DB
}

func NewAccountStore(db *gorm.DB) *AccountStore {
	return &AccountStore{db: db}
}

// UsernameExists 判断用户名是否已被注册用户占用。
func (s *AccountStore) UsernameExists(ctx context.Context, username string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.User{}).Where("username = ?", username).Count(&n).Error; err != nil {
		return false, fmt.Errorf("check username: %w", err)
	}
	return n > 0, nil
}

// EmailExists 判断邮箱是否已被注册用户占用。
func (s *AccountStore) EmailExists(ctx context.Context, email string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.User{}).Where("email = ?", email).Count(&n).Error; err != nil {
		return false, fmt.Errorf("check email: %w", err)
	}
	return n > 0, nil
}

// SetConfirmationCode 按邮箱获取或创建邮箱记录，并写入新的验证码。
func (s *AccountStore) SetConfirmationCode(ctx context.Context, email string, code string) error {
	row := model.AccountEmailAddress{Email: email, ConfirmationCode: &code}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoUpdates: clause.AssignmentColumns([]string{"confirmation_code"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("set confirmation code: %w", err)
	}
	return nil
}

// GetAccountEmail 查询邮箱记录。
func (s *AccountStore) GetAccountEmail(ctx context.Context, email string) (*model.AccountEmailAddress, error) {
	var row model.AccountEmailAddress
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get account email: %w", err)
	}
	return &row, nil
}

// SavePendingRegistration 按邮箱写入待确认注册，已存在时覆盖。
func (s *AccountStore) SavePendingRegistration(ctx context.Context, p *model.PendingRegistration) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "password_hash", "expires_at", "updated_at"}),
	}).Create(p).Error
	if err != nil {
		return fmt.Errorf("save pending registration: %w", err)
	}
	return nil
}

// GetPendingRegistration 查询未过期的待确认注册，过期记录视为不存在。
func (s *AccountStore) GetPendingRegistration(ctx context.Context, email string, now time.Time) (*model.PendingRegistration, error) {
	var p model.PendingRegistration
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get pending registration: %w", err)
	}
	if p.Expired(now) {
		return nil, ErrNotFound
	}
	return &p, nil
}

// ConfirmRegistration 在一个事务内标记邮箱已验证、创建用户并删除待确认注册。
//
// 邮箱更新带 verified = false 条件，并发的重复确认只有一个能成功，
// 另一个返回 ErrAlreadyVerified；任一步失败整体回滚。
func (s *AccountStore) ConfirmRegistration(ctx context.Context, p *model.PendingRegistration) (*model.User, error) {
	user := model.User{
		Username: p.Username,
		Email:    p.Email,
		Password: p.PasswordHash,
		IsActive: true,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 先占住邮箱记录，并发确认时后到者在这里得到 0 行
		res := tx.Model(&model.AccountEmailAddress{}).
			Where("email = ? AND verified = ?", p.Email, false).
			Updates(map[string]interface{}{
				"verified":          true,
				"confirmation_code": nil,
			})
		if res.Error != nil {
			return fmt.Errorf("verify email: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyVerified
		}

		if err := tx.Create(&user).Error; err != nil {
			if isDuplicate(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("create user: %w", err)
		}

		if err := tx.Model(&model.AccountEmailAddress{}).
			Where("email = ?", p.Email).
			Update("user_id", user.ID).Error; err != nil {
			return fmt.Errorf("attach user: %w", err)
		}

		if err := tx.Where("email = ?", p.Email).Delete(&model.PendingRegistration{}).Error; err != nil {
			return fmt.Errorf("delete pending registration: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserByEmail 按邮箱查询用户。
func (s *AccountStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &user, nil
}

// GetUserByID 按 ID 查询用户。
func (s *AccountStore) GetUserByID(ctx context.Context, id uint) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return &user, nil
}

// CreateVerificationCode 为已有用户记录一条旧版验证码。
func (s *AccountStore) CreateVerificationCode(ctx context.Context, userID uint, code string) (*model.VerificationCode, error) {
	vc := model.VerificationCode{UserID: userID, Code: code}
	if err := s.db.WithContext(ctx).Omit("User").Create(&vc).Error; err != nil {
		return nil, fmt.Errorf("create verification code: %w", err)
	}
	return &vc, nil
}

// CheckVerificationCode 判断用户最近一条旧版验证码是否匹配且仍在有效期内。
func (s *AccountStore) CheckVerificationCode(ctx context.Context, userID uint, code string, now time.Time) (bool, error) {
	var vc model.VerificationCode
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC, id DESC").First(&vc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("get verification code: %w", err)
	}
	return vc.Code == code && vc.IsValid(now), nil
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") || strings.Contains(msg, "UNIQUE constraint failed")
}
