package store

import (
	"fmt"

	"taskhub/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// Open 连接 MySQL 并执行自动迁移。
func Open(dsn string) (*gorm.DB, error) {
	return OpenDialector(mysql.Open(dsn))
}

// OpenDialector 使用任意 gorm 方言打开数据库并迁移，测试中传入 sqlite。
func OpenDialector(dialector gorm.Dialector) (*gorm.DB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate 按依赖顺序迁移所有表。
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.User{},
		&model.Task{},
		&model.AccountEmailAddress{},
		&model.PendingRegistration{},
		&model.VerificationCode{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
