package api

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"taskhub/internal/model"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	demoUsername = "demo"
	demoEmail    = "demo@taskhub.local"
	demoPassword = "demo-pass#1"
)

var demoTasks = []model.Task{
	{Title: "Read the API docs", Description: "Skim the task and auth endpoints.", Status: model.TaskStatusCompleted, Priority: model.TaskPriorityLow},
	{Title: "Write weekly report", Description: "Summarize progress for the team.", Status: model.TaskStatusInProgress, Priority: model.TaskPriorityMedium},
	{Title: "Fix login bug", Description: "Users with uppercase emails cannot log in.", Status: model.TaskStatusPending, Priority: model.TaskPriorityHigh},
}

// SeedDemoData 初始化演示账号与任务，可重复执行。
func (s *Server) SeedDemoData(ctx context.Context) error {
	db := s.db.WithContext(ctx)

	var user model.User
	err := db.Where("email = ?", demoEmail).First(&user).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		hash, hashErr := bcrypt.GenerateFromPassword([]byte(demoPassword), bcrypt.DefaultCost)
		if hashErr != nil {
			return hashErr
		}
		user = model.User{
			Username: demoUsername,
			Email:    demoEmail,
			Password: string(hash),
			IsActive: true,
		}
		if err := db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&user).Error; err != nil {
				return err
			}
			return tx.Create(&model.AccountEmailAddress{
				UserID:   &user.ID,
				Email:    demoEmail,
				Verified: true,
			}).Error
		}); err != nil {
			return err
		}
	}

	var count int64
	if err := db.Model(&model.Task{}).Where("owner_id = ?", user.ID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	due := time.Now().Add(7 * 24 * time.Hour).Truncate(time.Second)
	for _, t := range demoTasks {
		task := t
		task.OwnerID = user.ID
		if task.Priority == model.TaskPriorityHigh {
			task.DueDate = &due
		}
		if err := s.tasks.CreateTask(ctx, &task); err != nil {
			return err
		}
	}
	s.logger.Info("demo data seeded", slog.String("email", demoEmail), slog.Int("tasks", len(demoTasks)))
	return nil
}
