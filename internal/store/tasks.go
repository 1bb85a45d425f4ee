package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"taskhub/internal/model"

	"gorm.io/gorm"
)

// 排序字段。
const (
	OrderCreatedAt = "created_at"
	OrderDueDate   = "due_date"
	OrderPriority  = "priority"
)

// priorityRank 按 low < medium < high 排序，而不是按字母序。
const priorityRank = "CASE priority WHEN 'low' THEN 1 WHEN 'medium' THEN 2 WHEN 'high' THEN 3 ELSE 0 END"

// Ordering 描述列表排序，Field 为空时按创建时间倒序。
type Ordering struct {
	Field string
	Desc  bool
}

// TaskFilter 列表查询条件。
type TaskFilter struct {
	OwnerID  *uint // nil 表示不按所属用户过滤
	Search   string
	Status   string
	Priority string
	Ordering Ordering
	Offset   int
	Limit    int
}

// TaskStore 基于 gorm 的任务存储。
type TaskStore struct {
	db *gorm.DB
}

func NewTaskStore(db *gorm.DB) *TaskStore {
	return &TaskStore{db: db}
}

// GetTask 按 ID 查询任务，不做所属用户过滤。
func (s *TaskStore) GetTask(ctx context.Context, id uint) (*model.Task, error) {
	var task model.Task
	if err := s.db.WithContext(ctx).First(&task, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return &task, nil
}

// ListTasks 返回当前页的任务与满足条件的总数。
func (s *TaskStore) ListTasks(ctx context.Context, f TaskFilter) ([]model.Task, int64, error) {
	q := s.filtered(ctx, f)

	var count int64
	if err := q.Count(&count).Error; err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	tasks := []model.Task{}
	q = s.filtered(ctx, f).Order(orderClause(f.Ordering))
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	if err := q.Find(&tasks).Error; err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, count, nil
}

func (s *TaskStore) filtered(ctx context.Context, f TaskFilter) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&model.Task{})
	if f.OwnerID != nil {
		q = q.Where("owner_id = ?", *f.OwnerID)
	}
	if term := strings.TrimSpace(f.Search); term != "" {
		pattern := "%" + escapeLike(strings.ToLower(term)) + "%"
		q = q.Where("(LOWER(title) LIKE ? ESCAPE '!' OR LOWER(description) LIKE ? ESCAPE '!' OR LOWER(status) LIKE ? ESCAPE '!')",
			pattern, pattern, pattern)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Priority != "" {
		q = q.Where("priority = ?", f.Priority)
	}
	return q
}

func orderClause(o Ordering) string {
	dir := "ASC"
	if o.Desc {
		dir = "DESC"
	}
	switch o.Field {
	case OrderCreatedAt:
		return "created_at " + dir + ", id " + dir
	case OrderDueDate:
		return "due_date " + dir + ", id " + dir
	case OrderPriority:
		return priorityRank + " " + dir + ", id " + dir
	default:
		return "created_at DESC, id DESC"
	}
}

func escapeLike(s string) string {
	r := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
	return r.Replace(s)
}

// CreateTask 创建任务，task.ID 与时间戳由数据库回填。
func (s *TaskStore) CreateTask(ctx context.Context, task *model.Task) error {
	if err := s.db.WithContext(ctx).Omit("Owner").Create(task).Error; err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// UpdateTask 只更新 updates 中给出的列，并刷新 updated_at，完成后重新加载 task。
func (s *TaskStore) UpdateTask(ctx context.Context, task *model.Task, updates map[string]interface{}) error {
	db := s.db.WithContext(ctx)
	if len(updates) == 0 {
		// 空 PATCH 也视为一次修改
		if err := db.Model(task).Update("updated_at", db.NowFunc()).Error; err != nil {
			return fmt.Errorf("touch task %d: %w", task.ID, err)
		}
	} else if err := db.Model(task).Omit("Owner").Updates(updates).Error; err != nil {
		return fmt.Errorf("update task %d: %w", task.ID, err)
	}
	if err := db.First(task, task.ID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("reload task %d: %w", task.ID, err)
	}
	return nil
}

// DeleteOwnedTask 按 ID 与所属用户删除，未命中返回 ErrNotFound。
func (s *TaskStore) DeleteOwnedTask(ctx context.Context, id uint, ownerID uint) error {
	res := s.db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, ownerID).Delete(&model.Task{})
	if res.Error != nil {
		return fmt.Errorf("delete task %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
