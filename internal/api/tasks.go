package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"taskhub/internal/api/httperr"
	"taskhub/internal/api/middleware"
	"taskhub/internal/model"
	"taskhub/internal/store"

	"github.com/gin-gonic/gin"
)

const (
	maxTitleLength = 255

	msgTaskNotFound  = "Task not found."
	msgTaskForbidden = "You do not have permission to edit this task."

	msgRequired      = "This field is required."
	msgBlank         = "This field may not be blank."
	msgTitleTooLong  = "Ensure this field has no more than 255 characters."
	msgDatetimeWrong = "Datetime has wrong format. Use one of these formats instead: YYYY-MM-DDThh:mm[:ss[.uuuuuu]][+HH:MM|-HH:MM|Z]."
)

// dueDateLayouts 依次尝试的 due_date 格式。
var dueDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// taskRequest 创建与部分更新共用的请求体，nil 表示未提供。
type taskRequest struct {
	Title       *string         `json:"title"`
	Description *string         `json:"description"`
	Status      *string         `json:"status"`
	Priority    *string         `json:"priority"`
	DueDate     json.RawMessage `json:"due_date"`
}

// taskResponse 任务的响应结构。
type taskResponse struct {
	ID          uint       `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority"`
	DueDate     *time.Time `json:"due_date"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Owner       uint       `json:"owner"`
}

func newTaskResponse(t *model.Task) taskResponse {
	return taskResponse{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Status:      string(t.Status),
		Priority:    string(t.Priority),
		DueDate:     t.DueDate,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		Owner:       t.OwnerID,
	}
}

// validatedTask 校验通过的字段，只包含请求中出现的部分。
type validatedTask struct {
	fields  map[string]interface{} // 列名 -> 值
	dueDate *time.Time
}

// validate 校验字段并收集所有错误。partial 为 false 时 title 与 description 必填。
func (r *taskRequest) validate(partial bool, fe httperr.FieldErrors) validatedTask {
	out := validatedTask{fields: map[string]interface{}{}}

	// checkText 去掉首尾空白后再做非空与长度校验，保存的是去空白后的值。
	checkText := func(name string, v *string, maxLen int) {
		if v == nil {
			if !partial {
				fe.Add(name, msgRequired)
			}
			return
		}
		text := strings.TrimSpace(*v)
		switch {
		case text == "":
			fe.Add(name, msgBlank)
		case maxLen > 0 && utf8.RuneCountInString(text) > maxLen:
			fe.Add(name, msgTitleTooLong)
		default:
			out.fields[name] = text
		}
	}
	if !fe.Has("title") {
		checkText("title", r.Title, maxTitleLength)
	}
	if !fe.Has("description") {
		checkText("description", r.Description, 0)
	}

	if r.Status != nil {
		if s := model.TaskStatus(*r.Status); s.Valid() {
			out.fields["status"] = s
		} else {
			fe.Add("status", fmt.Sprintf("%q is not a valid choice.", *r.Status))
		}
	}
	if r.Priority != nil {
		if p := model.TaskPriority(*r.Priority); p.Valid() {
			out.fields["priority"] = p
		} else {
			fe.Add("priority", fmt.Sprintf("%q is not a valid choice.", *r.Priority))
		}
	}

	if len(r.DueDate) > 0 {
		due, err := parseDueDate(r.DueDate)
		if err != nil {
			fe.Add("due_date", msgDatetimeWrong)
		} else {
			out.dueDate = due
			if due == nil {
				out.fields["due_date"] = nil
			} else {
				out.fields["due_date"] = *due
			}
		}
	}
	return out
}

// parseDueDate 解析 due_date，null 与空字符串表示清空。
func parseDueDate(raw json.RawMessage) (*time.Time, error) {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range dueDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid due_date %q", s)
}

// decodeTask 解析请求体并校验，失败时已写入响应。
func decodeTask(c *gin.Context, partial bool) (validatedTask, bool) {
	var req taskRequest
	fe, err := httperr.Decode(c, &req)
	if err != nil {
		httperr.ParseError(c, err)
		return validatedTask{}, false
	}
	if fe == nil {
		fe = httperr.FieldErrors{}
	}
	v := req.validate(partial, fe)
	if !fe.Empty() {
		httperr.Validation(c, fe)
		return validatedTask{}, false
	}
	return v, true
}

func parseTaskID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		httperr.NotFound(c, msgTaskNotFound)
		return 0, false
	}
	return uint(id), true
}

// handleListTasks 列出任务：匿名请求返回全部任务，登录用户只看到自己的任务。
//
// GET /tasks/
func (s *Server) handleListTasks(c *gin.Context) {
	q, ok := s.parseListQuery(c)
	if !ok {
		httperr.NotFound(c, msgInvalidPage)
		return
	}
	if uid, ok := middleware.UserID(c); ok {
		q.filter.OwnerID = &uid
	}
	q.filter.Limit = q.pageSize
	q.filter.Offset = (q.page - 1) * q.pageSize

	tasks, count, err := s.tasks.ListTasks(c.Request.Context(), q.filter)
	if err != nil {
		s.internal(c, "list tasks failed", err)
		return
	}
	pages := pageCount(count, q.pageSize)
	if q.page > pages {
		httperr.NotFound(c, msgInvalidPage)
		return
	}

	results := make([]taskResponse, 0, len(tasks))
	for i := range tasks {
		results = append(results, newTaskResponse(&tasks[i]))
	}
	c.JSON(http.StatusOK, newPageEnvelope(c, count, q.page, pages, results))
}

// handleGetTask 按 ID 查询单个任务，不校验所属用户。
//
// GET /tasks/:id/
func (s *Server) handleGetTask(c *gin.Context) {
	id, ok := parseTaskID(c)
	if !ok {
		return
	}
	task, err := s.tasks.GetTask(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httperr.NotFound(c, msgTaskNotFound)
		return
	}
	if err != nil {
		s.internal(c, "get task failed", err)
		return
	}
	c.JSON(http.StatusOK, newTaskResponse(task))
}

// handleCreateTask 创建任务，所属用户固定为当前用户。
//
// POST /tasks/
func (s *Server) handleCreateTask(c *gin.Context) {
	uid, _ := middleware.UserID(c)
	v, ok := decodeTask(c, false)
	if !ok {
		return
	}

	task := &model.Task{
		Title:       v.fields["title"].(string),
		Description: v.fields["description"].(string),
		Status:      model.TaskStatusPending,
		Priority:    model.TaskPriorityLow,
		DueDate:     v.dueDate,
		OwnerID:     uid,
	}
	if st, ok := v.fields["status"].(model.TaskStatus); ok {
		task.Status = st
	}
	if p, ok := v.fields["priority"].(model.TaskPriority); ok {
		task.Priority = p
	}

	if err := s.tasks.CreateTask(c.Request.Context(), task); err != nil {
		s.internal(c, "create task failed", err)
		return
	}
	s.logger.Info("task created", slog.Uint64("task_id", uint64(task.ID)), slog.Uint64("user_id", uint64(uid)))
	c.JSON(http.StatusCreated, newTaskResponse(task))
}

// handleUpdateTask 部分更新任务，只有所属用户可以修改。
//
// PATCH /tasks/:id/
func (s *Server) handleUpdateTask(c *gin.Context) {
	uid, _ := middleware.UserID(c)
	id, ok := parseTaskID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	task, err := s.tasks.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		httperr.NotFound(c, msgTaskNotFound)
		return
	}
	if err != nil {
		s.internal(c, "get task failed", err)
		return
	}
	if task.OwnerID != uid {
		httperr.Forbidden(c, msgTaskForbidden)
		return
	}

	v, ok := decodeTask(c, true)
	if !ok {
		return
	}
	if err := s.tasks.UpdateTask(ctx, task, v.fields); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httperr.NotFound(c, msgTaskNotFound)
			return
		}
		s.internal(c, "update task failed", err)
		return
	}
	c.JSON(http.StatusOK, newTaskResponse(task))
}

// handleDeleteTask 删除任务。不存在与无权限都返回 404。
//
// DELETE /tasks/:id/
func (s *Server) handleDeleteTask(c *gin.Context) {
	uid, _ := middleware.UserID(c)
	id, ok := parseTaskID(c)
	if !ok {
		return
	}
	err := s.tasks.DeleteOwnedTask(c.Request.Context(), id, uid)
	if errors.Is(err, store.ErrNotFound) {
		httperr.NotFound(c, msgTaskNotFound)
		return
	}
	if err != nil {
		s.internal(c, "delete task failed", err)
		return
	}
	s.logger.Info("task deleted", slog.Uint64("task_id", uint64(id)), slog.Uint64("user_id", uint64(uid)))
	c.Status(http.StatusNoContent)
}
