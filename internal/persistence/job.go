package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownTable  = errors.New("unknown table")
	ErrUnknownColumn = errors.New("unknown column")
)

// Row 一行数据，列名 -> 值
type Row map[string]any

// Job 一批待写入同一张表的数据行。
// 提交后归队列所有，提交方不得再修改。
type Job struct {
	ID    string `json:"id"`
	Table string `json:"table"`
	Rows  []Row  `json:"rows"`
	// Key 非空时按该列执行 UPDATE，否则 INSERT
	Key         string    `json:"key,omitempty"`
	MaxRetries  int       `json:"max_retries"`
	SubmittedAt time.Time `json:"submitted_at"`

	replayed bool
}

// NewJob 创建插入任务，maxRetries < 0 时使用队列默认值
func NewJob(table string, rows ...Row) Job {
	return Job{
		ID:         uuid.NewString(),
		Table:      table,
		Rows:       rows,
		MaxRetries: -1,
	}
}

// NewUpdate 创建按 key 列更新的任务
func NewUpdate(table, key string, row Row) Job {
	job := NewJob(table, row)
	job.Key = key
	return job
}

// Writer 持久化后端
type Writer interface {
	Write(ctx context.Context, job Job) error
}

// WriterFunc 函数适配器
type WriterFunc func(ctx context.Context, job Job) error

func (f WriterFunc) Write(ctx context.Context, job Job) error { return f(ctx, job) }
