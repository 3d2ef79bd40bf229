package persistence

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"assembly-line-supervisor/internal/metrics"
)

// QueueConfig 队列参数
type QueueConfig struct {
	Size       int
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultQueueConfig 500 个槽位，最多重试 5 次，0.5s 起翻倍，上限 10s
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Size:       500,
		MaxRetries: 5,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
	}
}

// Queue 有界异步写入队列，由单个后台 worker 串行消费。
// Submit 永不阻塞实时路径：队列满时直接拒绝。
type Queue struct {
	jobs   chan Job
	writer Writer
	spool  *Spool
	cfg    QueueConfig
	clock  clock.PassiveClock
	logger *slog.Logger
}

// QueueOption 构造选项
type QueueOption func(*Queue)

// WithSpool 重试耗尽的任务写入死信文件
func WithSpool(s *Spool) QueueOption {
	return func(q *Queue) { q.spool = s }
}

// WithQueueClock 入队时间戳的时钟
func WithQueueClock(clk clock.PassiveClock) QueueOption {
	return func(q *Queue) { q.clock = clk }
}

func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = logger }
}

// NewQueue 创建队列，cfg 中的非正数字段取默认值
func NewQueue(w Writer, cfg QueueConfig, opts ...QueueOption) *Queue {
	def := DefaultQueueConfig()
	if cfg.Size <= 0 {
		cfg.Size = def.Size
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	q := &Queue{
		jobs:   make(chan Job, cfg.Size),
		writer: w,
		cfg:    cfg,
		clock:  clock.RealClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "persistence_queue")
	return q
}

// Submit 非阻塞入队，只表示是否被接受，不代表最终写入结果
func (q *Queue) Submit(job Job) bool {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxRetries < 0 {
		job.MaxRetries = q.cfg.MaxRetries
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = q.clock.Now()
	}
	select {
	case q.jobs <- job:
		metrics.QueueDepth.Set(float64(len(q.jobs)))
		return true
	default:
		metrics.PersistenceJobs.WithLabelValues("dropped").Inc()
		q.logger.Warn("持久化队列已满，丢弃任务", "job_id", job.ID, "table", job.Table, "rows", len(job.Rows))
		return false
	}
}

// Len 当前积压
func (q *Queue) Len() int { return len(q.jobs) }

// Recover 将死信文件中未补写的任务重新入队，返回入队数量
func (q *Queue) Recover() (int, error) {
	if q.spool == nil {
		return 0, nil
	}
	jobs, err := q.spool.Recover()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range jobs {
		job.replayed = true
		if !q.Submit(job) {
			break
		}
		n++
	}
	if n > 0 {
		q.logger.Info("从死信文件恢复任务", "count", n, "pending", len(jobs))
	}
	return n, nil
}

// Run 消费队列直到 ctx 结束
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Info("持久化 worker 启动", "size", cap(q.jobs), "max_retries", q.cfg.MaxRetries)
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("持久化 worker 停止", "pending", len(q.jobs))
			return nil
		case job := <-q.jobs:
			metrics.QueueDepth.Set(float64(len(q.jobs)))
			q.process(ctx, job)
		}
	}
}

func (q *Queue) policy(ctx context.Context, maxRetries int) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = q.cfg.BaseDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = q.cfg.MaxDelay
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(maxRetries)), ctx)
}

func (q *Queue) process(ctx context.Context, job Job) {
	logger := q.logger.With("job_id", job.ID, "table", job.Table)
	attempt := 0
	op := func() error {
		attempt++
		return q.writer.Write(ctx, job)
	}
	notify := func(err error, wait time.Duration) {
		metrics.PersistenceJobs.WithLabelValues("retry").Inc()
		logger.Warn("写入失败，稍后重试", "attempt", attempt, "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(op, q.policy(ctx, job.MaxRetries), notify)
	if err == nil {
		metrics.PersistenceJobs.WithLabelValues("ok").Inc()
		if job.replayed && q.spool != nil {
			if err := q.spool.Complete(job.ID); err != nil {
				logger.Error("标记死信任务完成失败", "error", err)
			}
		}
		return
	}
	if errors.Is(err, context.Canceled) {
		logger.Warn("关闭期间中断写入", "attempts", attempt)
	}

	metrics.PersistenceJobs.WithLabelValues("failed").Inc()
	logger.Error("写入最终失败", "attempts", attempt, "rows", len(job.Rows), "error", err)
	if q.spool == nil || job.replayed {
		return
	}
	if err := q.spool.Append(job, err); err != nil {
		logger.Error("写入死信文件失败", "error", err)
	}
}
