package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Handler 执行一类任务
// 返回 nil 即 Ack；返回错误即 Nack (退避重试或死信)。
type Handler func(ctx context.Context, job *JobModel) error

// PoolConfig 控制 Worker 池的行为
type PoolConfig struct {
	// Concurrency 并发 Worker 数，默认 4
	Concurrency int

	// Visibility 租约时长，超时未 Ack 的任务会被回收，默认 2 分钟
	Visibility time.Duration

	// PollInterval 队列空闲时的轮询间隔，默认 1 秒
	PollInterval time.Duration
}

func (c *PoolConfig) withDefaults() PoolConfig {
	out := *c
	if out.Concurrency <= 0 {
		out.Concurrency = 4
	}
	if out.Visibility <= 0 {
		out.Visibility = 2 * time.Minute
	}
	if out.PollInterval <= 0 {
		out.PollInterval = time.Second
	}
	return out
}

// Pool 是从队列消费任务的 Worker 池
type Pool struct {
	queue    *Queue
	cfg      PoolConfig
	handlers map[string]Handler
	log      *slog.Logger
}

func NewPool(queue *Queue, cfg PoolConfig) *Pool {
	return &Pool{
		queue:    queue,
		cfg:      cfg.withDefaults(),
		handlers: make(map[string]Handler),
		log:      slog.With("component", "worker"),
	}
}

// Register 绑定任务类型到 Handler
// 必须在 Run 之前完成，运行期不做并发保护。
func (p *Pool) Register(jobType string, h Handler) {
	p.handlers[jobType] = h
}

// Run 启动全部 Worker 并阻塞到 ctx 取消
// 取消后等待在途任务执行完毕再返回。
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("worker pool starting",
		"concurrency", p.cfg.Concurrency, "visibility", p.cfg.Visibility)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		g.Go(func() error {
			return p.runWorker(ctx)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) runWorker(ctx context.Context) error {
	for {
		job, err := p.queue.Lease(ctx, p.cfg.Visibility)
		if err != nil {
			if errors.Is(err, ErrNoJob) {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(p.cfg.PollInterval):
					continue
				}
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Error("failed to lease job", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.PollInterval):
				continue
			}
		}

		p.Process(ctx, job)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// Process 执行单个已租出的任务并完成 Ack/Nack
// 拆出来方便测试里同步驱动，不经过轮询循环。
func (p *Pool) Process(ctx context.Context, job *JobModel) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		// 没有 Handler 的类型无法成功，直接走死信路径
		p.fail(ctx, job, fmt.Errorf("no handler registered for job type %q", job.Type))
		return
	}

	start := time.Now()
	err := p.runHandler(ctx, handler, job)
	if err != nil {
		p.log.Warn("job failed",
			"job", job.ID, "type", job.Type, "key", job.Key,
			"attempt", job.Attempts+1, "elapsed", time.Since(start), "error", err)
		p.fail(ctx, job, err)
		return
	}

	if err := p.queue.Ack(ctx, job.ID); err != nil {
		p.log.Error("failed to ack job", "job", job.ID, "error", err)
		return
	}
	p.log.Debug("job done", "job", job.ID, "type", job.Type, "elapsed", time.Since(start))
}

// runHandler 把 Handler 的 panic 转成普通失败
func (p *Pool) runHandler(ctx context.Context, h Handler, job *JobModel) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, job)
}

func (p *Pool) fail(ctx context.Context, job *JobModel, cause error) {
	if err := p.queue.Nack(ctx, job.ID, cause); err != nil {
		p.log.Error("failed to nack job", "job", job.ID, "error", err)
	}
}
