package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"gorm.io/gorm"

	"lakevault/pkg/meta"
)

var (
	// ErrNoJob: 当前没有可租出的任务
	ErrNoJob = errors.New("no job available")

	// ErrJobNotFound: 按 ID 未命中
	ErrJobNotFound = errors.New("job not found")

	// ErrLeaseLost: Ack/Nack 时任务已不在 leased 状态
	// 典型原因是租约超时后被其他 Worker 回收。
	ErrLeaseLost = errors.New("job lease lost")
)

// 退避参数：2s 起步，每次翻倍，封顶 5 分钟，带 ±20% 抖动
const (
	backoffBase = 2 * time.Second
	backoffCap  = 5 * time.Minute
)

// Queue 是数据库支撑的持久任务队列
// 所有状态转移都走条件 UPDATE (带状态前置条件)，
// 多 Worker 并发租用同一行时只有一个成功。
type Queue struct {
	db  *meta.DB
	log *slog.Logger

	// now 可注入，测试里用来拨时钟
	now func() time.Time
}

func NewQueue(db *meta.DB) *Queue {
	return &Queue{
		db:  db,
		log: slog.With("component", "jobs"),
		now: time.Now,
	}
}

// Enqueue 持久化一个新任务
// payload 会被序列化为 JSON 存储。
func (q *Queue) Enqueue(ctx context.Context, jobType, key string, payload any) (*JobModel, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	job := JobModel{
		Type:        jobType,
		Key:         key,
		Payload:     data,
		State:       StatePending,
		MaxAttempts: 5,
		NotBefore:   q.now(),
	}
	if err := q.db.GetConn().WithContext(ctx).Create(&job).Error; err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return &job, nil
}

// Lease 租出一个就绪任务，租约时长 visibility
// 就绪 = pending 且退避期已过，或 leased 但租约已超时 (持有者视为死亡)。
// 没有就绪任务时返回 ErrNoJob。
func (q *Queue) Lease(ctx context.Context, visibility time.Duration) (*JobModel, error) {
	now := q.now()

	for i := 0; i < 3; i++ {
		var job JobModel
		err := q.db.GetConn().WithContext(ctx).
			Where("state = ? AND not_before <= ?", StatePending, now).
			Or("state = ? AND lease_expires_at <= ?", StateLeased, now).
			Order("id ASC").
			First(&job).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrNoJob
			}
			return nil, err
		}

		// 条件更新抢租约：并发下只有一个 Worker 的 RowsAffected 为 1
		claim := q.db.GetConn().WithContext(ctx).Model(&JobModel{}).
			Where("id = ? AND state = ?", job.ID, job.State)
		if job.State == StateLeased {
			claim = claim.Where("lease_expires_at <= ?", now)
		}
		result := claim.
			Updates(map[string]any{
				"state":            StateLeased,
				"lease_expires_at": now.Add(visibility),
			})
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 0 {
			// 被别人抢走了，换下一个
			continue
		}

		job.State = StateLeased
		job.LeaseExpiresAt = now.Add(visibility)
		return &job, nil
	}
	return nil, ErrNoJob
}

// Ack 确认任务完成
func (q *Queue) Ack(ctx context.Context, id uint) error {
	result := q.db.GetConn().WithContext(ctx).Model(&JobModel{}).
		Where("id = ? AND state = ?", id, StateLeased).
		Update("state", StateDone)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: job %d", ErrLeaseLost, id)
	}
	return nil
}

// Nack 报告任务失败
// 未耗尽重试次数时按指数退避放回 pending；耗尽则进入 dead。
func (q *Queue) Nack(ctx context.Context, id uint, cause error) error {
	var job JobModel
	if err := q.db.GetConn().WithContext(ctx).First(&job, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: job %d", ErrJobNotFound, id)
		}
		return err
	}

	attempts := job.Attempts + 1
	updates := map[string]any{
		"attempts":   attempts,
		"last_error": cause.Error(),
	}
	if attempts >= job.MaxAttempts {
		updates["state"] = StateDead
		q.log.Warn("job moved to dead letter",
			"job", id, "type", job.Type, "key", job.Key, "attempts", attempts, "error", cause)
	} else {
		updates["state"] = StatePending
		updates["not_before"] = q.now().Add(backoffDelay(attempts))
	}

	result := q.db.GetConn().WithContext(ctx).Model(&JobModel{}).
		Where("id = ? AND state = ?", id, StateLeased).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: job %d", ErrLeaseLost, id)
	}
	return nil
}

// backoffDelay 计算第 n 次失败后的退避时长
func backoffDelay(attempts int) time.Duration {
	d := backoffBase << (attempts - 1)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	// ±20% 抖动，错开雪崩式重试
	jitter := time.Duration(rand.Int63n(int64(d) / 5))
	if rand.Intn(2) == 0 {
		return d - jitter
	}
	return d + jitter
}

// Get 按 ID 查询任务
func (q *Queue) Get(ctx context.Context, id uint) (*JobModel, error) {
	var job JobModel
	if err := q.db.GetConn().WithContext(ctx).First(&job, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: job %d", ErrJobNotFound, id)
		}
		return nil, err
	}
	return &job, nil
}

// ListSince 按 ID 升序列出 sinceID 之后的任务 (状态拉取接口)
func (q *Queue) ListSince(ctx context.Context, sinceID uint, limit int) ([]JobModel, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []JobModel
	err := q.db.GetConn().WithContext(ctx).
		Where("id > ?", sinceID).
		Order("id ASC").Limit(limit).
		Find(&out).Error
	return out, err
}

// ListDead 列出死信任务
func (q *Queue) ListDead(ctx context.Context, limit int) ([]JobModel, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []JobModel
	err := q.db.GetConn().WithContext(ctx).
		Where("state = ?", StateDead).
		Order("updated_at DESC").Limit(limit).
		Find(&out).Error
	return out, err
}

// Retry 把一个死信任务重置回 pending (人工干预入口)
func (q *Queue) Retry(ctx context.Context, id uint) error {
	result := q.db.GetConn().WithContext(ctx).Model(&JobModel{}).
		Where("id = ? AND state = ?", id, StateDead).
		Updates(map[string]any{
			"state":      StatePending,
			"attempts":   0,
			"not_before": q.now(),
			"last_error": "",
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: job %d is not dead", ErrJobNotFound, id)
	}
	return nil
}
