package jobs

import (
	"time"

	"gorm.io/datatypes"
)

// 任务状态机: pending -> leased -> done
//
//	leased -> pending (Nack 退避重试 / 租约超时回收)
//	leased -> dead    (重试耗尽)
const (
	StatePending = "pending"
	StateLeased  = "leased"
	StateDone    = "done"
	StateDead    = "dead"
)

// JobModel 是落库的任务记录
// 队列先于执行持久化：进程崩溃后任务仍在，由租约超时回收。
type JobModel struct {
	ID uint `gorm:"primaryKey;autoIncrement"`

	// Type 决定由哪个 Handler 执行
	Type string `gorm:"index;type:varchar(100);not null"`

	// Key 是业务去重/定位键 (索引任务用 "repo:path")
	Key string `gorm:"index;type:varchar(1100)"`

	Payload datatypes.JSON

	State string `gorm:"index:idx_job_ready;type:varchar(20);default:pending"`

	// Attempts 已尝试次数；达到 MaxAttempts 进入 dead
	Attempts    int `gorm:"default:0"`
	MaxAttempts int `gorm:"default:5"`

	// NotBefore 之前不可租出 (指数退避的落点)
	NotBefore time.Time `gorm:"index:idx_job_ready"`

	// LeaseExpiresAt 过期的 leased 任务可被其他 Worker 回收
	LeaseExpiresAt time.Time `gorm:"index"`

	// LastError 记录最近一次失败原因 (排障用)
	LastError string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (JobModel) TableName() string { return "jobs" }

// Models 返回本包需要迁移的表
func Models() []any {
	return []any{&JobModel{}}
}
