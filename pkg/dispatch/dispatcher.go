package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"lakevault/pkg/commit"
	"lakevault/pkg/jobs"
	"lakevault/pkg/types"
)

// JobTypeIndex 是搜索索引同步任务的队列类型
const JobTypeIndex = "search-index"

// Task 是单个路径的索引任务负载
// 提交时的元数据随任务快照携带，执行期不回查树；
// Seq 取提交高度，作为同路径任务的逻辑时钟：
// 乱序执行时低序任务会被搜索层按版本拒绝，不会倒灌旧数据。
type Task struct {
	RepoID   types.RepoID   `json:"repo_id"`
	Ref      string         `json:"ref"`
	CommitID types.Digest   `json:"commit_id"`
	Path     types.RepoPath `json:"path"`
	Op       types.ChangeOp `json:"op"`
	Seq      int64          `json:"seq"`

	// put 时的内容快照 (delete 时为空)
	BlobDigest types.Digest    `json:"blob_digest,omitempty"`
	Size       int64           `json:"size,omitempty"`
	MediaType  string          `json:"media_type,omitempty"`
	Meta       json.RawMessage `json:"meta,omitempty"`
}

// TaskKey 生成任务的业务定位键
func TaskKey(repoID types.RepoID, path types.RepoPath) string {
	return string(repoID) + ":" + string(path)
}

// DecodeTask 从任务负载还原 Task
func DecodeTask(job *jobs.JobModel) (*Task, error) {
	var task Task
	if err := json.Unmarshal(job.Payload, &task); err != nil {
		return nil, fmt.Errorf("malformed index task payload: %w", err)
	}
	return &task, nil
}

// Dispatcher 把提交事件摊开成逐路径的索引任务
// 任务入队失败只告警不回滚：提交已经成立，
// 漏掉的路径由后台对账 (重放投影) 补齐。
type Dispatcher struct {
	queue *jobs.Queue
	log   *slog.Logger
}

func NewDispatcher(queue *jobs.Queue) *Dispatcher {
	return &Dispatcher{
		queue: queue,
		log:   slog.With("component", "dispatch"),
	}
}

// Listener 返回可挂到提交引擎上的监听器
func (d *Dispatcher) Listener() commit.Listener {
	return func(ctx context.Context, ev commit.Event) {
		d.Dispatch(ctx, ev)
	}
}

// Dispatch 为事件中的每个变更路径入队一个索引任务
func (d *Dispatcher) Dispatch(ctx context.Context, ev commit.Event) {
	for _, ch := range ev.Changes {
		task := Task{
			RepoID:     ev.RepoID,
			Ref:        ev.Ref,
			CommitID:   ev.CommitID,
			Path:       ch.Path,
			Op:         ch.Op,
			Seq:        ev.Height,
			BlobDigest: ch.BlobDigest,
			Size:       ch.Size,
			MediaType:  ch.MediaType,
			Meta:       json.RawMessage(ch.Meta),
		}
		job, err := d.queue.Enqueue(ctx, JobTypeIndex, TaskKey(ev.RepoID, ch.Path), task)
		if err != nil {
			d.log.Error("failed to enqueue index task",
				"repo", ev.RepoID, "path", ch.Path, "commit", ev.CommitID, "error", err)
			continue
		}
		d.log.Debug("index task enqueued",
			"job", job.ID, "repo", ev.RepoID, "path", ch.Path, "seq", ev.Height, "op", ch.Op)
	}
}
