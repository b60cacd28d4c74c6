package search

import (
	"context"
	"errors"
	"log/slog"

	"lakevault/pkg/dispatch"
	"lakevault/pkg/jobs"
	"lakevault/pkg/types"
)

// Syncer 消费索引任务，把路径变更同步进搜索后端
// 收敛保证：每条路径最终反映其最高已执行 Seq 对应的状态。
// 乱序到达的低序任务会撞上版本冲突，那意味着更新的状态已经落索引，
// 本任务的目标已被达成，按成功处理。
type Syncer struct {
	index Index
	log   *slog.Logger
}

func NewSyncer(index Index) *Syncer {
	return &Syncer{
		index: index,
		log:   slog.With("component", "search-sync"),
	}
}

// Handler 返回可注册到 Worker 池的处理函数
func (s *Syncer) Handler() jobs.Handler {
	return func(ctx context.Context, job *jobs.JobModel) error {
		task, err := dispatch.DecodeTask(job)
		if err != nil {
			// 负载坏了重试也没用，但死信比吞掉可见
			return err
		}
		return s.Apply(ctx, task)
	}
}

// Apply 执行单个索引任务
func (s *Syncer) Apply(ctx context.Context, task *dispatch.Task) error {
	id := dispatch.TaskKey(task.RepoID, task.Path)

	var err error
	switch task.Op {
	case types.OpDelete:
		err = s.index.Delete(ctx, id, task.Seq)
	default:
		err = s.index.Upsert(ctx, Document{
			ID:       id,
			RepoID:   task.RepoID,
			Ref:      task.Ref,
			CommitID: task.CommitID,
			Path:     task.Path,
			Digest:   task.BlobDigest,
			Size:     task.Size,
			MediaTyp: task.MediaType,
			Meta:     task.Meta,
			Version:  task.Seq,
		})
	}

	if errors.Is(err, ErrVersionConflict) {
		// 被更高序任务取代：目标状态已在索引里
		s.log.Debug("index task superseded", "doc", id, "seq", task.Seq)
		return nil
	}
	return err
}
