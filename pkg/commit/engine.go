package commit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"lakevault/pkg/blob"
	"lakevault/pkg/core"
	"lakevault/pkg/meta"
	"lakevault/pkg/schema"
	"lakevault/pkg/treebuilder"
	"lakevault/pkg/types"
)

var (
	// ErrRefConflict: CAS 推进失败，并发提交者赢了这一轮
	// 调用方应在新的头上重建变更后重试。
	ErrRefConflict = errors.New("ref advanced concurrently, rebuild and retry")

	// ErrRefProtected: 受保护 Ref 被预提交 Hook 拒绝
	ErrRefProtected = errors.New("ref is protected")

	// ErrEmptyChangeSet: 不接受空变更提交
	ErrEmptyChangeSet = errors.New("commit has no changes")

	// ErrDuplicatePath: 同一请求内同路径出现两次
	ErrDuplicatePath = errors.New("duplicate path in change set")
)

// Change 是提交请求里的一条路径变更
type Change struct {
	Path types.RepoPath
	Op   types.ChangeOp

	// put 专用
	BlobDigest types.Digest
	Meta       []byte // JSON 元数据文档
	SchemaKey  string // 空串取 "default@1"
	MediaType  string // 空串回落到 Blob 注册时的类型
}

// Request 描述一次提交
type Request struct {
	RepoID  types.RepoID
	Ref     string
	Author  string
	Message string

	// Parent 是调用方暂存变更时读到的头提交 (显式乐观并发控制)。
	// 非空且与当前头不符时拒绝 ErrRefConflict，不做自动变基；
	// 零值表示无条件提交到当前头。
	Parent types.Digest

	Changes []Change
}

// Result 是提交成功后的回执
type Result struct {
	CommitID types.Digest
	TreeID   types.Digest
	Height   int64

	// Replayed 为 true 表示这是幂等重放：
	// 头提交已有完全相同的内容，没有产生新版本。
	Replayed bool

	Changes []meta.ChangeRecord
}

// ValidationError 聚合整个变更集的全部校验违例
// 引擎先校验完所有条目再失败，一条报告给出完整修复清单。
type ValidationError struct {
	Violations map[types.RepoPath][]schema.Violation
}

func (e *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString("metadata validation failed:")
	for path, vs := range e.Violations {
		for _, v := range vs {
			sb.WriteString(fmt.Sprintf(" [%s: %s]", path, v.String()))
		}
	}
	return sb.String()
}

// UnresolvedBlobError 列出所有未注册的内容摘要
type UnresolvedBlobError struct {
	Missing map[types.RepoPath]types.Digest
}

func (e *UnresolvedBlobError) Error() string {
	var sb strings.Builder
	sb.WriteString("unresolved blob digests:")
	for path, d := range e.Missing {
		sb.WriteString(fmt.Sprintf(" [%s: %s]", path, d))
	}
	return sb.String()
}

// Event 在 Ref 成功推进后广播给订阅者 (索引分发器等)
type Event struct {
	RepoID   types.RepoID
	Ref      string
	CommitID types.Digest
	Height   int64
	Author   string
	Changes  []meta.ChangeRecord
}

// Hook 在 CAS 之前执行；返回错误即中止提交 (零副作用对外可见)
type Hook func(ctx context.Context, req *Request, ref *meta.Ref) error

// Listener 在提交成功后同步收到事件
// 监听器失败不回滚提交：投影与分发都设计为可重放。
type Listener func(ctx context.Context, ev Event)

// Engine 把“校验 → 建树 → CAS 推进 → 投影”串成一次原子提交
// 任何一步失败，仓库可见状态都不变：新写入的 DAG 对象不可达，等同不存在。
type Engine struct {
	repo      *meta.Repository
	blobs     *blob.Service
	builder   *treebuilder.Builder
	reader    *treebuilder.Reader
	validator *schema.Validator

	hooks     []Hook
	listeners []Listener
	log       *slog.Logger
}

func NewEngine(repo *meta.Repository, blobs *blob.Service, builder *treebuilder.Builder, reader *treebuilder.Reader, validator *schema.Validator) *Engine {
	e := &Engine{
		repo:      repo,
		blobs:     blobs,
		builder:   builder,
		reader:    reader,
		validator: validator,
		log:       slog.With("component", "commit"),
	}
	// 受保护 Ref 检查是内置的第一个 Hook
	e.hooks = append(e.hooks, protectedRefHook)
	return e
}

// AddHook 注册预提交 Hook (在内置 Hook 之后执行)
func (e *Engine) AddHook(h Hook) { e.hooks = append(e.hooks, h) }

// Subscribe 注册提交事件监听器
func (e *Engine) Subscribe(l Listener) { e.listeners = append(e.listeners, l) }

func protectedRefHook(_ context.Context, _ *Request, ref *meta.Ref) error {
	if ref != nil && ref.Protected {
		return fmt.Errorf("%w: %s", ErrRefProtected, ref.Name)
	}
	return nil
}

// Commit 执行一次提交
// 失败语义：返回错误时仓库的可见状态 (Ref、投影、搜索) 没有任何变化。
// CAS 失败返回 ErrRefConflict，由调用方决定重试策略。
func (e *Engine) Commit(ctx context.Context, req *Request) (*Result, error) {
	if len(req.Changes) == 0 {
		return nil, ErrEmptyChangeSet
	}

	// 1. 路径规范化 + 请求内去重
	changes, err := normalizeChanges(req.Changes)
	if err != nil {
		return nil, err
	}

	// 2. 全量元数据校验：先收集完所有违例再失败
	if err := e.validateAll(changes); err != nil {
		return nil, err
	}

	// 3. 解析全部 put 的 Blob：未注册的摘要一次性报出来
	refs, err := e.resolveBlobs(ctx, changes)
	if err != nil {
		return nil, err
	}

	// 4. 读当前 Ref，确定父提交与 CAS 期望版本
	parent, oldVersion, height, err := e.loadHead(ctx, req.RepoID, req.Ref)
	if err != nil {
		return nil, err
	}
	var parentTree, parentID types.Digest
	if parent != nil {
		parentTree = types.Digest(parent.TreeHash)
		parentID = types.Digest(parent.Hash)
	}

	// 5. 建新树 (结构共享；delete 的路径必须已存在，由构建器强制)
	puts := make(map[types.RepoPath]*core.Entry, len(changes))
	var deletes []types.RepoPath
	records := make([]meta.ChangeRecord, 0, len(changes))
	for _, ch := range changes {
		if ch.Op == types.OpDelete {
			deletes = append(deletes, ch.Path)
			records = append(records, meta.ChangeRecord{Path: ch.Path, Op: types.OpDelete})
			continue
		}
		ref := refs[ch.Path]
		mediaType := ch.MediaType
		if mediaType == "" {
			mediaType = ref.MediaType
		}
		// 重放友好：父快照里已有等价写入时复用原 Entry，
		// 不然新 Entry 的 CreatedAt 会让同一份内容的树哈希漂移。
		entry := e.reuseEntry(ctx, parentTree, ch.Path, ch.BlobDigest, mediaType, ch.Meta)
		if entry == nil {
			entry, err = core.NewEntry(ch.BlobDigest, ref.Size, mediaType, ch.Meta, req.Author)
			if err != nil {
				return nil, err
			}
		}
		puts[ch.Path] = entry
		records = append(records, meta.ChangeRecord{
			Path:       ch.Path,
			Op:         types.OpPut,
			BlobDigest: ch.BlobDigest,
			Size:       ref.Size,
			MediaType:  mediaType,
			Meta:       ch.Meta,
		})
	}

	// 6. 调用方声明了父提交：头必须还是那个提交
	// 唯一的例外是丢失应答后的重发，此时头本身就是这次请求的结果。
	if !req.Parent.IsZero() && parentID != req.Parent {
		if res, ok := e.replayOfHead(ctx, req.Parent, parent, puts, deletes); ok {
			return res, nil
		}
		return nil, fmt.Errorf("%w: %s@%s staged on %s",
			ErrRefConflict, req.RepoID, req.Ref, req.Parent)
	}

	newTree, err := e.builder.Apply(ctx, parentTree, puts, deletes)
	if err != nil {
		return nil, err
	}

	// 7. 幂等重放：变更应用后树没变，头提交就是这次提交的答案
	if parent != nil && parentTree == newTree {
		e.log.Info("commit replay detected, returning head as-is",
			"repo", req.RepoID, "ref", req.Ref, "commit", parent.Hash)
		return &Result{
			CommitID: parentID,
			TreeID:   parentTree,
			Height:   parent.Height,
			Replayed: true,
		}, nil
	}

	// 8. 密封并持久化 Commit 对象 (此刻仍不可达)
	commitObj, err := core.NewCommit(newTree, parentID, req.Author, req.Message)
	if err != nil {
		return nil, err
	}
	if err := e.builder.StoreObject(ctx, commitObj); err != nil {
		return nil, err
	}

	// 9. 预提交 Hook
	currentRef, err := e.currentRef(ctx, req.RepoID, req.Ref)
	if err != nil {
		return nil, err
	}
	for _, h := range e.hooks {
		if err := h(ctx, req, currentRef); err != nil {
			return nil, err
		}
	}

	// 10. CAS 推进 Ref 并落投影，同一个事务：
	// Ref 永远不会指向一个没有投影的提交。
	err = e.repo.Transact(ctx, func(tx *meta.Repository) error {
		if err := tx.AdvanceRef(ctx, req.RepoID, req.Ref, commitObj.ID(), height, oldVersion); err != nil {
			return err
		}
		if err := tx.IndexCommit(ctx, req.RepoID, commitObj, height); err != nil {
			return err
		}
		return tx.RecordChanges(ctx, req.RepoID, commitObj.ID(), height, records)
	})
	if err != nil {
		if errors.Is(err, meta.ErrConcurrentUpdate) {
			return nil, fmt.Errorf("%w: %s@%s", ErrRefConflict, req.RepoID, req.Ref)
		}
		return nil, err
	}

	// 11. 广播事件
	ev := Event{
		RepoID:   req.RepoID,
		Ref:      req.Ref,
		CommitID: commitObj.ID(),
		Height:   height,
		Author:   req.Author,
		Changes:  records,
	}
	for _, l := range e.listeners {
		l(ctx, ev)
	}

	e.log.Info("commit advanced",
		"repo", req.RepoID, "ref", req.Ref,
		"commit", commitObj.ID(), "height", height, "paths", len(records))

	return &Result{
		CommitID: commitObj.ID(),
		TreeID:   newTree,
		Height:   height,
		Changes:  records,
	}, nil
}

// normalizeChanges 规范化路径并拒绝请求内的重复路径
func normalizeChanges(in []Change) ([]Change, error) {
	out := make([]Change, 0, len(in))
	seen := make(map[types.RepoPath]struct{}, len(in))
	for _, ch := range in {
		normalized, err := types.NormalizePath(string(ch.Path))
		if err != nil {
			return nil, fmt.Errorf("invalid path %q: %w", ch.Path, err)
		}
		if _, dup := seen[normalized]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePath, normalized)
		}
		seen[normalized] = struct{}{}
		ch.Path = normalized
		out = append(out, ch)
	}
	return out, nil
}

// validateAll 对全部 put 条目做 Schema 校验，聚合所有违例
func (e *Engine) validateAll(changes []Change) error {
	violations := make(map[types.RepoPath][]schema.Violation)
	for _, ch := range changes {
		if ch.Op != types.OpPut {
			continue
		}
		key := ch.SchemaKey
		if key == "" {
			key = "default@1"
		}
		vs, err := e.validator.Validate(ch.Meta, key)
		if err != nil {
			return err
		}
		if len(vs) > 0 {
			violations[ch.Path] = vs
		}
	}
	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

// resolveBlobs 确认每个 put 的摘要都已注册，返回其物理属性
func (e *Engine) resolveBlobs(ctx context.Context, changes []Change) (map[types.RepoPath]*blob.BlobRef, error) {
	refs := make(map[types.RepoPath]*blob.BlobRef)
	missing := make(map[types.RepoPath]types.Digest)
	for _, ch := range changes {
		if ch.Op != types.OpPut {
			continue
		}
		ref, err := e.blobs.Resolve(ctx, ch.BlobDigest)
		if err != nil {
			if errors.Is(err, blob.ErrNotFound) {
				missing[ch.Path] = ch.BlobDigest
				continue
			}
			return nil, err
		}
		refs[ch.Path] = ref
	}
	if len(missing) > 0 {
		return nil, &UnresolvedBlobError{Missing: missing}
	}
	return refs, nil
}

// reuseEntry 在父快照中查找等价 Entry (同 Blob、同元数据、同媒体类型)
// 找到就返回原对象，找不到或无法判定返回 nil。
func (e *Engine) reuseEntry(ctx context.Context, parentTree types.Digest, path types.RepoPath, blobDigest types.Digest, mediaType string, metaDoc []byte) *core.Entry {
	if parentTree.IsZero() {
		return nil
	}
	existing, err := e.reader.ResolveEntry(ctx, parentTree, path)
	if err != nil {
		return nil
	}
	if existing.Content.Digest != blobDigest ||
		existing.MediaType != mediaType ||
		!bytes.Equal(existing.Meta, metaDoc) {
		return nil
	}
	return existing
}

// replayOfHead 判断当前头是否就是这次请求早先成功的那次提交
// (客户端没收到应答后重发)：声明的父是头的父，且在声明父的树上
// 重演本次变更恰好得到头的树。是则返回头作为重放回执。
func (e *Engine) replayOfHead(ctx context.Context, statedParent types.Digest, head *meta.CommitModel, puts map[types.RepoPath]*core.Entry, deletes []types.RepoPath) (*Result, bool) {
	if head == nil || head.ParentHash != string(statedParent) {
		return nil, false
	}
	stated, err := e.repo.GetCommit(ctx, statedParent)
	if err != nil {
		return nil, false
	}
	replayTree, err := e.builder.Apply(ctx, types.Digest(stated.TreeHash), puts, deletes)
	if err != nil || replayTree != types.Digest(head.TreeHash) {
		return nil, false
	}

	e.log.Info("commit retry detected, returning head as-is",
		"commit", head.Hash, "parent", statedParent)
	return &Result{
		CommitID: types.Digest(head.Hash),
		TreeID:   replayTree,
		Height:   head.Height,
		Replayed: true,
	}, true
}

// loadHead 读取 Ref 当前指向
// Ref 不存在视为创建新 Ref：父为空、期望版本 0、高度 1。
func (e *Engine) loadHead(ctx context.Context, repoID types.RepoID, refName string) (*meta.CommitModel, int64, int64, error) {
	ref, err := e.repo.GetRef(ctx, repoID, refName)
	if err != nil {
		if errors.Is(err, meta.ErrRefNotFound) {
			// 仓库必须存在；新 Ref 可以不存在
			if _, err := e.repo.GetRepo(ctx, repoID); err != nil {
				return nil, 0, 0, err
			}
			return nil, 0, 1, nil
		}
		return nil, 0, 0, err
	}

	head, err := e.repo.GetCommit(ctx, types.Digest(ref.CommitHash))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("ref points at unindexed commit %s: %w", ref.CommitHash, err)
	}
	return head, ref.Version, ref.Height + 1, nil
}

func (e *Engine) currentRef(ctx context.Context, repoID types.RepoID, refName string) (*meta.Ref, error) {
	ref, err := e.repo.GetRef(ctx, repoID, refName)
	if err != nil {
		if errors.Is(err, meta.ErrRefNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return ref, nil
}
