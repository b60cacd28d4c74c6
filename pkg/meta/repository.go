package meta

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lakevault/pkg/core"
	"lakevault/pkg/types"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrRepoNotFound     = errors.New("repository not found")
	ErrRepoExists       = errors.New("repository name already taken")
	ErrRepoNotEmpty     = errors.New("repository has protected refs")
	ErrRefNotFound      = errors.New("reference not found")
	ErrConcurrentUpdate = errors.New("concurrent update detected (CAS failed)")
	ErrCommitNotFound   = errors.New("commit not found in metadata")
	ErrBlobNotFound     = errors.New("blob not registered")
	ErrUploadNotFound   = errors.New("upload handle not found")
)

// Repository 封装所有对 SQL 数据库的操作
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// Transact 在单个数据库事务中执行 fn
// fn 拿到的 Repository 绑定在事务连接上，返回错误即整体回滚。
func (r *Repository) Transact(ctx context.Context, fn func(*Repository) error) error {
	return r.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewRepository(NewWithConn(tx)))
	})
}

// isDuplicateKey 兼容不同数据库 (PG 与 SQLite) 的唯一约束错误
func isDuplicateKey(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key value")
}

// -----------------------------------------------------------------------------
// 1. 仓库管理 (Repos)
// -----------------------------------------------------------------------------

func (r *Repository) CreateRepo(ctx context.Context, name, createdBy string) (*RepoModel, error) {
	if err := types.ValidateRepoName(name); err != nil {
		return nil, err
	}

	repo := RepoModel{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedBy: createdBy,
		CreatedAt: time.Now(),
	}
	if err := r.db.GetConn().WithContext(ctx).Create(&repo).Error; err != nil {
		if isDuplicateKey(err) {
			return nil, ErrRepoExists
		}
		return nil, fmt.Errorf("failed to create repo: %w", err)
	}
	return &repo, nil
}

func (r *Repository) GetRepo(ctx context.Context, id types.RepoID) (*RepoModel, error) {
	var repo RepoModel
	err := r.db.GetConn().WithContext(ctx).Where("id = ?", string(id)).First(&repo).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRepoNotFound
	}
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

func (r *Repository) GetRepoByName(ctx context.Context, name string) (*RepoModel, error) {
	var repo RepoModel
	err := r.db.GetConn().WithContext(ctx).Where("name = ?", name).First(&repo).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRepoNotFound
	}
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

func (r *Repository) ListRepos(ctx context.Context) ([]RepoModel, error) {
	var repos []RepoModel
	err := r.db.GetConn().WithContext(ctx).Order("name").Find(&repos).Error
	return repos, err
}

// DeleteRepo 删除仓库及其 Ref 指针
// 受保护 Ref 存在时拒绝删除；已落库的提交历史是 append-only 的，不随仓库清除。
func (r *Repository) DeleteRepo(ctx context.Context, id types.RepoID) error {
	return r.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var protected int64
		if err := tx.Model(&Ref{}).
			Where("repo_id = ? AND protected = ?", string(id), true).
			Count(&protected).Error; err != nil {
			return err
		}
		if protected > 0 {
			return ErrRepoNotEmpty
		}

		if err := tx.Where("repo_id = ?", string(id)).Delete(&Ref{}).Error; err != nil {
			return err
		}

		result := tx.Where("id = ?", string(id)).Delete(&RepoModel{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrRepoNotFound
		}
		return nil
	})
}

// -----------------------------------------------------------------------------
// 2. 引用管理 (Refs / Branches)
// -----------------------------------------------------------------------------

// GetRef 获取分支的当前指向
func (r *Repository) GetRef(ctx context.Context, repoID types.RepoID, name string) (*Ref, error) {
	var ref Ref
	err := r.db.GetConn().WithContext(ctx).
		Where("repo_id = ? AND name = ?", string(repoID), name).
		First(&ref).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRefNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

func (r *Repository) ListRefs(ctx context.Context, repoID types.RepoID) ([]Ref, error) {
	var refs []Ref
	err := r.db.GetConn().WithContext(ctx).
		Where("repo_id = ?", string(repoID)).
		Order("name").
		Find(&refs).Error
	return refs, err
}

// AdvanceRef 原子推进引用 (CAS - Compare And Swap)
// oldVersion: 调用方之前读到的版本号。数据库里当前版本号不等于它时说明有并发写入者
// 抢先落地，本次更新失败返回 ErrConcurrentUpdate，调用方必须重新读头重试。
// oldVersion == 0 表示首次创建该 Ref。
// 这是整个系统里唯一一个必须真正原子的写操作。
func (r *Repository) AdvanceRef(ctx context.Context, repoID types.RepoID, name string, newHash types.Digest, newHeight, oldVersion int64) error {
	return r.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 场景 A: 第一次创建 (Create)
		if oldVersion == 0 {
			ref := Ref{
				RepoID:     string(repoID),
				Name:       name,
				CommitHash: string(newHash),
				Version:    1,
				Height:     newHeight,
			}
			if err := tx.Create(&ref).Error; err != nil {
				// 主键冲突 == 有人抢先创建了同名 Ref
				if isDuplicateKey(err) {
					return ErrConcurrentUpdate
				}
				return fmt.Errorf("failed to create ref: %w", err)
			}
			return nil
		}

		// 场景 B: 更新现有引用 (Update with CAS)
		// SQL: UPDATE refs SET commit_hash=?, height=?, version=version+1
		//      WHERE repo_id=? AND name=? AND version=?
		result := tx.Model(&Ref{}).
			Where("repo_id = ? AND name = ? AND version = ?", string(repoID), name, oldVersion).
			Updates(map[string]any{
				"commit_hash": string(newHash),
				"height":      newHeight,
				"version":     gorm.Expr("version + 1"),
				"updated_at":  time.Now(),
			})

		if result.Error != nil {
			return result.Error
		}

		// 关键检查：影响行数为 0 说明 version 不匹配 (被人抢先改了)
		if result.RowsAffected == 0 {
			return ErrConcurrentUpdate
		}
		return nil
	})
}

// SetRefProtected 标记/解除保护 (策略评估在引擎之外，这里只存状态)
func (r *Repository) SetRefProtected(ctx context.Context, repoID types.RepoID, name string, protected bool) error {
	result := r.db.GetConn().WithContext(ctx).Model(&Ref{}).
		Where("repo_id = ? AND name = ?", string(repoID), name).
		Update("protected", protected)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRefNotFound
	}
	return nil
}

// -----------------------------------------------------------------------------
// 3. 提交索引 (Commit Projection)
// -----------------------------------------------------------------------------

// IndexCommit 将 core.Commit 对象投影到 SQL
// DAG 对象是事实源，这里只是可查询的镜像；写入幂等 (Hash 冲突时 Do Nothing)。
func (r *Repository) IndexCommit(ctx context.Context, repoID types.RepoID, c *core.Commit, height int64) error {
	model := CommitModel{
		Hash:       string(c.ID()),
		RepoID:     string(repoID),
		Author:     c.Author,
		Message:    c.Message,
		Timestamp:  c.Timestamp,
		TreeHash:   string(c.Tree.Digest),
		ParentHash: string(c.Parent.Digest),
		Height:     height,
		CreatedAt:  time.Unix(c.Timestamp, 0),
	}

	err := r.db.GetConn().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "hash"}},
			DoNothing: true,
		}).
		Create(&model).Error
	if err != nil {
		return fmt.Errorf("failed to index commit: %w", err)
	}
	return nil
}

func (r *Repository) GetCommit(ctx context.Context, hash types.Digest) (*CommitModel, error) {
	var commit CommitModel
	err := r.db.GetConn().WithContext(ctx).
		Where("hash = ?", string(hash)).
		First(&commit).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCommitNotFound
	}
	if err != nil {
		return nil, err
	}
	return &commit, nil
}

// CommitChain 从 head 沿 parent 指针回溯，最多 limit 条
// 线性历史保证：单父指针 + 内容推导 ID 不可能成环。
func (r *Repository) CommitChain(ctx context.Context, head types.Digest, limit int) ([]CommitModel, error) {
	var chain []CommitModel
	current := string(head)

	for len(chain) < limit && current != "" {
		c, err := r.GetCommit(ctx, types.Digest(current))
		if err != nil {
			return nil, err
		}
		chain = append(chain, *c)
		current = c.ParentHash
	}
	return chain, nil
}

func (r *Repository) FindCommitsByAuthor(ctx context.Context, repoID types.RepoID, author string, limit int) ([]CommitModel, error) {
	var commits []CommitModel
	err := r.db.GetConn().WithContext(ctx).
		Where("repo_id = ? AND author = ?", string(repoID), author).
		Order("timestamp DESC").
		Limit(limit).
		Find(&commits).Error
	return commits, err
}

// -----------------------------------------------------------------------------
// 4. 路径变更投影 (Entry Changes)
// -----------------------------------------------------------------------------

// ChangeRecord 是一条待落库的路径变更
type ChangeRecord struct {
	Path       types.RepoPath
	Op         types.ChangeOp
	BlobDigest types.Digest
	Size       int64
	MediaType  string
	Meta       []byte
}

// RecordChanges 批量写入一次提交的路径级 diff
// 与 IndexCommit 同为提交成功后的投影；(commit, path) 唯一，重放幂等。
func (r *Repository) RecordChanges(ctx context.Context, repoID types.RepoID, commitHash types.Digest, height int64, changes []ChangeRecord) error {
	if len(changes) == 0 {
		return nil
	}

	rows := make([]EntryChange, 0, len(changes))
	for _, ch := range changes {
		rows = append(rows, EntryChange{
			RepoID:     string(repoID),
			CommitHash: string(commitHash),
			Path:       string(ch.Path),
			Op:         string(ch.Op),
			BlobDigest: string(ch.BlobDigest),
			Size:       ch.Size,
			MediaType:  ch.MediaType,
			Meta:       datatypes.JSON(ch.Meta),
			Height:     height,
			CreatedAt:  time.Now(),
		})
	}

	err := r.db.GetConn().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "commit_hash"}, {Name: "path"}},
			DoNothing: true,
		}).
		Create(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to record changes: %w", err)
	}
	return nil
}

// ListCommitChanges 列出一次提交触达的全部路径
func (r *Repository) ListCommitChanges(ctx context.Context, commitHash types.Digest) ([]EntryChange, error) {
	var changes []EntryChange
	err := r.db.GetConn().WithContext(ctx).
		Where("commit_hash = ?", string(commitHash)).
		Order("path").
		Find(&changes).Error
	return changes, err
}

// PathHistory 返回触达过某路径的提交序列 (按提交序号升序)
func (r *Repository) PathHistory(ctx context.Context, repoID types.RepoID, path types.RepoPath, limit int) ([]EntryChange, error) {
	var changes []EntryChange
	err := r.db.GetConn().WithContext(ctx).
		Where("repo_id = ? AND path = ?", string(repoID), string(path)).
		Order("height ASC").
		Limit(limit).
		Find(&changes).Error
	return changes, err
}

// -----------------------------------------------------------------------------
// 5. Blob 注册表 (digest -> location)
// -----------------------------------------------------------------------------

// RegisterBlob 落库摘要到存储位置的映射
// 必须在 Resolve 能看到该 Blob 之前调用；重复注册为 no-op (内容寻址)。
func (r *Repository) RegisterBlob(ctx context.Context, digest types.Digest, size int64, mediaType, storageKey string) error {
	blob := BlobModel{
		Digest:     string(digest),
		Size:       size,
		MediaType:  mediaType,
		StorageKey: storageKey,
		CreatedAt:  time.Now(),
	}
	err := r.db.GetConn().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "digest"}},
			DoNothing: true,
		}).
		Create(&blob).Error
	if err != nil {
		return fmt.Errorf("failed to register blob: %w", err)
	}
	return nil
}

func (r *Repository) GetBlobRecord(ctx context.Context, digest types.Digest) (*BlobModel, error) {
	var blob BlobModel
	err := r.db.GetConn().WithContext(ctx).
		Where("digest = ?", string(digest)).
		First(&blob).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &blob, nil
}

// -----------------------------------------------------------------------------
// 6. 上传握手 (Upload Handles)
// -----------------------------------------------------------------------------

func (r *Repository) CreateUpload(ctx context.Context, up *UploadModel) error {
	return r.db.GetConn().WithContext(ctx).Create(up).Error
}

func (r *Repository) GetUpload(ctx context.Context, token string) (*UploadModel, error) {
	var up UploadModel
	err := r.db.GetConn().WithContext(ctx).
		Where("token = ?", token).
		First(&up).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUploadNotFound
	}
	if err != nil {
		return nil, err
	}
	return &up, nil
}

// SetUploadState 迁移上传状态；fromState 充当轻量 CAS，
// 保证同一 token 的 CompleteUpload 只被消费一次。
func (r *Repository) SetUploadState(ctx context.Context, token, fromState, toState string) error {
	result := r.db.GetConn().WithContext(ctx).Model(&UploadModel{}).
		Where("token = ? AND state = ?", token, fromState).
		Update("state", toState)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUploadNotFound
	}
	return nil
}
