package meta

import (
	"time"

	"gorm.io/datatypes"
)

// RepoModel 是租户内唯一命名的仓库容器
type RepoModel struct {
	// ID 是 UUID 字符串
	ID        string `gorm:"primaryKey;type:char(36)"`
	Name      string `gorm:"uniqueIndex;type:varchar(100);not null"`
	CreatedBy string `gorm:"type:varchar(100)"`
	CreatedAt time.Time
}

func (RepoModel) TableName() string { return "repos" }

// Ref 存储分支/标签指针，按 (repo_id, name) 定位
// 这是整个引擎里唯一一块可变共享状态。
type Ref struct {
	RepoID string `gorm:"primaryKey;type:char(36)"`
	Name   string `gorm:"primaryKey;type:varchar(255)"`

	// CommitHash 指向当前的 Commit ID
	CommitHash string `gorm:"type:char(64);not null"`

	// Version 用于乐观锁并发控制 (CAS)
	// 每次更新 +1，防止并发覆盖
	Version int64 `gorm:"default:1"`

	// Height 是该 Ref 上的提交序号 (根提交为 1)
	// 同时充当同路径索引任务的逻辑时钟
	Height int64 `gorm:"default:1"`

	// Protected 的 Ref 由预提交 Hook 拒绝写入 (策略在引擎之外)
	Protected bool `gorm:"default:false"`

	UpdatedAt time.Time
}

// CommitModel 是 core.Commit 在关系型数据库中的投影 (索引)
// DAG 对象是事实源；这张表只为快速查询历史服务。
type CommitModel struct {
	// Hash 是主键 (内容推导)
	Hash string `gorm:"primaryKey;type:char(64)"`

	RepoID string `gorm:"index;type:char(36);not null"`

	Author    string `gorm:"index;type:varchar(100)"`
	Message   string `gorm:"type:text"`
	Timestamp int64  `gorm:"index"`

	TreeHash   string `gorm:"type:char(64);not null"`
	ParentHash string `gorm:"type:char(64)"` // 空串表示根提交

	// Height 冗余自 Ref，提交时固定，方便按序翻页
	Height int64 `gorm:"index"`

	CreatedAt time.Time
}

func (CommitModel) TableName() string { return "commits" }

// EntryChange 记录一次提交触达的单个路径
// 它是树快照的关系型投影：按路径查历史、按提交列 diff 都走这张表，
// 不必反复展开 Merkle Tree。
type EntryChange struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	RepoID     string `gorm:"index:idx_change_repo_path;type:char(36);not null"`
	CommitHash string `gorm:"uniqueIndex:idx_change_commit_path;type:char(64);not null"`
	Path       string `gorm:"uniqueIndex:idx_change_commit_path;index:idx_change_repo_path;type:varchar(1024);not null"`

	// Op: put / delete
	Op string `gorm:"type:varchar(10);not null"`

	// put 时的内容属性快照 (delete 时为空)
	BlobDigest string `gorm:"type:char(64)"`
	Size       int64
	MediaType  string `gorm:"type:varchar(255)"`

	// Meta 保存通过校验的元数据文档快照
	Meta datatypes.JSON

	// Height 即所属提交的序号，是同路径任务的逻辑时钟
	Height int64 `gorm:"index"`

	CreatedAt time.Time
}

func (EntryChange) TableName() string { return "entry_changes" }

// BlobModel 是摘要到存储位置的持久映射
// 成功晋升后先落这条记录，Resolve 才会看到这个 Blob。
type BlobModel struct {
	Digest     string `gorm:"primaryKey;type:char(64)"`
	Size       int64  `gorm:"not null"`
	MediaType  string `gorm:"type:varchar(255)"`
	StorageKey string `gorm:"type:varchar(255);not null"`
	CreatedAt  time.Time
}

func (BlobModel) TableName() string { return "blobs" }

// 上传握手状态
const (
	UploadPending   = "pending"
	UploadCompleted = "completed"
	UploadDiscarded = "discarded"
)

// UploadModel 记录一次进行中的预签名上传握手
type UploadModel struct {
	// Token 是一次性上传令牌 (UUID)
	Token  string `gorm:"primaryKey;type:char(36)"`
	RepoID string `gorm:"index;type:char(36)"`

	// ClaimedDigest 可选：调用方声明的期望摘要
	ClaimedDigest string `gorm:"type:char(64)"`
	Size          int64
	MediaType     string `gorm:"type:varchar(255)"`

	State     string `gorm:"type:varchar(20);default:pending"`
	ExpiresAt time.Time
	CreatedAt time.Time
}

func (UploadModel) TableName() string { return "uploads" }

// AllModels 返回需要迁移的全部表
func AllModels() []any {
	return []any{
		&RepoModel{}, &Ref{}, &CommitModel{}, &EntryChange{}, &BlobModel{}, &UploadModel{},
	}
}
