package search

import (
	"context"
	"encoding/json"
	"errors"

	"lakevault/pkg/types"
)

var (
	// ErrVersionConflict: 索引中已有更高 (或相同) 版本的文档
	// 对同步器而言这不是失败，说明本任务已被更新的任务取代。
	ErrVersionConflict = errors.New("document version conflict")

	// ErrDocNotFound: 按 ID 未命中
	ErrDocNotFound = errors.New("document not found")
)

// Document 是路径级的搜索文档
// ID 取 "repo:path"：同一路径只有一份文档，后续提交覆盖前序版本。
// Version 取提交高度，乱序写入由它裁决。
type Document struct {
	ID       string          `json:"id"`
	RepoID   types.RepoID    `json:"repo_id"`
	Ref      string          `json:"ref"`
	CommitID types.Digest    `json:"commit_id"`
	Path     types.RepoPath  `json:"path"`
	Digest   types.Digest    `json:"digest"`
	Size     int64           `json:"size"`
	MediaTyp string          `json:"media_type"`
	Meta     json.RawMessage `json:"meta"`
	Version  int64           `json:"version"`
}

// Query 是最小查询面
type Query struct {
	RepoID types.RepoID
	// Text 对 path 与 meta 做子串匹配 (空串匹配全部)
	Text  string
	Limit int
}

// Index 是搜索后端的抽象
// 写入带版本前置条件：低于已落版本的写入返回 ErrVersionConflict。
type Index interface {
	// Upsert 写入或覆盖文档 (doc.Version 必须高于已落版本)
	Upsert(ctx context.Context, doc Document) error

	// Delete 按版本删除文档
	// 删除会留下版本墓碑，阻止更低版本的迟到写入复活文档。
	Delete(ctx context.Context, id string, version int64) error

	// Get 按 ID 读取当前文档
	Get(ctx context.Context, id string) (*Document, error)

	// Search 执行查询
	Search(ctx context.Context, q Query) ([]Document, error)
}
