package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	rq "github.com/parnurzeal/gorequest"
)

// SolrConfig 描述一个 Solr core
type SolrConfig struct {
	// BaseURL 形如 http://localhost:8983
	BaseURL string
	Core    string

	// CommitWithin 软提交窗口 (毫秒)，写入在该窗口内可见；0 取 5000
	CommitWithin int

	Timeout time.Duration
}

// SolrIndex 是 Solr 支撑的 Index 实现
// 版本前置条件在写入前用 realtime get 检查：
// 并发窗口内可能放过一次低版本写入，由下一个高版本任务覆盖纠正。
type SolrIndex struct {
	base         string
	core         string
	commitWithin int
	timeout      time.Duration
	log          *slog.Logger
}

func NewSolrIndex(cfg SolrConfig) *SolrIndex {
	commitWithin := cfg.CommitWithin
	if commitWithin <= 0 {
		commitWithin = 5000
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SolrIndex{
		base:         strings.TrimRight(cfg.BaseURL, "/"),
		core:         cfg.Core,
		commitWithin: commitWithin,
		timeout:      timeout,
		log:          slog.With("component", "solr"),
	}
}

func (s *SolrIndex) coreURL(path string) string {
	return fmt.Sprintf("%s/solr/%s/%s", s.base, s.core, path)
}

func requestErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("solr request failed: %w", errors.Join(errs...))
}

func (s *SolrIndex) Upsert(ctx context.Context, doc Document) error {
	current, err := s.Get(ctx, doc.ID)
	if err != nil && !errors.Is(err, ErrDocNotFound) {
		return err
	}
	if current != nil && current.Version >= doc.Version {
		return fmt.Errorf("%w: %s has v%d, got v%d", ErrVersionConflict, doc.ID, current.Version, doc.Version)
	}

	body := map[string]any{"add": map[string]any{"doc": doc}}
	resp, out, errs := rq.New().Timeout(s.timeout).
		Post(s.coreURL(fmt.Sprintf("update?commitWithin=%d", s.commitWithin))).
		Set("Content-Type", "application/json").
		Send(body).
		End()
	if err := requestErrors(errs); err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("solr update rejected: HTTP %d - %s", resp.StatusCode, out)
	}
	return nil
}

func (s *SolrIndex) Delete(ctx context.Context, id string, version int64) error {
	current, err := s.Get(ctx, id)
	if err != nil && !errors.Is(err, ErrDocNotFound) {
		return err
	}
	if current != nil && current.Version >= version {
		return fmt.Errorf("%w: %s has v%d, delete at v%d", ErrVersionConflict, id, current.Version, version)
	}

	body := map[string]any{"delete": map[string]any{"id": id}}
	resp, out, errs := rq.New().Timeout(s.timeout).
		Post(s.coreURL(fmt.Sprintf("update?commitWithin=%d", s.commitWithin))).
		Set("Content-Type", "application/json").
		Send(body).
		End()
	if err := requestErrors(errs); err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("solr delete rejected: HTTP %d - %s", resp.StatusCode, out)
	}
	return nil
}

// Get 走 realtime get，读到的是包含未提交写入的最新版本
func (s *SolrIndex) Get(_ context.Context, id string) (*Document, error) {
	resp, out, errs := rq.New().Timeout(s.timeout).
		Get(s.coreURL("get?id=" + url.QueryEscape(id))).
		End()
	if err := requestErrors(errs); err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("solr get failed: HTTP %d - %s", resp.StatusCode, out)
	}

	var payload struct {
		Doc *Document `json:"doc"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		return nil, fmt.Errorf("malformed solr get response: %w", err)
	}
	if payload.Doc == nil {
		return nil, fmt.Errorf("%w: %s", ErrDocNotFound, id)
	}
	return payload.Doc, nil
}

func (s *SolrIndex) Search(_ context.Context, q Query) ([]Document, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	params := url.Values{}
	if q.Text == "" {
		params.Set("q", "*:*")
	} else {
		escaped := solrEscape(q.Text)
		params.Set("q", fmt.Sprintf("path:*%s* OR meta:*%s*", escaped, escaped))
	}
	if q.RepoID != "" {
		params.Set("fq", "repo_id:"+solrEscape(string(q.RepoID)))
	}
	params.Set("rows", fmt.Sprintf("%d", limit))
	params.Set("wt", "json")

	resp, out, errs := rq.New().Timeout(s.timeout).
		Get(s.coreURL("select?" + params.Encode())).
		End()
	if err := requestErrors(errs); err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("solr select failed: HTTP %d - %s", resp.StatusCode, out)
	}

	var payload struct {
		Response struct {
			Docs []Document `json:"docs"`
		} `json:"response"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		return nil, fmt.Errorf("malformed solr select response: %w", err)
	}
	return payload.Response.Docs, nil
}

// HardCommit 强制落盘并打开新搜索器 (运维入口；常规写入靠 commitWithin)
func (s *SolrIndex) HardCommit(_ context.Context) error {
	resp, out, errs := rq.New().Timeout(s.timeout).
		Post(s.coreURL("update")).
		Set("Content-Type", "application/json").
		Send(map[string]any{"commit": map[string]any{}}).
		End()
	if err := requestErrors(errs); err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("solr commit failed: HTTP %d - %s", resp.StatusCode, out)
	}
	return nil
}

// solrEscape 转义查询语法中的特殊字符
func solrEscape(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`+-&|!(){}[]^"~*?:\/ `, r) {
			sb.WriteRune('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
