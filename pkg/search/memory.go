package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryIndex 是进程内的 Index 实现
// 测试与嵌入式部署使用；版本语义与远端实现保持一致。
type MemoryIndex struct {
	mu   sync.RWMutex
	docs map[string]Document

	// tombstones 记录删除时的版本，挡住迟到的低版本写入
	tombstones map[string]int64
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		docs:       make(map[string]Document),
		tombstones: make(map[string]int64),
	}
}

func (m *MemoryIndex) Upsert(_ context.Context, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.docs[doc.ID]; ok && existing.Version >= doc.Version {
		return fmt.Errorf("%w: %s has v%d, got v%d", ErrVersionConflict, doc.ID, existing.Version, doc.Version)
	}
	if tv, ok := m.tombstones[doc.ID]; ok && tv >= doc.Version {
		return fmt.Errorf("%w: %s deleted at v%d, got v%d", ErrVersionConflict, doc.ID, tv, doc.Version)
	}

	delete(m.tombstones, doc.ID)
	m.docs[doc.ID] = doc
	return nil
}

func (m *MemoryIndex) Delete(_ context.Context, id string, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.docs[id]; ok && existing.Version >= version {
		return fmt.Errorf("%w: %s has v%d, delete at v%d", ErrVersionConflict, id, existing.Version, version)
	}
	if tv, ok := m.tombstones[id]; ok && tv >= version {
		return fmt.Errorf("%w: %s already deleted at v%d", ErrVersionConflict, id, tv)
	}

	delete(m.docs, id)
	m.tombstones[id] = version
	return nil
}

func (m *MemoryIndex) Get(_ context.Context, id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDocNotFound, id)
	}
	out := doc
	return &out, nil
}

func (m *MemoryIndex) Search(_ context.Context, q Query) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	needle := strings.ToLower(q.Text)

	var out []Document
	for _, doc := range m.docs {
		if q.RepoID != "" && doc.RepoID != q.RepoID {
			continue
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(string(doc.Path)), needle) &&
			!strings.Contains(strings.ToLower(string(doc.Meta)), needle) {
			continue
		}
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
