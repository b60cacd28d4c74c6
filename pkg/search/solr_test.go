package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSolr 模拟 /get 与 /update 两个端点，按版本语义存文档
type fakeSolr struct {
	mu   sync.Mutex
	docs map[string]Document

	updateCalls int
	lastQuery   string
}

func newFakeSolr() *fakeSolr {
	return &fakeSolr{docs: make(map[string]Document)}
}

func (f *fakeSolr) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/solr/lakevault/get", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		doc, ok := f.docs[r.URL.Query().Get("id")]
		if !ok {
			fmt.Fprint(w, `{"doc":null}`)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"doc": doc})
	})

	mux.HandleFunc("/solr/lakevault/update", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var cmd struct {
			Add *struct {
				Doc Document `json:"doc"`
			} `json:"add"`
			Delete *struct {
				ID string `json:"id"`
			} `json:"delete"`
		}
		require.NoError(t, json.Unmarshal(body, &cmd))

		f.mu.Lock()
		defer f.mu.Unlock()
		f.updateCalls++
		f.lastQuery = r.URL.RawQuery
		switch {
		case cmd.Add != nil:
			f.docs[cmd.Add.Doc.ID] = cmd.Add.Doc
		case cmd.Delete != nil:
			delete(f.docs, cmd.Delete.ID)
		}
		fmt.Fprint(w, `{"responseHeader":{"status":0}}`)
	})

	return mux
}

func setupSolr(t *testing.T) (*SolrIndex, *fakeSolr) {
	t.Helper()
	fake := newFakeSolr()
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	idx := NewSolrIndex(SolrConfig{BaseURL: srv.URL, Core: "lakevault", CommitWithin: 3000})
	return idx, fake
}

func TestSolrIndex_UpsertAndGet(t *testing.T) {
	idx, fake := setupSolr(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, doc("r1:a.txt", 1)))
	assert.Contains(t, fake.lastQuery, "commitWithin=3000")

	got, err := idx.Get(ctx, "r1:a.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Version)

	_, err = idx.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrDocNotFound)
}

func TestSolrIndex_VersionConflict(t *testing.T) {
	idx, fake := setupSolr(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, doc("r1:a.txt", 5)))
	calls := fake.updateCalls

	// 低版本写入在发出 update 前就被拦下
	err := idx.Upsert(ctx, doc("r1:a.txt", 3))
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, calls, fake.updateCalls)

	err = idx.Delete(ctx, "r1:a.txt", 4)
	assert.ErrorIs(t, err, ErrVersionConflict)

	require.NoError(t, idx.Delete(ctx, "r1:a.txt", 6))
	_, err = idx.Get(ctx, "r1:a.txt")
	assert.ErrorIs(t, err, ErrDocNotFound)
}
