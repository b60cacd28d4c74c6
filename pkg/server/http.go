package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"lakevault/pkg/blob"
	"lakevault/pkg/commit"
	"lakevault/pkg/exporter"
	"lakevault/pkg/jobs"
	"lakevault/pkg/meta"
	"lakevault/pkg/search"
	"lakevault/pkg/storage"
	"lakevault/pkg/treebuilder"
	"lakevault/pkg/types"
)

// Server 聚合 HTTP API 的全部依赖
type Server struct {
	Repo   *meta.Repository
	Engine *commit.Engine
	Blobs  *blob.Service
	Queue  *jobs.Queue
	Index  search.Index
	Reader *treebuilder.Reader
	Export *exporter.Exporter
	Store  storage.Store
	Hub    *Hub
}

// Router 组装全部路由
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := r.Group("/api")
	{
		api.POST("/repos", s.createRepo)
		api.GET("/repos", s.listRepos)
		api.GET("/repos/:repo", s.getRepo)
		api.DELETE("/repos/:repo", s.deleteRepo)

		api.GET("/repos/:repo/refs", s.listRefs)
		api.POST("/repos/:repo/refs/:ref/protect", s.protectRef)

		api.GET("/repos/:repo/log", s.commitLog)
		api.GET("/repos/:repo/tree", s.listTree)
		api.GET("/repos/:repo/history", s.pathHistory)
		api.GET("/repos/:repo/changes/:commit", s.commitChanges)
		api.GET("/repos/:repo/archive", s.exportArchive)
		api.GET("/repos/:repo/objects/:digest", s.dumpObject)
		api.POST("/repos/:repo/commits", s.createCommit)

		api.POST("/repos/:repo/uploads", s.beginUpload)
		api.POST("/uploads/:token/complete", s.completeUpload)
		api.GET("/blobs/:digest", s.readBlob)

		api.GET("/search", s.searchDocs)

		api.GET("/jobs", s.listJobs)
		api.GET("/jobs/dead", s.listDeadJobs)
		api.POST("/jobs/:id/retry", s.retryJob)
	}

	if s.Hub != nil {
		r.GET("/ws/jobs", s.Hub.HandleWS)
	}
	return r
}

// fail 把领域错误翻译成 HTTP 状态码
func fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, meta.ErrRepoNotFound),
		errors.Is(err, meta.ErrRefNotFound),
		errors.Is(err, meta.ErrCommitNotFound),
		errors.Is(err, meta.ErrUploadNotFound),
		errors.Is(err, blob.ErrNotFound),
		errors.Is(err, jobs.ErrJobNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, treebuilder.ErrPathNotFound):
		code = http.StatusNotFound
	case errors.Is(err, meta.ErrRepoExists),
		errors.Is(err, meta.ErrConcurrentUpdate),
		errors.Is(err, commit.ErrRefConflict):
		code = http.StatusConflict
	case errors.Is(err, commit.ErrRefProtected),
		errors.Is(err, meta.ErrRepoNotEmpty):
		code = http.StatusForbidden
	case errors.Is(err, blob.ErrDigestMismatch),
		errors.Is(err, blob.ErrSizeMismatch),
		errors.Is(err, blob.ErrHandleExpired):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrEmptyPath),
		errors.Is(err, types.ErrPathTraversal),
		errors.Is(err, commit.ErrEmptyChangeSet),
		errors.Is(err, commit.ErrDuplicatePath):
		code = http.StatusBadRequest
	default:
		var verr *commit.ValidationError
		var uerr *commit.UnresolvedBlobError
		if errors.As(err, &verr) || errors.As(err, &uerr) {
			code = http.StatusUnprocessableEntity
		}
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

// resolveRepo 支持按名字或 UUID 定位仓库
func (s *Server) resolveRepo(c *gin.Context) (*meta.RepoModel, bool) {
	key := c.Param("repo")
	repo, err := s.Repo.GetRepoByName(c.Request.Context(), key)
	if err == nil {
		return repo, true
	}
	repo, err = s.Repo.GetRepo(c.Request.Context(), types.RepoID(key))
	if err != nil {
		fail(c, err)
		return nil, false
	}
	return repo, true
}

// -----------------------------------------------------------------------------
// 仓库
// -----------------------------------------------------------------------------

func (s *Server) createRepo(c *gin.Context) {
	var req struct {
		Name      string `json:"name" binding:"required"`
		CreatedBy string `json:"created_by"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	repo, err := s.Repo.CreateRepo(c.Request.Context(), req.Name, req.CreatedBy)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, repo)
}

func (s *Server) listRepos(c *gin.Context) {
	repos, err := s.Repo.ListRepos(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, repos)
}

func (s *Server) getRepo(c *gin.Context) {
	repo, ok := s.resolveRepo(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, repo)
}

func (s *Server) deleteRepo(c *gin.Context) {
	repo, ok := s.resolveRepo(c)
	if !ok {
		return
	}
	if err := s.Repo.DeleteRepo(c.Request.Context(), types.RepoID(repo.ID)); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// -----------------------------------------------------------------------------
// Refs 与历史
// -----------------------------------------------------------------------------

func (s *Server) listRefs(c *gin.Context) {
	repo, ok := s.resolveRepo(c)
	if !ok {
		return
	}
	refs, err := s.Repo.ListRefs(c.Request.Context(), types.RepoID(repo.ID))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, refs)
}

func (s *Server) protectRef(c *gin.Context) {
	repo, ok := s.resolveRepo(c)
	if !ok {
		return
	}
	var req struct {
		Protected bool `json:"protected"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Repo.SetRefProtected(c.Request.Context(), types.RepoID(repo.ID), c.Param("ref"), req.Protected); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) commitLog(c *gin.Context) {
	repo, ok := s.resolveRepo(c)
	if !ok {
		return
	}
	refName := c.DefaultQuery("ref", "main")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	ref, err := s.Repo.GetRef(c.Request.Context(), types.RepoID(repo.ID), refName)
	if err != nil {
		fail(c, err)
		return
	}
	chain, err := s.Repo.CommitChain(c.Request.Context(), types.Digest(ref.CommitHash), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, chain)
}

func (s *Server) listTree(c *gin.Context) {
	repo, ok := s.resolveRepo(c)
	if !ok {
		return
	}
	refName := c.DefaultQuery("ref", "main")
	dir := c.Query("path")

	ref, err := s.Repo.GetRef(c.Request.Context(), types.RepoID(repo.ID), refName)
	if err != nil {
		fail(c, err)
		return
	}
	head, err := s.Repo.GetCommit(c.Request.Context(), types.Digest(ref.CommitHash))
	if err != nil {
		fail(c, err)
		return
	}

	var dirPath types.RepoPath
	if dir != "" {
		dirPath, err = types.NormalizePath(dir)
		if err != nil {
			fail(c, err)
			return
		}
	}
	nodes, err := s.Reader.ListDir(c.Request.Context(), types.Digest(head.TreeHash), dirPath)
	if err != nil {
		fail(c, err)
		return
	}

	type treeEntry struct {
		Name   string `json:"name"`
		Kind   string `json:"kind"`
		Size   int64  `json:"size,omitempty"`
		Digest string `json:"digest,omitempty"`
	}
	out := make([]treeEntry, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, treeEntry{
			Name:   n.Name,
			Kind:   string(n.Kind),
			Size:   n.Size,
			Digest: string(n.Blob),
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) pathHistory(c *gin.Context) {
	repo, ok := s.resolveRepo(c)
	if !ok {
		return
	}
	path, err := types.NormalizePath(c.Query("path"))
	if err != nil {
		fail(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	history, err := s.Repo.PathHistory(c.Request.Context(), types.RepoID(repo.ID), path, limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

func (s *Server) commitChanges(c *gin.Context) {
	changes, err := s.Repo.ListCommitChanges(c.Request.Context(), types.Digest(c.Param("commit")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, changes)
}

// -----------------------------------------------------------------------------
// 提交
// -----------------------------------------------------------------------------

// CommitRequest 是提交接口的线格式
type CommitRequest struct {
	Ref     string `json:"ref" binding:"required"`
	Author  string `json:"author" binding:"required"`
	Message string `json:"message"`
	Parent  string `json:"parent"`
	Changes []struct {
		Path       string          `json:"path" binding:"required"`
		Op         string          `json:"op"`
		BlobDigest string          `json:"blob_digest"`
		Meta       json.RawMessage `json:"meta"`
		SchemaKey  string          `json:"schema"`
		MediaType  string          `json:"media_type"`
	} `json:"changes" binding:"required"`
}

func (s *Server) createCommit(c *gin.Context) {
	repo, ok := s.resolveRepo(c)
	if !ok {
		return
	}
	var req CommitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	changes := make([]commit.Change, 0, len(req.Changes))
	for _, ch := range req.Changes {
		op := types.ChangeOp(ch.Op)
		if op == "" {
			op = types.OpPut
		}
		changes = append(changes, commit.Change{
			Path:       types.RepoPath(ch.Path),
			Op:         op,
			BlobDigest: types.Digest(ch.BlobDigest),
			Meta:       ch.Meta,
			SchemaKey:  ch.SchemaKey,
			MediaType:  ch.MediaType,
		})
	}

	res, err := s.Engine.Commit(c.Request.Context(), &commit.Request{
		RepoID:  types.RepoID(repo.ID),
		Ref:     req.Ref,
		Author:  req.Author,
		Message: req.Message,
		Parent:  types.Digest(req.Parent),
		Changes: changes,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"commit_id": res.CommitID,
		"tree_id":   res.TreeID,
		"height":    res.Height,
		"replayed":  res.Replayed,
	})
}

// -----------------------------------------------------------------------------
// Blob 上传握手
// -----------------------------------------------------------------------------

func (s *Server) beginUpload(c *gin.Context) {
	repo, ok := s.resolveRepo(c)
	if !ok {
		return
	}
	var req struct {
		Size      int64  `json:"size" binding:"required"`
		Claimed   string `json:"claimed_digest"`
		MediaType string `json:"media_type"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	handle, err := s.Blobs.BeginUpload(c.Request.Context(), types.RepoID(repo.ID), req.Size, types.Digest(req.Claimed), req.MediaType)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, handle)
}

func (s *Server) completeUpload(c *gin.Context) {
	digest, err := s.Blobs.CompleteUpload(c.Request.Context(), c.Param("token"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"digest": digest})
}

func (s *Server) readBlob(c *gin.Context) {
	d := types.Digest(c.Param("digest"))
	ref, err := s.Blobs.Resolve(c.Request.Context(), d)
	if err != nil {
		fail(c, err)
		return
	}
	rc, err := s.Blobs.Open(c.Request.Context(), d)
	if err != nil {
		fail(c, err)
		return
	}
	defer rc.Close()

	mediaType := ref.MediaType
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	c.DataFromReader(http.StatusOK, ref.Size, mediaType, rc, nil)
}

// -----------------------------------------------------------------------------
// 快照导出与对象检视
// -----------------------------------------------------------------------------

func (s *Server) exportArchive(c *gin.Context) {
	repo, ok := s.resolveRepo(c)
	if !ok {
		return
	}
	refName := c.DefaultQuery("ref", "main")

	ref, err := s.Repo.GetRef(c.Request.Context(), types.RepoID(repo.ID), refName)
	if err != nil {
		fail(c, err)
		return
	}
	head, err := s.Repo.GetCommit(c.Request.Context(), types.Digest(ref.CommitHash))
	if err != nil {
		fail(c, err)
		return
	}

	c.Header("Content-Type", "application/x-tar")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", repo.Name+".tar"))
	c.Status(http.StatusOK)
	if err := s.Export.ExportTar(c.Request.Context(), types.Digest(head.TreeHash), c.Writer); err != nil {
		// 头已经发出去了，只能记一笔并截断响应
		slog.Warn("archive export aborted", "repo", repo.Name, "ref", refName, "error", err)
	}
}

func (s *Server) dumpObject(c *gin.Context) {
	if _, ok := s.resolveRepo(c); !ok {
		return
	}
	rc, err := s.Store.GetObject(c.Request.Context(), types.Digest(c.Param("digest")))
	if err != nil {
		fail(c, err)
		return
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		fail(c, err)
		return
	}

	var buf bytes.Buffer
	ok, err := exporter.PrintStructure(data, &buf)
	if err != nil {
		fail(c, err)
		return
	}
	if !ok {
		fmt.Fprintf(&buf, "Raw object (%d bytes)\n", len(data))
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", buf.Bytes())
}

// -----------------------------------------------------------------------------
// 搜索与任务
// -----------------------------------------------------------------------------

func (s *Server) searchDocs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	// repo 参数可以是名字或仓库 ID
	repoID := c.Query("repo")
	if repoID != "" {
		if repo, err := s.Repo.GetRepoByName(c.Request.Context(), repoID); err == nil {
			repoID = repo.ID
		}
	}
	docs, err := s.Index.Search(c.Request.Context(), search.Query{
		RepoID: types.RepoID(repoID),
		Text:   c.Query("q"),
		Limit:  limit,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, docs)
}

func (s *Server) listJobs(c *gin.Context) {
	since, _ := strconv.ParseUint(c.DefaultQuery("since", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	out, err := s.Queue.ListSince(c.Request.Context(), uint(since), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) listDeadJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	out, err := s.Queue.ListDead(c.Request.Context(), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) retryJob(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	if err := s.Queue.Retry(c.Request.Context(), uint(id)); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
