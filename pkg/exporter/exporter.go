package exporter

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"time"

	"lakevault/pkg/blob"
	"lakevault/pkg/core"
	"lakevault/pkg/treebuilder"
	"lakevault/pkg/types"
)

// Exporter 把不可变快照还原成可用的字节流
// 树的遍历走 Reader，内容读取走 Blob 层 (字节从不经过引擎内存缓冲)。
type Exporter struct {
	reader *treebuilder.Reader
	blobs  *blob.Service
}

func NewExporter(reader *treebuilder.Reader, blobs *blob.Service) *Exporter {
	return &Exporter{reader: reader, blobs: blobs}
}

// ExportFile 把 root 快照下某个文件的内容流式写入 writer
func (e *Exporter) ExportFile(ctx context.Context, root types.Digest, path types.RepoPath, w io.Writer) error {
	entry, err := e.reader.ResolveEntry(ctx, root, path)
	if err != nil {
		return err
	}

	rc, err := e.blobs.Open(ctx, entry.Content.Digest)
	if err != nil {
		return fmt.Errorf("failed to open blob for %s: %w", path, err)
	}
	defer rc.Close()

	if _, err := io.Copy(w, rc); err != nil {
		return fmt.Errorf("failed to write content of %s: %w", path, err)
	}
	return nil
}

// ExportTar 把整个快照打成 tar 流
// 条目按 Walk 的确定性顺序 (逐层按名字) 写出，同一快照导出的归档字节相同。
func (e *Exporter) ExportTar(ctx context.Context, root types.Digest, w io.Writer) error {
	tw := tar.NewWriter(w)

	err := e.reader.Walk(ctx, root, func(path types.RepoPath, node core.TreeNode) error {
		hdr := &tar.Header{
			Name:    string(path),
			Mode:    0644,
			Size:    node.Size,
			ModTime: time.Unix(0, 0), // 固定时间戳，保证归档可复现
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("failed to write tar header for %s: %w", path, err)
		}

		// 每个文件一个 Scope，句柄即取即关
		return func() error {
			rc, err := e.blobs.Open(ctx, node.Blob)
			if err != nil {
				return fmt.Errorf("failed to open blob for %s: %w", path, err)
			}
			defer rc.Close()

			if _, err := io.Copy(tw, rc); err != nil {
				return fmt.Errorf("failed to write %s into archive: %w", path, err)
			}
			return nil
		}()
	})
	if err != nil {
		return err
	}
	return tw.Close()
}
