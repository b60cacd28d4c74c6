package exporter

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"lakevault/pkg/core"
)

// PrintStructure 解析并打印结构化对象 (Commit/Tree/Entry)
// 返回 false 表示这不是已知的 DAG 对象，由调用者决定如何展示。
func PrintStructure(data []byte, w io.Writer) (bool, error) {
	var header struct {
		TypeVal core.ObjectType `cbor:"t"`
	}
	// 连 CBOR 头都解不出来的，当原始数据处理
	if err := core.DecodeObject(data, &header); err != nil {
		return false, nil
	}

	switch header.TypeVal {
	case core.TypeCommit:
		return true, printCommit(data, w)
	case core.TypeTree:
		return true, printTree(data, w)
	case core.TypeEntry:
		return true, printEntry(data, w)
	default:
		return false, nil
	}
}

func printCommit(data []byte, w io.Writer) error {
	c, err := core.DecodeCommit(data)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Type:    Commit\n")
	fmt.Fprintf(w, "Hash:    %s\n", c.ID())
	fmt.Fprintf(w, "Author:  %s\n", c.Author)
	fmt.Fprintf(w, "Time:    %s\n", time.Unix(c.Timestamp, 0).Format(time.RFC3339))
	fmt.Fprintf(w, "Tree:    %s\n", c.Tree.Digest)
	if c.IsRoot() {
		fmt.Fprintf(w, "Parent:  (root)\n")
	} else {
		fmt.Fprintf(w, "Parent:  %s\n", c.Parent.Digest)
	}
	fmt.Fprintf(w, "\n%s\n", c.Message)
	return nil
}

func printTree(data []byte, w io.Writer) error {
	t, err := core.DecodeTree(data)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Type: Tree\n\n")
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "KIND\tREF\tSIZE\tNAME\n")
	for _, node := range t.Nodes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", node.Kind, shortDigest(string(node.Ref.Digest)), fmtSize(node.Size), node.Name)
	}
	return tw.Flush()
}

func printEntry(data []byte, w io.Writer) error {
	e, err := core.DecodeEntry(data)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Type:      Entry\n")
	fmt.Fprintf(w, "Content:   %s\n", e.Content.Digest)
	fmt.Fprintf(w, "Size:      %s\n", fmtSize(e.Size))
	if e.MediaType != "" {
		fmt.Fprintf(w, "MediaType: %s\n", e.MediaType)
	}
	fmt.Fprintf(w, "CreatedBy: %s\n", e.CreatedBy)
	fmt.Fprintf(w, "CreatedAt: %s\n", time.Unix(e.CreatedAt, 0).Format(time.RFC3339))
	if len(e.Meta) > 0 {
		fmt.Fprintf(w, "\nMeta:\n%s\n", e.Meta)
	}
	return nil
}

func shortDigest(d string) string {
	if len(d) > 8 {
		return d[:8]
	}
	return d
}

func fmtSize(s int64) string {
	if s < 1024 {
		return fmt.Sprintf("%dB", s)
	} else if s < 1024*1024 {
		return fmt.Sprintf("%.1fKB", float64(s)/1024)
	}
	return fmt.Sprintf("%.2fMB", float64(s)/1024/1024)
}
