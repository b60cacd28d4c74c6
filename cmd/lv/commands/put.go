package commands

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	putRef       string
	putMessage   string
	putMeta      string
	putMetaFile  string
	putMediaType string
	putSchema    string
	putParent    string
)

var putCmd = &cobra.Command{
	Use:   "put <repo> <local-file> <repo-path>",
	Short: "Upload a file and commit it at the given path",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 3 {
			return errors.New("repository, local file and target path required")
		}
		repo, localPath, repoPath := args[0], args[1], args[2]

		meta, err := loadMeta(localPath)
		if err != nil {
			return err
		}

		digest, err := uploadFile(repo, localPath)
		if err != nil {
			return err
		}

		// 提交
		message := putMessage
		if message == "" {
			message = "put " + repoPath
		}
		var res struct {
			CommitID string `json:"commit_id"`
			Height   int64  `json:"height"`
			Replayed bool   `json:"replayed"`
		}
		err = apiPost("/api/repos/"+repo+"/commits", map[string]any{
			"ref":     putRef,
			"author":  authorName(),
			"message": message,
			"parent":  putParent,
			"changes": []map[string]any{{
				"path":        repoPath,
				"op":          "put",
				"blob_digest": digest,
				"meta":        json.RawMessage(meta),
				"schema":      putSchema,
				"media_type":  putMediaType,
			}},
		}, &res)
		if err != nil {
			return err
		}

		if res.Replayed {
			fmt.Printf("Already committed as %s (height %d)\n", res.CommitID, res.Height)
		} else {
			fmt.Printf("Committed %s (height %d)\n", res.CommitID, res.Height)
		}
		return nil
	},
}

// loadMeta 决定这次提交携带的元数据文档
// 优先级：--meta-file > --meta > 最小默认文档 (name=文件名)
func loadMeta(localPath string) ([]byte, error) {
	if putMetaFile != "" {
		data, err := os.ReadFile(putMetaFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read meta file: %w", err)
		}
		return data, nil
	}
	if putMeta != "" {
		return []byte(putMeta), nil
	}
	return json.Marshal(map[string]string{"name": filepath.Base(localPath)})
}

// uploadFile 走完整上传握手，返回内容摘要
func uploadFile(repo, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	// 预先算摘要：命中去重时一个字节都不用传
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	claimed := hex.EncodeToString(h.Sum(nil))

	var handle struct {
		Token     string `json:"Token"`
		URL       string `json:"URL"`
		LocalPath string `json:"LocalPath"`
		Existing  bool   `json:"Existing"`
		Digest    string `json:"Digest"`
	}
	err = apiPost("/api/repos/"+repo+"/uploads", map[string]any{
		"size":           info.Size(),
		"claimed_digest": claimed,
		"media_type":     putMediaType,
	}, &handle)
	if err != nil {
		return "", err
	}
	if handle.Existing {
		fmt.Println("Content already stored, skipping upload")
		return handle.Digest, nil
	}

	// 把字节写到分配的暂存位置
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	switch {
	case handle.URL != "":
		req, err := http.NewRequest(http.MethodPut, handle.URL, f)
		if err != nil {
			return "", err
		}
		req.ContentLength = info.Size()
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("upload failed: %w", err)
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return "", fmt.Errorf("upload rejected: HTTP %d", resp.StatusCode)
		}
	case handle.LocalPath != "":
		dst, err := os.Create(handle.LocalPath)
		if err != nil {
			return "", fmt.Errorf("failed to open staging file: %w", err)
		}
		if _, err := io.Copy(dst, f); err != nil {
			dst.Close()
			return "", err
		}
		if err := dst.Close(); err != nil {
			return "", err
		}
	default:
		return "", errors.New("server returned no upload target")
	}

	var completed struct {
		Digest string `json:"digest"`
	}
	if err := apiPost("/api/uploads/"+handle.Token+"/complete", nil, &completed); err != nil {
		return "", err
	}
	return completed.Digest, nil
}

func init() {
	putCmd.Flags().StringVar(&putRef, "ref", "main", "Ref to commit to")
	putCmd.Flags().StringVarP(&putMessage, "message", "m", "", "Commit message")
	putCmd.Flags().StringVar(&putMeta, "meta", "", "Metadata JSON document")
	putCmd.Flags().StringVar(&putMetaFile, "meta-file", "", "Read metadata JSON from file")
	putCmd.Flags().StringVar(&putMediaType, "media-type", "", "Content media type hint")
	putCmd.Flags().StringVar(&putSchema, "schema", "", "Metadata schema key (id@version)")
	putCmd.Flags().StringVar(&putParent, "parent", "", "Expected head commit; reject if the ref moved")
	rootCmd.AddCommand(putCmd)
}
