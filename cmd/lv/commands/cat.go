package commands

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"

	"github.com/spf13/cobra"
)

var (
	catRef    string
	catOutput string
)

var catCmd = &cobra.Command{
	Use:   "cat <repo> <repo-path>",
	Short: "Print the content of a file at the ref head",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 2 {
			return errors.New("repository and path required")
		}
		repo, repoPath := args[0], args[1]

		digest, err := resolveDigest(repo, repoPath)
		if err != nil {
			return err
		}

		// 内容下载走流式，不经过 gorequest 的整体缓冲
		resp, err := http.Get(serverURL() + "/api/blobs/" + digest)
		if err != nil {
			return fmt.Errorf("download failed: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return apiError(resp.StatusCode, string(body))
		}

		out := os.Stdout
		if catOutput != "" {
			f, err := os.Create(catOutput)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		if _, err := io.Copy(out, resp.Body); err != nil {
			return err
		}
		if catOutput != "" {
			fmt.Fprintf(os.Stderr, "Saved %s to %s\n", repoPath, catOutput)
		}
		return nil
	},
}

// resolveDigest 通过父目录列表找到文件的内容摘要
func resolveDigest(repo, repoPath string) (string, error) {
	dir, base := path.Split(repoPath)

	q := url.Values{}
	q.Set("ref", catRef)
	if dir != "" {
		q.Set("path", path.Clean(dir))
	}
	var nodes []struct {
		Name   string `json:"name"`
		Kind   string `json:"kind"`
		Digest string `json:"digest"`
	}
	if err := apiGet("/api/repos/"+repo+"/tree?"+q.Encode(), &nodes); err != nil {
		return "", err
	}
	for _, n := range nodes {
		if n.Name != base {
			continue
		}
		if n.Kind == "dir" {
			return "", fmt.Errorf("%s is a directory", repoPath)
		}
		return n.Digest, nil
	}
	return "", fmt.Errorf("path not found: %s", repoPath)
}

func init() {
	catCmd.Flags().StringVar(&catRef, "ref", "main", "Ref to read")
	catCmd.Flags().StringVarP(&catOutput, "output", "o", "", "Write content to a file instead of stdout")
	rootCmd.AddCommand(catCmd)
}
