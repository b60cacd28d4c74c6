package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	searchRepo  string
	searchLimit int
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search indexed artifacts by path or metadata",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return errors.New("search query required")
		}
		q := url.Values{}
		q.Set("q", args[0])
		q.Set("limit", strconv.Itoa(searchLimit))
		if searchRepo != "" {
			q.Set("repo", searchRepo)
		}

		var docs []struct {
			ID        string          `json:"id"`
			RepoID    string          `json:"repo_id"`
			Ref       string          `json:"ref"`
			CommitID  string          `json:"commit_id"`
			Path      string          `json:"path"`
			Digest    string          `json:"digest"`
			Size      int64           `json:"size"`
			MediaType string          `json:"media_type"`
			Meta      json.RawMessage `json:"meta"`
			Version   int64           `json:"version"`
		}
		if err := apiGet("/api/search?"+q.Encode(), &docs); err != nil {
			return err
		}
		for _, d := range docs {
			fmt.Printf("%s  (%s, %d bytes, version %d)\n", d.Path, d.Ref, d.Size, d.Version)
			if len(d.Meta) > 0 {
				fmt.Printf("    meta: %s\n", d.Meta)
			}
		}
		if len(docs) == 0 {
			fmt.Println("No results")
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().StringVar(&searchRepo, "repo", "", "Restrict to one repository")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 50, "Maximum number of results")
	rootCmd.AddCommand(searchCmd)
}
