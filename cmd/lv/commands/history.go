package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var historyLimit int

// changeInfo 对应服务端的变更投影记录
type changeInfo struct {
	CommitHash string
	Path       string
	Op         string
	BlobDigest string
	Size       int64
	MediaType  string
	Meta       json.RawMessage
	Height     int64
	CreatedAt  time.Time
}

var historyCmd = &cobra.Command{
	Use:   "history <repo> <repo-path>",
	Short: "Show the change history of a single path",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 2 {
			return errors.New("repository and path required")
		}
		q := url.Values{}
		q.Set("path", args[1])
		q.Set("limit", strconv.Itoa(historyLimit))

		var history []changeInfo
		if err := apiGet("/api/repos/"+args[0]+"/history?"+q.Encode(), &history); err != nil {
			return err
		}
		printChanges(history)
		return nil
	},
}

var changesCmd = &cobra.Command{
	Use:   "changes <repo> <commit-id>",
	Short: "Show the paths touched by a commit",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 2 {
			return errors.New("repository and commit id required")
		}
		var changes []changeInfo
		if err := apiGet("/api/repos/"+args[0]+"/changes/"+args[1], &changes); err != nil {
			return err
		}
		printChanges(changes)
		return nil
	},
}

func printChanges(changes []changeInfo) {
	for _, ch := range changes {
		if ch.Op == "delete" {
			fmt.Printf("height %-5d %-6s %s  (commit %s)\n", ch.Height, ch.Op, ch.Path, short(ch.CommitHash))
			continue
		}
		fmt.Printf("height %-5d %-6s %s  %d bytes  blob %s  (commit %s)\n",
			ch.Height, ch.Op, ch.Path, ch.Size, short(ch.BlobDigest), short(ch.CommitHash))
	}
	if len(changes) == 0 {
		fmt.Println("No changes recorded")
	}
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Maximum number of entries")
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(changesCmd)
}
