package commands

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var (
	logRef   string
	logLimit int
)

// commitInfo 对应服务端的提交记录
type commitInfo struct {
	Hash       string
	Author     string
	Message    string
	TreeHash   string
	ParentHash string
	Height     int64
	CreatedAt  time.Time
}

var logCmd = &cobra.Command{
	Use:   "log <repo>",
	Short: "Show the commit log of a ref",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return errors.New("repository name required")
		}
		q := url.Values{}
		q.Set("ref", logRef)
		q.Set("limit", strconv.Itoa(logLimit))

		var chain []commitInfo
		if err := apiGet("/api/repos/"+args[0]+"/log?"+q.Encode(), &chain); err != nil {
			return err
		}
		for _, c := range chain {
			fmt.Printf("commit %s (height %d)\n", c.Hash, c.Height)
			fmt.Printf("Author: %s\n", c.Author)
			fmt.Printf("Date:   %s\n", c.CreatedAt.Local().Format(time.RFC1123))
			fmt.Printf("\n    %s\n\n", c.Message)
		}
		if len(chain) == 0 {
			fmt.Println("No commits yet")
		}
		return nil
	},
}

func init() {
	logCmd.Flags().StringVar(&logRef, "ref", "main", "Ref to read")
	logCmd.Flags().IntVar(&logLimit, "limit", 50, "Maximum number of commits")
	rootCmd.AddCommand(logCmd)
}
