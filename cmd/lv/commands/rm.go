package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	rmRef     string
	rmMessage string
)

var rmCmd = &cobra.Command{
	Use:   "rm <repo> <repo-path>...",
	Short: "Delete paths from a repository in a single commit",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) < 2 {
			return errors.New("repository and at least one path required")
		}
		repo, paths := args[0], args[1:]

		changes := make([]map[string]any, 0, len(paths))
		for _, p := range paths {
			changes = append(changes, map[string]any{"path": p, "op": "delete"})
		}

		message := rmMessage
		if message == "" {
			message = fmt.Sprintf("delete %d path(s)", len(paths))
		}
		var res struct {
			CommitID string `json:"commit_id"`
			Height   int64  `json:"height"`
		}
		err := apiPost("/api/repos/"+repo+"/commits", map[string]any{
			"ref":     rmRef,
			"author":  authorName(),
			"message": message,
			"changes": changes,
		}, &res)
		if err != nil {
			return err
		}
		fmt.Printf("Committed %s (height %d)\n", res.CommitID, res.Height)
		return nil
	},
}

func init() {
	rmCmd.Flags().StringVar(&rmRef, "ref", "main", "Ref to commit to")
	rmCmd.Flags().StringVarP(&rmMessage, "message", "m", "", "Commit message")
	rootCmd.AddCommand(rmCmd)
}
