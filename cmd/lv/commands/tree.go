package commands

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var treeRef string

var treeCmd = &cobra.Command{
	Use:   "tree <repo> [path]",
	Short: "List a directory of the ref head",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) < 1 || len(args) > 2 {
			return errors.New("repository name required, optionally followed by a directory path")
		}
		q := url.Values{}
		q.Set("ref", treeRef)
		if len(args) == 2 {
			q.Set("path", args[1])
		}

		var nodes []struct {
			Name   string `json:"name"`
			Kind   string `json:"kind"`
			Size   int64  `json:"size"`
			Digest string `json:"digest"`
		}
		if err := apiGet("/api/repos/"+args[0]+"/tree?"+q.Encode(), &nodes); err != nil {
			return err
		}
		for _, n := range nodes {
			if n.Kind == "dir" {
				fmt.Printf("%-4s %10s  %s/\n", n.Kind, "-", n.Name)
			} else {
				fmt.Printf("%-4s %10d  %s\n", n.Kind, n.Size, n.Name)
			}
		}
		if len(nodes) == 0 {
			fmt.Println("(empty)")
		}
		return nil
	},
}

func init() {
	treeCmd.Flags().StringVar(&treeRef, "ref", "main", "Ref to read")
	rootCmd.AddCommand(treeCmd)
}
