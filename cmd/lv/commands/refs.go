package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var refsCmd = &cobra.Command{
	Use:   "refs <repo>",
	Short: "List the refs of a repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return errors.New("repository name required")
		}
		var refs []struct {
			Name       string
			CommitHash string
			Height     int64
			Protected  bool
			Version    int64
		}
		if err := apiGet("/api/repos/"+args[0]+"/refs", &refs); err != nil {
			return err
		}
		for _, r := range refs {
			marker := " "
			if r.Protected {
				marker = "*"
			}
			fmt.Printf("%s %-20s height=%-5d %s\n", marker, r.Name, r.Height, short(r.CommitHash))
		}
		if len(refs) == 0 {
			fmt.Println("No refs yet")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(refsCmd)
}
