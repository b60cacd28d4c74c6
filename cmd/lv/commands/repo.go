package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Manage repositories",
}

var repoCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return errors.New("exactly one repository name required")
		}
		var repo struct {
			ID   string `json:"ID"`
			Name string `json:"Name"`
		}
		err := apiPost("/api/repos", map[string]string{
			"name":       args[0],
			"created_by": authorName(),
		}, &repo)
		if err != nil {
			return err
		}
		fmt.Printf("Created repository %s (%s)\n", repo.Name, repo.ID)
		return nil
	},
}

var repoListCmd = &cobra.Command{
	Use:   "list",
	Short: "List repositories",
	RunE: func(cmd *cobra.Command, args []string) error {
		var repos []struct {
			ID        string `json:"ID"`
			Name      string `json:"Name"`
			CreatedBy string `json:"CreatedBy"`
		}
		if err := apiGet("/api/repos", &repos); err != nil {
			return err
		}
		if len(repos) == 0 {
			fmt.Println("No repositories")
			return nil
		}
		for _, r := range repos {
			fmt.Printf("%-30s %s  (by %s)\n", r.Name, r.ID, r.CreatedBy)
		}
		return nil
	},
}

var repoRemoveCmd = &cobra.Command{
	Use:   "rm <name>",
	Short: "Delete a repository (history objects are kept)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return errors.New("exactly one repository name required")
		}
		if err := apiDelete("/api/repos/" + args[0]); err != nil {
			return err
		}
		fmt.Println("Repository removed:", args[0])
		return nil
	},
}

var protectOff bool

var repoProtectCmd = &cobra.Command{
	Use:   "protect <name> <ref>",
	Short: "Protect a ref against writes",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 2 {
			return errors.New("repository name and ref required")
		}
		err := apiPost(fmt.Sprintf("/api/repos/%s/refs/%s/protect", args[0], args[1]),
			map[string]bool{"protected": !protectOff}, nil)
		if err != nil {
			return err
		}
		if protectOff {
			fmt.Printf("Ref %s/%s is writable again\n", args[0], args[1])
		} else {
			fmt.Printf("Ref %s/%s is now protected\n", args[0], args[1])
		}
		return nil
	},
}

func init() {
	repoProtectCmd.Flags().BoolVar(&protectOff, "off", false, "Lift the protection instead")

	repoCmd.AddCommand(repoCreateCmd, repoListCmd, repoRemoveCmd, repoProtectCmd)
	rootCmd.AddCommand(repoCmd)
}
