package commands

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

var (
	exportRef    string
	exportOutput string
)

var exportCmd = &cobra.Command{
	Use:   "export <repo>",
	Short: "Download the ref head as a tar archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return errors.New("repository name required")
		}
		q := url.Values{}
		q.Set("ref", exportRef)

		resp, err := http.Get(serverURL() + "/api/repos/" + args[0] + "/archive?" + q.Encode())
		if err != nil {
			return fmt.Errorf("export failed: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return apiError(resp.StatusCode, string(body))
		}

		output := exportOutput
		if output == "" {
			output = args[0] + ".tar"
		}
		f, err := os.Create(output)
		if err != nil {
			return err
		}
		defer f.Close()

		n, err := io.Copy(f, resp.Body)
		if err != nil {
			return err
		}
		fmt.Printf("Exported %s@%s to %s (%d bytes)\n", args[0], exportRef, output, n)
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <repo> <object-digest>",
	Short: "Inspect a raw DAG object (commit, tree or entry)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 2 {
			return errors.New("repository and object digest required")
		}
		resp, err := http.Get(serverURL() + "/api/repos/" + args[0] + "/objects/" + args[1])
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return apiError(resp.StatusCode, string(body))
		}
		_, err = io.Copy(os.Stdout, resp.Body)
		return err
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportRef, "ref", "main", "Ref to export")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default <repo>.tar)")
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(showCmd)
}
