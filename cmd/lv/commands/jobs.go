package commands

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

// jobInfo 对应服务端的队列记录
type jobInfo struct {
	ID        uint
	Type      string
	Key       string
	State     string
	Attempts  int
	LastError string
	CreatedAt time.Time
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect the background index job queue",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out []jobInfo
		if err := apiGet("/api/jobs", &out); err != nil {
			return err
		}
		printJobs(out)
		return nil
	},
}

var jobsDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead-lettered jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out []jobInfo
		if err := apiGet("/api/jobs/dead", &out); err != nil {
			return err
		}
		printJobs(out)
		return nil
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Requeue a dead-lettered job",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return errors.New("job id required")
		}
		if err := apiPost("/api/jobs/"+args[0]+"/retry", nil, nil); err != nil {
			return err
		}
		fmt.Printf("Job %s requeued\n", args[0])
		return nil
	},
}

var jobsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream job state changes over WebSocket",
	RunE: func(cmd *cobra.Command, args []string) error {
		wsURL, err := websocketURL("/ws/jobs")
		if err != nil {
			return err
		}
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			return fmt.Errorf("failed to connect to %s: %w", wsURL, err)
		}
		defer conn.Close()
		fmt.Println("Watching job updates (Ctrl-C to stop)...")

		// Ctrl-C 时关连接，读循环随之退出
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sig
			conn.Close()
		}()

		for {
			var update struct {
				ID       uint   `json:"id"`
				Type     string `json:"type"`
				Key      string `json:"key"`
				State    string `json:"state"`
				Attempts int    `json:"attempts"`
				Error    string `json:"error"`
			}
			if err := conn.ReadJSON(&update); err != nil {
				return nil
			}
			line := fmt.Sprintf("[%s] job %d %s state=%s attempts=%d",
				time.Now().Format("15:04:05"), update.ID, update.Key, update.State, update.Attempts)
			if update.Error != "" {
				line += " error=" + update.Error
			}
			fmt.Println(line)
		}
	},
}

// websocketURL 把 http(s) 基地址换成 ws(s) 协议
func websocketURL(path string) (string, error) {
	u, err := url.Parse(serverURL())
	if err != nil {
		return "", fmt.Errorf("invalid server address: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = path
	return u.String(), nil
}

func printJobs(out []jobInfo) {
	for _, j := range out {
		line := fmt.Sprintf("#%-5d %-14s %-8s attempts=%d  %s", j.ID, j.Type, j.State, j.Attempts, j.Key)
		if j.LastError != "" {
			line += "\n       last error: " + strings.TrimSpace(j.LastError)
		}
		fmt.Println(line)
	}
	if len(out) == 0 {
		fmt.Println("No jobs")
	}
}

func init() {
	jobsCmd.AddCommand(jobsListCmd, jobsDeadCmd, jobsRetryCmd, jobsWatchCmd)
	rootCmd.AddCommand(jobsCmd)
}
