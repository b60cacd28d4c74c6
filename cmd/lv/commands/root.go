package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	rq "github.com/parnurzeal/gorequest"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lakevault/pkg/config"
)

var (
	cfgFile string
	author  string
)

var rootCmd = &cobra.Command{
	Use:   "lv",
	Short: "LakeVault: versioned data artifacts with searchable metadata",
}

// Execute 是入口
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.lakevault/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&author, "author", "", "Author recorded on writes (default $USER)")

	// --server 覆盖配置里的服务端地址
	rootCmd.PersistentFlags().String("server", "", "LakeVault server address")
	if err := viper.BindPFlag("client.server", rootCmd.PersistentFlags().Lookup("server")); err != nil {
		fmt.Println("Failed to bind flag:", err)
		os.Exit(1)
	}
	viper.SetDefault("client.server", "http://localhost:8081")
}

func initConfig() {
	if err := config.Load(cfgFile); err != nil {
		fmt.Println("Config error:", err)
		os.Exit(1)
	}
}

// serverURL 返回服务端基地址 (不带尾斜杠)
func serverURL() string {
	return viper.GetString("client.server")
}

// authorName 返回提交归属，优先 --author
func authorName() string {
	if author != "" {
		return author
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "anonymous"
}

// collectErrs 把 gorequest 的错误切片拍平成一个错误
func collectErrs(what string, errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%s failed: %w", what, errors.Join(errs...))
}

// apiGet 发起 GET 并把 JSON 响应解码进 out
func apiGet(path string, out any) error {
	resp, body, errs := rq.New().Get(serverURL() + path).End()
	if err := collectErrs("GET "+path, errs); err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return apiError(resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal([]byte(body), out)
}

// apiPost 发起 JSON POST，out 可为 nil
func apiPost(path string, payload, out any) error {
	req := rq.New().Post(serverURL() + path)
	if payload != nil {
		req = req.Send(payload)
	}
	resp, body, errs := req.End()
	if err := collectErrs("POST "+path, errs); err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return apiError(resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal([]byte(body), out)
}

// apiDelete 发起 DELETE
func apiDelete(path string) error {
	resp, body, errs := rq.New().Delete(serverURL() + path).End()
	if err := collectErrs("DELETE "+path, errs); err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return apiError(resp.StatusCode, body)
	}
	return nil
}

// apiError 尽量提取服务端的 error 字段
func apiError(code int, body string) error {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal([]byte(body), &payload) == nil && payload.Error != "" {
		return fmt.Errorf("server returned HTTP %d: %s", code, payload.Error)
	}
	return fmt.Errorf("server returned HTTP %d", code)
}
