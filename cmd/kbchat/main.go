// Package main is the entry point for the kbchat CLI.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/simpleflo/kbchat/internal/config"
)

var (
	// Version is set at build time
	Version = "dev"
	// BuildTime is set at build time
	BuildTime = "unknown"
)

// Client for daemon communication
type client struct {
	httpClient *http.Client
	baseURL    string
}

func newClient(socketPath string) *client {
	return newClientWithTimeout(socketPath, 30*time.Second)
}

func newClientWithTimeout(socketPath string, timeout time.Duration) *client {
	return &client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var dialer net.Dialer
					return dialer.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: timeout,
		},
		baseURL: "http://localhost",
	}
}

// apiError is an error response from the daemon.
type apiError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Remedy  string `json:"remedy"`
}

func (e *apiError) Error() string {
	if e.Remedy != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Remedy)
	}
	return e.Message
}

func (c *client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not running or unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var body struct {
			Error apiError `json:"error"`
		}
		if json.Unmarshal(data, &body) == nil && body.Error.Code != "" {
			body.Error.Status = resp.StatusCode
			return &body.Error
		}
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *client) get(path string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *client) post(path string, body, out interface{}) error {
	var reqBody io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *client) delete(path string, out interface{}) error {
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// upload sends files to a category as one multipart request.
func (c *client) upload(category string, paths []string, out interface{}) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("category", category); err != nil {
		return err
	}
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		part, err := mw.CreateFormFile("file", filepath.Base(p))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		f.Close()
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/api/v1/kb/files", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, out)
}

var socketPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "kbchat",
		Short: "kbchat - chat with your own documents",
		Long: `kbchat keeps a personal knowledge base of PDF, DOCX, TXT and
Markdown documents organized into categories, and answers questions
about them with a locally hosted language model.

Chat modes:
  free_chat        plain conversation, no documents
  category_qa      questions about selected documents in one category
  knowledge_chat   questions across the whole knowledge base`,
		Version:       fmt.Sprintf("%s (built %s)", Version, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", defaultSocketPath(),
		"Unix socket path for daemon communication")

	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(categoriesCmd())
	rootCmd.AddCommand(filesCmd())
	rootCmd.AddCommand(uploadCmd())
	rootCmd.AddCommand(indexCmd())
	rootCmd.AddCommand(rebuildCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(driftCmd())
	rootCmd.AddCommand(rmCmd())
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(eventsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// defaultSocketPath follows the daemon's configuration, falling back to
// the built-in default when it cannot be loaded.
func defaultSocketPath() string {
	if cfg, err := config.Load(); err == nil {
		return cfg.SocketPath
	}
	return config.DefaultConfig().SocketPath
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
