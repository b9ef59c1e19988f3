package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func eventsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream indexing events from the daemon",
		Long: `Connect to the daemon's Server-Sent Events endpoint and print
indexing events as they happen: uploads, watcher indexing, deletions
and rebuilds, plus a heartbeat every 30 seconds.

Press Ctrl+C to stop streaming.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return streamEvents(socketPath, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output raw JSON events")
	return cmd
}

func streamEvents(socketPath string, jsonOutput bool) error {
	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var dialer net.Dialer
				return dialer.DialContext(ctx, "unix", socketPath)
			},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nDisconnecting from event stream...")
		cancel()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://localhost/api/v1/events", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w (is the daemon running?)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}

	if !jsonOutput {
		fmt.Println("Streaming events... (Press Ctrl+C to stop)")
		fmt.Println()
	}

	err = readSSE(resp.Body, func(eventType, data string) {
		if jsonOutput {
			fmt.Printf("{\"event\":%q,\"data\":%s}\n", eventType, data)
			return
		}
		printEvent(eventType, data)
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}

// readSSE calls fn for every complete event in an SSE stream.
func readSSE(r io.Reader, fn func(eventType, data string)) error {
	scanner := bufio.NewScanner(r)
	var eventType, eventData string

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			eventData = strings.TrimPrefix(line, "data: ")
		case line == "":
			if eventType != "" && eventData != "" {
				fn(eventType, eventData)
			}
			eventType, eventData = "", ""
		}
	}
	return scanner.Err()
}

func printEvent(eventType, eventData string) {
	timestamp := time.Now().Format("15:04:05")

	var data map[string]interface{}
	json.Unmarshal([]byte(eventData), &data)

	var icon string
	switch {
	case eventType == "kb_file_failed", eventType == "kb_rebuild_failed":
		icon = "✗"
	case strings.HasPrefix(eventType, "kb_rebuild_"):
		icon = "🔄"
	case strings.HasPrefix(eventType, "kb_"):
		icon = "📚"
	case eventType == "daemon_status":
		icon = "💓"
	case eventType == "connected":
		icon = "✓"
	case eventType == "shutdown":
		icon = "⚠️"
	default:
		icon = "•"
	}

	fmt.Printf("[%s] %s %s\n", timestamp, icon, eventType)

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("         %s: %v\n", k, data[k])
	}
	fmt.Println()
}
