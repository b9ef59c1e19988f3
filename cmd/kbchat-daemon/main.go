// Package main is the entry point for the kbchat daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/simpleflo/kbchat/internal/config"
	"github.com/simpleflo/kbchat/internal/daemon"
	"github.com/simpleflo/kbchat/internal/observability"
)

var (
	// Version is set at build time
	Version = "dev"
	// BuildTime is set at build time
	BuildTime = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kbchat-daemon",
		Short: "kbchat daemon - personal knowledge base and chat service",
		Long: `kbchat daemon owns the knowledge root, the per-category vector
indexes and their global mirror, and answers chat requests from the
CLI over a Unix socket.`,
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
		RunE:    runDaemon,
	}

	rootCmd.Flags().String("config", "", "Config file (default: ~/.kbchat/kbchat.yaml)")
	rootCmd.Flags().String("data-dir", "", "Data directory (default: ~/.kbchat)")
	rootCmd.Flags().String("socket", "", "Unix socket path (default: <data-dir>/kbchat.sock)")
	rootCmd.Flags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.Flags().String("log-format", "", "Log format: json, console")
	rootCmd.Flags().Bool("watch", false, "Index documents copied into the knowledge root")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	// Flags are applied through the environment so derived paths
	// (knowledge root, vector root, socket) follow a relocated data dir.
	flagEnv := map[string]string{
		"data-dir":   "KBCHAT_DATA_DIR",
		"socket":     "KBCHAT_SOCKET",
		"log-level":  "KBCHAT_LOG_LEVEL",
		"log-format": "KBCHAT_LOG_FORMAT",
	}
	for flag, env := range flagEnv {
		if v, _ := cmd.Flags().GetString(flag); v != "" {
			os.Setenv(env, v)
		}
	}
	if watch, _ := cmd.Flags().GetBool("watch"); watch {
		os.Setenv("KBCHAT_KB_WATCH_ENABLED", "true")
	}

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadFrom(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	observability.SetupLogging(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	daemon.Version = Version
	daemon.BuildTime = BuildTime

	d, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	return d.Run()
}
