package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/simpleflo/kbchat/internal/config"
	"github.com/simpleflo/kbchat/internal/daemon"
	"github.com/simpleflo/kbchat/internal/kb"
)

func statusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, backend and index status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status daemon.StatusResponse
			if err := newClient(socketPath).get("/api/v1/status", &status); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(status)
			}

			fmt.Println("📡 Daemon")
			fmt.Println("────────────────────────────────────────────────────────")
			fmt.Printf("   Version: %s\n", status.Daemon.Version)
			fmt.Printf("   Uptime:  %s\n", status.Daemon.Uptime)
			if status.Daemon.Ready {
				fmt.Println("   Status:  ✓ Ready")
			} else {
				fmt.Println("   Status:  ⚠️  Not Ready")
			}
			if status.Daemon.Watching {
				fmt.Println("   Watch:   ✓ Indexing files copied into the knowledge root")
			}

			fmt.Println()
			fmt.Println("🔧 Backends")
			fmt.Println("────────────────────────────────────────────────────────")
			e := status.Embedding
			switch {
			case e.Ready():
				fmt.Printf("   Embeddings:   ✓ %s (%s)\n", e.Model, e.Latency)
			case e.Available:
				fmt.Printf("   Embeddings:   ✗ %s not installed (%s)\n", e.Model, e.Reason)
			default:
				fmt.Printf("   Embeddings:   ✗ unreachable (%s)\n", e.Reason)
			}
			vs := status.VectorStore
			if vs.Degraded {
				fmt.Printf("   Vector store: ⚠️  %s at temporary %s\n", vs.Backend, vs.Location)
			} else {
				fmt.Printf("   Vector store: ✓ %s at %s\n", vs.Backend, vs.Location)
			}
			fmt.Printf("   Chat model:   %s via %s\n", status.Chat.DefaultModel, status.Chat.Provider)
			fmt.Printf("   Catalog:      schema v%d\n", status.SchemaVersion)

			fmt.Println()
			fmt.Println("📚 Indexes")
			fmt.Println("────────────────────────────────────────────────────────")
			fmt.Printf("   Knowledge root: %s\n", status.KnowledgeRoot)
			if len(status.Indexes) == 0 {
				fmt.Println("   No indexes yet")
				return nil
			}
			keys := make([]string, 0, len(status.Indexes))
			for k := range status.Indexes {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				label := k
				if k == kb.GlobalKey {
					label = "(global)"
				}
				fmt.Printf("   %-30s %8d records\n", label, status.Indexes[k])
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func configCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Long: `Display the configuration the daemon would load.

Configuration is read from:
  - ~/.kbchat/kbchat.yaml
  - /etc/kbchat/kbchat.yaml
  - ./kbchat.yaml
  - Environment variables (KBCHAT_*, OLLAMA_URL) and .env`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFrom(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			fmt.Println("# kbchat configuration")
			fmt.Printf("# database: %s\n", cfg.DatabasePath())
			fmt.Printf("# log file: %s\n", cfg.LogPath())
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "Config file to load instead of the default locations")
	return cmd
}
