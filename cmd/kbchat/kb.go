package main

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/simpleflo/kbchat/internal/kb"
	"github.com/simpleflo/kbchat/pkg/models"
)

// longTimeout covers requests that embed whole documents.
const longTimeout = 30 * time.Minute

func categoriesCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "categories",
		Short: "List categories with file and record counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Categories []models.CategoryInfo `json:"categories"`
			}
			if err := newClient(socketPath).get("/api/v1/kb/categories", &resp); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(resp.Categories)
			}

			if len(resp.Categories) == 0 {
				fmt.Println("No categories yet. Upload a document with: kbchat upload <category> <file>")
				return nil
			}
			fmt.Printf("%-32s %8s %10s\n", "CATEGORY", "FILES", "RECORDS")
			for _, c := range resp.Categories {
				fmt.Printf("%-32s %8d %10d\n", c.Name, c.FileCount, c.RecordCount)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func filesCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "files [category]",
		Short: "List documents and their index state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/kb/files"
			if len(args) == 1 {
				path += "?category=" + url.QueryEscape(args[0])
			}

			var resp struct {
				Files []models.KBFile `json:"files"`
			}
			if err := newClient(socketPath).get(path, &resp); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(resp.Files)
			}

			if len(resp.Files) == 0 {
				fmt.Println("No documents found.")
				return nil
			}
			fmt.Printf("%-24s %-32s %10s %8s  %s\n", "CATEGORY", "NAME", "SIZE", "CHUNKS", "STATUS")
			for _, f := range resp.Files {
				status := f.Status
				if f.Status == models.FileStatusIndexed && !f.GlobalMirrored {
					status += " (not in global)"
				}
				fmt.Printf("%-24s %-32s %10s %8d  %s\n", f.Category, f.Name, formatBytes(f.Size), f.ChunkCount, status)
				if f.Error != "" {
					fmt.Printf("%-24s   ✗ %s\n", "", f.Error)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func uploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <category> <file>...",
		Short: "Copy documents into a category and index them",
		Long: `Copy documents into a category of the knowledge root and index them
into the category index and the global index.

Nested categories use slashes. Unsupported or unreadable files are
reported and skipped; the others are still indexed.

Examples:
  kbchat upload history magna-carta.pdf
  kbchat upload science/physics notes.md lecture.docx`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var report kb.BatchReport
			c := newClientWithTimeout(socketPath, longTimeout)
			if err := c.upload(args[0], args[1:], &report); err != nil {
				return err
			}
			printBatch(&report)
			return nil
		},
	}
	return cmd
}

func indexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index <category> [file]...",
		Short: "Index documents already in the knowledge root",
		Long: `Index documents that are already in a category directory, for
example after copying them in by hand. Without file names every
document in the category is indexed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var report kb.BatchReport
			c := newClientWithTimeout(socketPath, longTimeout)
			req := models.IndexRequest{Category: args[0], Paths: args[1:]}
			if err := c.post("/api/v1/kb/index", req, &report); err != nil {
				return err
			}
			printBatch(&report)
			return nil
		},
	}
	return cmd
}

func printBatch(report *kb.BatchReport) {
	for _, s := range report.Indexed {
		mirror := ""
		if !s.GlobalMirrored {
			mirror = "  (global index not updated, run: kbchat rebuild --global)"
		}
		fmt.Printf("✓ %s: %d chunks [%s]%s\n", s.Path, s.Chunks, s.Policy, mirror)
	}
	for _, f := range report.Failures {
		fmt.Printf("✗ %s: %s\n", f.Path, f.Reason)
	}
	fmt.Printf("\n%d indexed, %d failed\n", len(report.Indexed), len(report.Failures))
}

func rebuildCmd() *cobra.Command {
	var globalOnly, history bool

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild every index from the knowledge root",
		Long: `Delete every index and re-index all documents under the knowledge
root. This corrects drift: deleted documents, stale files and missing
global entries.

With --global only the global index is rebuilt; category indexes are
left alone.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if history {
				return printRebuilds()
			}

			path := "/api/v1/kb/rebuild"
			if globalOnly {
				path += "?scope=" + kb.RebuildScopeGlobal
			}

			fmt.Println("Rebuilding, this embeds every document...")
			var report kb.RebuildReport
			c := newClientWithTimeout(socketPath, longTimeout)
			if err := c.post(path, nil, &report); err != nil {
				return err
			}

			fmt.Printf("✓ Rebuild %s (%s) finished in %s\n", report.RebuildID, report.Scope,
				report.Duration().Truncate(time.Millisecond))
			fmt.Printf("  Indexed:    %d files, %d records\n", report.Indexed, report.Records)
			fmt.Printf("  Skipped:    %d files\n", report.Skipped)
			if len(report.Categories) > 0 {
				fmt.Printf("  Categories: %s\n", strings.Join(report.Categories, ", "))
			}
			for _, f := range report.Failures {
				fmt.Printf("  ✗ %s: %s\n", f.Path, f.Reason)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&globalOnly, "global", false, "Rebuild only the global index")
	cmd.Flags().BoolVar(&history, "history", false, "Show recent rebuilds instead of rebuilding")
	return cmd
}

func printRebuilds() error {
	var resp struct {
		Rebuilds []models.RebuildRecord `json:"rebuilds"`
	}
	if err := newClient(socketPath).get("/api/v1/kb/rebuilds", &resp); err != nil {
		return err
	}
	if len(resp.Rebuilds) == 0 {
		fmt.Println("No rebuilds recorded.")
		return nil
	}
	fmt.Printf("%-20s %-7s %8s %8s %8s %8s  %s\n", "STARTED", "SCOPE", "INDEXED", "SKIPPED", "RECORDS", "FAILED", "DURATION")
	for _, r := range resp.Rebuilds {
		fmt.Printf("%-20s %-7s %8d %8d %8d %8d  %s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Scope,
			r.Indexed, r.Skipped, r.Records, r.Failures,
			r.FinishedAt.Sub(r.StartedAt).Truncate(time.Millisecond))
	}
	return nil
}

func searchCmd() *cobra.Command {
	var (
		category   string
		docs       []string
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the indexes without asking the model",
		Long: `Return the document passages nearest to a query.

Without --category the global index is searched. With --category the
search is restricted to the selected --doc documents of that category.

Examples:
  kbchat search "when was the magna carta sealed"
  kbchat search "sealed" --category history --doc magna-carta.pdf`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := models.SearchRequest{
				Query: args[0],
				Mode:  models.ModeKnowledgeChat,
				Limit: limit,
			}
			if category != "" {
				req.Mode = models.ModeCategoryQA
				req.Category = category
				req.SelectedDocs = docs
			}

			var result models.SearchResult
			if err := newClient(socketPath).post("/api/v1/kb/search", req, &result); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(result)
			}

			if len(result.Results) == 0 {
				fmt.Printf("No results found for: %s\n", args[0])
				return nil
			}
			fmt.Printf("Found %d results in %s (%.1fms)\n\n", len(result.Results),
				strings.Join(result.Scope, ", "), result.SearchTime)
			for i, hit := range result.Results {
				fmt.Printf("%d. %s  [%.3f]\n", i+1, hit.RelativePath, hit.Score)
				if page := hit.Metadata[kb.MetaPage]; page != "" {
					fmt.Printf("   page %s\n", page)
				}
				fmt.Printf("   %s\n\n", truncate(strings.Join(strings.Fields(hit.Text), " "), 300))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&category, "category", "c", "", "Search one category (category_qa)")
	cmd.Flags().StringSliceVarP(&docs, "doc", "d", nil, "Selected document in the category (repeatable)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum results (default: kb.search_k)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func driftCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Show where the documents and the indexes disagree",
		RunE: func(cmd *cobra.Command, args []string) error {
			var report struct {
				kb.DriftReport
				Clean bool `json:"clean"`
			}
			if err := newClient(socketPath).get("/api/v1/kb/drift", &report); err != nil {
				return err
			}

			if report.Clean {
				fmt.Println("✓ Indexes match the knowledge root")
				return nil
			}

			section := func(title string, paths []string) {
				if len(paths) == 0 {
					return
				}
				fmt.Printf("%s (%d)\n", title, len(paths))
				for _, p := range paths {
					fmt.Printf("  %s\n", p)
				}
				fmt.Println()
			}
			section("Never indexed", report.Unindexed)
			section("Changed since indexing", report.Stale)
			section("Deleted but still searchable", report.Orphaned)
			section("Missing from the global index", report.MirrorMissing)
			section("Holding records from earlier versions", report.Superseded)
			if report.EmptyGlobal {
				fmt.Println("The global index is empty while categories have records.")
				fmt.Println()
			}
			fmt.Println("Run 'kbchat rebuild' to correct.")
			return nil
		},
	}
	return cmd
}

func rmCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "rm <category> [file]",
		Short: "Delete a document or a whole category",
		Long: `Delete a document from a category, or with no file name the whole
category including nested categories and their indexes.

A deleted document's passages stay searchable until the next rebuild.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(socketPath)
			category := args[0]

			if len(args) == 2 {
				q := url.Values{"category": {category}, "name": {args[1]}}
				if err := c.delete("/api/v1/kb/files?"+q.Encode(), nil); err != nil {
					return err
				}
				fmt.Printf("✓ Deleted %s/%s\n", category, args[1])
				fmt.Println("  Its passages remain searchable until: kbchat rebuild")
				return nil
			}

			if !yes && !confirmAction(fmt.Sprintf("Delete category %q and everything in it?", category)) {
				fmt.Println("Cancelled.")
				return nil
			}
			if err := c.delete("/api/v1/kb/categories/"+escapeCategory(category), nil); err != nil {
				return err
			}
			fmt.Printf("✓ Deleted category %s\n", category)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

// escapeCategory escapes each segment of a nested category path.
func escapeCategory(category string) string {
	parts := strings.Split(strings.Trim(category, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func confirmAction(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	var answer string
	fmt.Scanln(&answer)
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
