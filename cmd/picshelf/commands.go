package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/picshelf/internal/api"
	"github.com/kalambet/picshelf/internal/catalog"
	"github.com/kalambet/picshelf/internal/config"
	"github.com/kalambet/picshelf/internal/storage"
)

func printRecords(w io.Writer, recs []api.RecordView) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No images found.")
		return
	}
	for _, r := range recs {
		fmt.Fprintf(w, "%s  %s  %s\n",
			colorize(colorCyan, fmt.Sprintf("%5d", r.ID)),
			r.CreatedAt.Format("2006-01-02"),
			r.Path,
		)
		if r.Analysis.Summary != "" {
			fmt.Fprintf(w, "       %s\n", truncate(r.Analysis.Summary, 100))
		}
		fmt.Fprintf(w, "       %s %s\n", colorize(colorDim, "tags:"), joinTags(r.Analysis.Tags))
	}
}

// --- list ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List cataloged images, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var recs []api.RecordView
		if err := client.getJSON(cmd.Context(), fmt.Sprintf("/images?limit=%d", limit), &recs); err != nil {
			return err
		}
		printRecords(os.Stdout, recs)
		return nil
	},
}

func init() {
	listCmd.Flags().Int("limit", 20, "maximum number of images (0 for all)")
}

// --- search ---

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var searchCmd = &cobra.Command{
	Use:   "search [text...]",
	Short: "Search images by text, tags, scene and date",
	Long: `Search images by text, tags, scene and date.

Examples:
  picshelf search sunset
  picshelf search --tags beach,dog --mode or
  picshelf search --scene outdoor --from 2024-07-01 --to 2024-07-31`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tags, _ := cmd.Flags().GetString("tags")
		mode, _ := cmd.Flags().GetString("mode")
		scene, _ := cmd.Flags().GetString("scene")
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		limit, _ := cmd.Flags().GetInt("limit")

		req := api.SearchRequest{
			Query:     strings.Join(args, " "),
			Tags:      splitList(tags),
			TagMode:   mode,
			SceneType: scene,
			StartDate: from,
			EndDate:   to,
			Limit:     limit,
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var recs []api.RecordView
		if err := client.postJSON(cmd.Context(), "/search", req, &recs); err != nil {
			return err
		}
		printRecords(os.Stdout, recs)
		return nil
	},
}

func init() {
	searchCmd.Flags().String("tags", "", "comma-separated tags or objects")
	searchCmd.Flags().String("mode", "and", "how tags combine: and, or")
	searchCmd.Flags().String("scene", "", "scene type (all for any)")
	searchCmd.Flags().String("from", "", "earliest save date (YYYY-MM-DD)")
	searchCmd.Flags().String("to", "", "latest save date, inclusive (YYYY-MM-DD)")
	searchCmd.Flags().Int("limit", 0, "maximum number of results (0 for all)")
}

// --- stats ---

func printTerms(w io.Writer, title string, terms []catalog.TermCount, top int) {
	fmt.Fprintln(w, colorize(colorBold, title))
	if len(terms) == 0 {
		fmt.Fprintln(w, "  (none)")
		return
	}
	for i, t := range terms {
		if top > 0 && i >= top {
			break
		}
		fmt.Fprintf(w, "  %4d  %s\n", t.Count, t.Display)
	}
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the most frequent tags and objects",
	RunE: func(cmd *cobra.Command, args []string) error {
		top, _ := cmd.Flags().GetInt("top")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var st catalog.Stats
		if err := client.getJSON(cmd.Context(), "/stats", &st); err != nil {
			return err
		}

		fmt.Printf("%s %d\n", colorize(colorBold, "Images:"), st.Images)
		if st.Skipped > 0 {
			printWarning("%d record(s) could not be read", st.Skipped)
		}
		printTerms(os.Stdout, "Tags", st.Tags, top)
		printTerms(os.Stdout, "Objects", st.Objects, top)
		return nil
	},
}

func init() {
	statsCmd.Flags().Int("top", 15, "entries per list (0 for all)")
}

// --- check ---

var checkCmd = &cobra.Command{
	Use:   "check <path>",
	Short: "Check whether a file is cataloged and unchanged",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var resp api.CheckFileResponse
		if err := client.postJSON(cmd.Context(), "/check-file", map[string]string{"filePath": path}, &resp); err != nil {
			return err
		}
		if resp.Exists && resp.Image != nil {
			printSuccess("%s is cataloged (id %d)", path, resp.Image.ID)
			return nil
		}
		printWarning("%s: %s", path, resp.Reason)
		return nil
	},
}

// --- delete ---

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Remove an image from the catalog (the file is left alone)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q", args[0])
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), fmt.Sprintf("/images/%d", id))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			var apiErr *apiError
			if errors.As(err, &apiErr) && apiErr.Type == "not_found" {
				printWarning("image %d not found", id)
				return nil
			}
			return err
		}
		printSuccess("Deleted image %d", id)
		return nil
	},
}

// --- tags ---

// addTag appends tag unless an equal tag, ignoring case, is present.
func addTag(tags []string, tag string) ([]string, bool) {
	for _, t := range tags {
		if strings.EqualFold(t, tag) {
			return tags, false
		}
	}
	return append(tags, tag), true
}

// removeTag drops every tag equal to tag, ignoring case.
func removeTag(tags []string, tag string) ([]string, bool) {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if !strings.EqualFold(t, tag) {
			out = append(out, t)
		}
	}
	return out, len(out) != len(tags)
}

func editTags(ctx context.Context, idArg, tag string, edit func([]string, string) ([]string, bool)) error {
	id, err := strconv.ParseInt(idArg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q", idArg)
	}
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return fmt.Errorf("tag must not be empty")
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	var rec api.RecordView
	if err := client.getJSON(ctx, fmt.Sprintf("/images/%d", id), &rec); err != nil {
		return err
	}
	tags, changed := edit(rec.Analysis.Tags, tag)
	if !changed {
		printWarning("tags unchanged: %s", joinTags(rec.Analysis.Tags))
		return nil
	}
	a := rec.Analysis
	a.Tags = tags

	resp, err := client.put(ctx, fmt.Sprintf("/images/%d/analysis", id), a)
	if err != nil {
		return err
	}
	if err := decodeJSON(resp, &rec); err != nil {
		return err
	}
	printSuccess("Tags for %d: %s", id, joinTags(rec.Analysis.Tags))
	return nil
}

var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "Edit the tags of an image",
}

var tagsAddCmd = &cobra.Command{
	Use:   "add <id> <tag>",
	Short: "Add a tag",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editTags(cmd.Context(), args[0], args[1], addTag)
	},
}

var tagsRemoveCmd = &cobra.Command{
	Use:   "remove <id> <tag>",
	Short: "Remove a tag",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editTags(cmd.Context(), args[0], args[1], removeTag)
	},
}

func init() {
	tagsCmd.AddCommand(tagsAddCmd)
	tagsCmd.AddCommand(tagsRemoveCmd)
}

// --- export ---

// writeExport writes records as JSON lines or as a YAML sequence. YAML keys
// follow the JSON field names.
func writeExport(w io.Writer, recs []api.RecordView, format string) error {
	switch format {
	case "jsonl", "":
		enc := json.NewEncoder(w)
		for _, r := range recs {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	case "yaml":
		raw, err := json.Marshal(recs)
		if err != nil {
			return err
		}
		var generic []any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown export format %q (want jsonl or yaml)", format)
	}
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the whole catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")
		if format != "jsonl" && format != "yaml" {
			return fmt.Errorf("unknown export format %q (want jsonl or yaml)", format)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var recs []api.RecordView
		if err := client.getJSON(cmd.Context(), "/images?limit=0", &recs); err != nil {
			return err
		}

		var w io.Writer = os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			w = f
		}
		if err := writeExport(w, recs, format); err != nil {
			return err
		}
		if output != "" {
			printSuccess("Exported %d image(s) to %s", len(recs), output)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().String("format", "jsonl", "output format: jsonl, yaml")
	exportCmd.Flags().StringP("output", "o", "", "output file path (default: stdout)")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, "("+k.EnvVar+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the catalog to MCP clients over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		// stdout carries the protocol; logs go to stderr.
		setupLogging(cfg.Log.Level)

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		mcpSrv := api.NewMCPServer(api.MCPDeps{Catalog: catalog.New(store), Version: version})
		err = server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}
