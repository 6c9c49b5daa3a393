package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/fieldsync/internal/api"
	"github.com/kalambet/fieldsync/internal/config"
	"github.com/kalambet/fieldsync/internal/connectivity"
	"github.com/kalambet/fieldsync/internal/knowledge"
	"github.com/kalambet/fieldsync/internal/queue"
	"github.com/kalambet/fieldsync/internal/replay"
)

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage queued writes",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued writes in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var result struct {
			Operations []queue.Operation `json:"operations"`
			Count      int               `json:"count"`
		}
		if err := client.getJSON(cmd.Context(), api.AdminPrefix+"/queue", &result); err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(result.Operations)
		}
		if result.Count == 0 {
			fmt.Fprintln(dataOut, "Queue is empty.")
			return nil
		}
		for _, op := range result.Operations {
			fmt.Fprintln(dataOut, formatOperation(op))
		}
		return nil
	},
}

func formatOperation(op queue.Operation) string {
	line := fmt.Sprintf("%s  %-6s  %-6s  %s/%s  %s",
		colorize(colorCyan, shortID(op.ID)),
		op.Priority,
		op.Kind,
		op.Resource,
		op.RecordID,
		op.EnqueuedAt.Format(time.RFC3339),
	)
	if op.RetryCount > 0 {
		line += colorize(colorYellow, fmt.Sprintf("  retries=%d last_error=%q", op.RetryCount, op.LastError))
	}
	return line
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}

var queueAddCmd = &cobra.Command{
	Use:   "add <kind> <resource>",
	Short: "Queue a write to the remote service",
	Long: `Queue a write to the remote service. It is replayed when online.

Examples:
  fieldsync queue add insert lands --payload '{"id":"L1","name":"North plot"}'
  fieldsync queue add update lands --id L1 --payload '{"name":"North"}' --priority high
  fieldsync queue add delete lands --id L1`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, _ := cmd.Flags().GetString("payload")
		recordID, _ := cmd.Flags().GetString("id")
		priority, _ := cmd.Flags().GetString("priority")

		req := map[string]any{
			"kind":     args[0],
			"resource": args[1],
		}
		if payload != "" {
			if !json.Valid([]byte(payload)) {
				return errors.New("--payload must be valid JSON")
			}
			req["payload"] = json.RawMessage(payload)
		}
		if recordID != "" {
			req["record_id"] = recordID
		}
		if priority != "" {
			req["priority"] = priority
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), api.AdminPrefix+"/queue", req)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued operation %s", result["id"])
		return nil
	},
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a queued write without replaying it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), api.AdminPrefix+"/queue/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Removed %s", args[0])
		return nil
	},
}

func init() {
	queueListCmd.Flags().Bool("json", false, "print operations as JSON")
	queueAddCmd.Flags().String("payload", "", "JSON payload")
	queueAddCmd.Flags().String("id", "", "target record id (defaults to payload.id)")
	queueAddCmd.Flags().String("priority", "", "high, medium or low")
	queueCmd.AddCommand(queueListCmd, queueAddCmd, queueRemoveCmd)
}

// --- sync ---

type syncStatus struct {
	Sync         replay.Status      `json:"sync"`
	Connectivity connectivity.State `json:"connectivity"`
}

func printSyncStatus(st syncStatus) {
	if st.Connectivity.Online {
		label := "online"
		if t := st.Connectivity.Quality.EffectiveType; t != "" {
			label += " (" + t + ")"
		}
		printStatus("Connectivity", "%s", colorize(colorGreen, label))
	} else {
		printStatus("Connectivity", "%s", colorize(colorYellow, "offline"))
	}
	printStatus("Pending writes", "%d", st.Sync.Pending)
	if !st.Sync.LastRun.IsZero() {
		printStatus("Last sync", "%s (synced %d, dropped %d)",
			st.Sync.LastRun.Format(time.RFC3339), st.Sync.Last.Synced, st.Sync.Last.Dropped)
	}
	if st.Sync.LastErr != "" {
		printStatus("Last error", "%s", colorize(colorRed, st.Sync.LastErr))
	}
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued writes now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Replaying queued writes...")
		resp, err := client.post(cmd.Context(), api.AdminPrefix+"/sync", nil)
		if err != nil {
			return err
		}
		var sum replay.Summary
		if err := decodeJSON(resp, &sum); err != nil {
			return err
		}

		if sum.Offline {
			printWarning("Offline: %d writes still queued", sum.Remaining)
			return nil
		}
		printSuccess("Synced %d, dropped %d, %d remaining", sum.Synced, sum.Dropped, sum.Remaining)
		return nil
	},
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the response cache",
}

var cacheBucketsCmd = &cobra.Command{
	Use:   "buckets",
	Short: "List cache buckets",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var result struct {
			Version string   `json:"version"`
			Current []string `json:"current"`
			Buckets []struct {
				Name    string `json:"name"`
				Entries int    `json:"entries"`
			} `json:"buckets"`
		}
		if err := client.getJSON(cmd.Context(), api.AdminPrefix+"/cache/buckets", &result); err != nil {
			return err
		}

		current := make(map[string]bool, len(result.Current))
		for _, name := range result.Current {
			current[name] = true
		}
		printStatus("Version", "%s", result.Version)
		for _, b := range result.Buckets {
			name := b.Name
			if !current[name] {
				name = colorize(colorYellow, name+" (stale)")
			}
			fmt.Fprintf(dataOut, "  %s  %d\n", name, b.Entries)
		}
		return nil
	},
}

var cacheEvictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Drop stale buckets and expired API responses",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), api.AdminPrefix+"/cache/evict", nil)
		if err != nil {
			return err
		}
		var st struct {
			Stale   int64 `json:"stale_bucket_entries"`
			Expired int64 `json:"expired_api_entries"`
		}
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		printSuccess("Evicted %d stale and %d expired entries", st.Stale, st.Expired)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheBucketsCmd, cacheEvictCmd)
}

// --- knowledge ---

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Query and load the offline answer cache",
}

var knowledgeLookupCmd = &cobra.Command{
	Use:   "lookup <question>",
	Short: "Find a cached answer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lang, _ := cmd.Flags().GetString("lang")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("q", strings.Join(args, " "))
		if lang != "" {
			q.Set("lang", lang)
		}
		q.Set("limit", fmt.Sprint(limit))

		var result struct {
			Match   string            `json:"match"`
			Entry   knowledge.Entry   `json:"entry"`
			Results []knowledge.Match `json:"results"`
		}
		err = client.getJSON(cmd.Context(), api.AdminPrefix+"/knowledge?"+q.Encode(), &result)
		var se *serverError
		if errors.As(err, &se) && se.code == 404 {
			fmt.Fprintln(dataOut, "No cached answer.")
			return nil
		}
		if err != nil {
			return err
		}

		if result.Match == "exact" {
			fmt.Fprintf(dataOut, "%s\n  %s\n", colorize(colorBold, result.Entry.Query), result.Entry.Answer)
			return nil
		}
		for i, m := range result.Results {
			fmt.Fprintf(dataOut, "\n%s [score: %.2f]\n", colorize(colorBold, fmt.Sprintf("%d. %s", i+1, m.Query)), m.Score)
			fmt.Fprintf(dataOut, "  %s\n", m.Answer)
		}
		return nil
	},
}

var knowledgeLoadCmd = &cobra.Command{
	Use:   "load <file-or-url>",
	Short: "Load a knowledge pack",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src := args[0]

		var body any
		if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
			body = map[string]string{"url": src}
		} else {
			data, err := os.ReadFile(src)
			if err != nil {
				return fmt.Errorf("reading pack: %w", err)
			}
			var p knowledge.Pack
			if err := json.Unmarshal(data, &p); err != nil {
				return fmt.Errorf("parsing pack: %w", err)
			}
			body = p
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), api.AdminPrefix+"/knowledge/packs", body)
		if err != nil {
			return err
		}
		var result struct {
			PackID  string `json:"pack_id"`
			Version string `json:"version"`
			Loaded  int    `json:"loaded"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Loaded %d entries from pack %s", result.Loaded, result.PackID)
		return nil
	},
}

func init() {
	knowledgeLookupCmd.Flags().String("lang", "", "language code (default en)")
	knowledgeLookupCmd.Flags().Int("limit", 5, "maximum near matches")
	knowledgeCmd.AddCommand(knowledgeLookupCmd, knowledgeLoadCmd)
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

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(dataOut, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
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
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configResetCmd = &cobra.Command{
	Use:   "reset <key>",
	Short: "Remove a stored value so the default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.ResetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Reset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configResetCmd)
}
