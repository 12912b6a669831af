package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/fitscope/internal/api"
	"github.com/kalambet/fitscope/internal/breaker"
	"github.com/kalambet/fitscope/internal/tiles"
)

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, storage and breaker status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return showStatus(cmd.Context(), client, cmd.OutOrStdout())
	},
}

func showStatus(ctx context.Context, client *apiClient, w io.Writer) error {
	resp, err := client.get(ctx, "/health")
	if err != nil {
		return err
	}
	var health map[string]string
	if err := decodeJSON(resp, &health); err != nil {
		return err
	}

	resp, err = client.get(ctx, "/storage")
	if err != nil {
		return err
	}
	var st api.StorageView
	if err := decodeJSON(resp, &st); err != nil {
		return err
	}

	resp, err = client.get(ctx, "/breakers")
	if err != nil {
		return err
	}
	var snaps []breaker.Snapshot
	if err := decodeJSON(resp, &snaps); err != nil {
		return err
	}

	fmt.Fprintln(w, bold.Sprint("fitscope"))
	printStatus(w, "Server", "%s", green.Sprint(health["status"]))
	mode := green.Sprint(string(st.Mode))
	if st.Mode != "durable" {
		mode = yellow.Sprint(string(st.Mode) + " (nothing survives a restart)")
	}
	printStatus(w, "Storage", "%s", mode)
	printStatus(w, "Responses", "%d", st.Stats.Responses)
	printStatus(w, "Insights", "%d", st.Stats.Insights)
	if st.Usage.Used > 0 {
		printStatus(w, "Disk", "%.1f MiB", float64(st.Usage.Used)/(1<<20))
	}
	if st.LastFullRefresh != "" {
		printStatus(w, "Last full refresh", "%s", st.LastFullRefresh)
	}

	if len(snaps) == 0 {
		printStatus(w, "Breakers", "none yet")
		return nil
	}
	fmt.Fprintln(w, bold.Sprint("Breakers"))
	printBreakers(w, snaps)
	return nil
}

func printBreakers(w io.Writer, snaps []breaker.Snapshot) {
	for _, s := range snaps {
		line := fmt.Sprintf("  %-32s %s  failures %d  trips %d", s.Key.String(), stateLabel(s.State), s.Failures, s.Trips)
		if s.State == breaker.Open && !s.CooldownUntil.IsZero() {
			line += fmt.Sprintf("  retry in %s", time.Until(s.CooldownUntil).Round(time.Second))
		}
		fmt.Fprintln(w, line)
	}
}

// --- analyze ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze <idea>",
	Short: "Fetch every tile for a business idea",
	Long: `Fetch every tile for a business idea from the running server.

Examples:
  fitscope analyze "dog walking app"
  fitscope analyze "dog walking app" --tiles sentiment,competitors --refresh`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tileList, _ := cmd.Flags().GetString("tiles")
		refresh, _ := cmd.Flags().GetBool("refresh")
		asJSON, _ := cmd.Flags().GetBool("json")

		req := api.TilesRequest{
			Idea:         strings.Join(args, " "),
			Tiles:        splitList(tileList),
			ForceRefresh: refresh,
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return analyze(cmd.Context(), client, req, asJSON, cmd.OutOrStdout())
	},
}

func init() {
	analyzeCmd.Flags().String("tiles", "", "comma-separated subset of tiles")
	analyzeCmd.Flags().Bool("refresh", false, "ignore cached responses")
	analyzeCmd.Flags().Bool("json", false, "print raw JSON")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func analyze(ctx context.Context, client *apiClient, req api.TilesRequest, asJSON bool, w io.Writer) error {
	resp, err := client.post(ctx, "/tiles", req)
	if err != nil {
		return err
	}
	var res tiles.Result
	if err := decodeJSON(resp, &res); err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printTiles(w, res)
	return nil
}

// --- sweep ---

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired cached responses now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		n, err := deleteResponses(cmd.Context(), client, "?expired=true")
		if err != nil {
			return err
		}
		printSuccess("Removed %d expired responses", n)
		return nil
	},
}

// --- clear ---

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete cached responses for one idea or all of them",
	RunE: func(cmd *cobra.Command, args []string) error {
		idea, _ := cmd.Flags().GetString("idea")
		all, _ := cmd.Flags().GetBool("all")

		query, err := clearQuery(idea, all)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		n, err := deleteResponses(cmd.Context(), client, query)
		if err != nil {
			return err
		}
		printSuccess("Deleted %d cached responses", n)
		return nil
	},
}

func init() {
	clearCmd.Flags().String("idea", "", "only clear responses for this idea")
	clearCmd.Flags().Bool("all", false, "clear every cached response")
}

func clearQuery(idea string, all bool) (string, error) {
	switch {
	case idea != "" && all:
		return "", errors.New("--idea and --all are mutually exclusive")
	case idea != "":
		return "?idea=" + url.QueryEscape(idea), nil
	case all:
		return "?all=true", nil
	default:
		return "", errors.New("pass --idea <idea> or --all")
	}
}

func deleteResponses(ctx context.Context, client *apiClient, query string) (int, error) {
	resp, err := client.delete(ctx, "/responses"+query)
	if err != nil {
		return 0, err
	}
	var out map[string]int
	if err := decodeJSON(resp, &out); err != nil {
		return 0, err
	}
	return out["deleted"], nil
}

// --- breakers ---

var breakersCmd = &cobra.Command{
	Use:   "breakers",
	Short: "List circuit breakers",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/breakers")
		if err != nil {
			return err
		}
		var snaps []breaker.Snapshot
		if err := decodeJSON(resp, &snaps); err != nil {
			return err
		}
		if len(snaps) == 0 {
			printStep("No breakers yet; they appear after the first fetch")
			return nil
		}
		printBreakers(cmd.OutOrStdout(), snaps)
		return nil
	},
}

var breakersResetCmd = &cobra.Command{
	Use:   "reset [source tile]",
	Short: "Close one breaker, or every breaker without arguments",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 && len(args) != 2 {
			return errors.New("expected no arguments or <source> <tile>")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		var key breaker.Key
		if len(args) == 2 {
			key = breaker.Key{Source: args[0], Tile: args[1]}
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/breakers/reset", key)
		if err != nil {
			return err
		}
		var out map[string]int
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("Reset %d breakers", out["reset"])
		return nil
	},
}

func init() {
	breakersCmd.AddCommand(breakersResetCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(cfg.Redacted())
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
}
