package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/relayfeed/internal/api"
	"github.com/kalambet/relayfeed/internal/config"
	"github.com/kalambet/relayfeed/internal/priority"
	"github.com/kalambet/relayfeed/internal/scheduler"
)

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scheduler status and tier distribution",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return showStatus(cmd.Context(), client, cfg)
	},
}

func showStatus(ctx context.Context, client *apiClient, cfg config.Config) error {
	st, err := client.status(ctx)
	if errors.Is(err, errServerDown) {
		printStatus("Server", "stopped")
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	if err != nil {
		return err
	}

	printStatus("Server", "running on port %d", cfg.Server.Port)
	printStatus("Cycle", "%d", st.Stats.Cycle)
	if !st.Stats.Initialized {
		printStatus("Mode", "cold start pending")
	}
	if st.Running {
		printStatus("Pass", "in progress")
	}
	if st.LastPass != nil {
		printStatus("Last pass", "%s", passLine(*st.LastPass))
	}
	if len(st.Overrides) > 0 {
		printStatus("Overrides", "%s", strings.Join(st.Overrides, ", "))
	}
	if st.Stories != nil {
		printStatus("Stories", "%s", storiesLine(*st.Stories))
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	fmt.Println()

	periods := map[priority.Tier]int{
		priority.High:    cfg.Tiers.HighPeriod,
		priority.Normal:  cfg.Tiers.NormalPeriod,
		priority.Low:     cfg.Tiers.LowPeriod,
		priority.Dormant: cfg.Tiers.DormantPeriod,
	}
	rows := make([][]string, 0, len(priority.Tiers)+1)
	for _, t := range priority.Tiers {
		rows = append(rows, []string{
			string(t),
			fmt.Sprintf("every %d", periods[t]),
			strconv.Itoa(st.Stats.Distribution[t]),
		})
	}
	rows = append(rows, []string{"total", "", strconv.Itoa(st.Stats.Total)})
	if err := renderTable(os.Stdout, []string{"Tier", "Checked", "Entities"}, rows); err != nil {
		return err
	}
	if st.Stats.Initialized {
		fmt.Printf("\n%d eligible this cycle\n", st.Stats.EligibleThisCycle)
	}
	return nil
}

func storiesLine(s api.StreamStatus) string {
	d := s.Stats.Distribution
	line := fmt.Sprintf("cycle %d, %d tracked (%d high, %d normal, %d low, %d dormant)",
		s.Stats.Cycle, s.Stats.Total,
		d[priority.High], d[priority.Normal], d[priority.Low], d[priority.Dormant])
	if s.Stats.Muted > 0 {
		line += fmt.Sprintf(", %d muted", s.Stats.Muted)
	}
	if !s.Stats.Initialized {
		line += ", cold start pending"
	}
	if s.Running {
		line += ", pass in progress"
	}
	return line
}

func passLine(p scheduler.PassSummary) string {
	line := fmt.Sprintf("%s cycle %d, %d/%d checked, %d new, %d calls, %s ago",
		p.Mode, p.Cycle, p.Succeeded, p.Attempted, p.NewItems, p.Calls,
		time.Since(p.StartedAt).Round(time.Second))
	if p.Err != "" {
		line += " " + colorize(colorRed, "("+p.Err+")")
	}
	return line
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass in this process and print the summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		if queue, _ := cmd.Flags().GetBool("queue"); queue {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			return queueSync(cmd.Context(), client)
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.RequireRemote(); err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		for _, orch := range a.orchestrators() {
			printStep("Running %s sync pass...", orch.Stream())
			sum, err := orch.RunPass(ctx)
			printSummary(sum)
			if err != nil {
				return err
			}
			printSuccess("Sync pass %s finished in %s", sum.RunID, sum.Duration.Round(time.Millisecond))
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("queue", false, "queue a pass on the running server instead of running one here")
}

func queueSync(ctx context.Context, client *apiClient) error {
	res, err := client.requestSync(ctx)
	if err != nil {
		return err
	}
	if res.Status == "already_queued" {
		printStatus("Sync", "a pass is already queued")
		return nil
	}
	printSuccess("Queued sync pass (job %s)", res.JobID)
	return nil
}

func printSummary(sum scheduler.PassSummary) {
	printStatus("Stream", "%s", sum.Stream)
	printStatus("Mode", "%s", sum.Mode)
	printStatus("Cycle", "%d", sum.Cycle)
	printStatus("Eligible", "%d", sum.Eligible)
	printStatus("Checked", "%d ok, %d failed, %d skipped", sum.Succeeded, sum.Failed, sum.Skipped)
	printStatus("New items", "%d", sum.NewItems)
	printStatus("Remote calls", "%d", sum.Calls)
}

// --- entities ---

var entitiesCmd = &cobra.Command{
	Use:   "entities",
	Short: "List followed accounts with their activity tier",
	RunE: func(cmd *cobra.Command, args []string) error {
		tier, _ := cmd.Flags().GetString("tier")
		stale, _ := cmd.Flags().GetBool("stale")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listEntities(cmd.Context(), client, tier, stale)
	},
}

func init() {
	entitiesCmd.Flags().String("tier", "", "only show one tier (high, normal, low, dormant)")
	entitiesCmd.Flags().Bool("stale", false, "include accounts no longer followed")
}

func listEntities(ctx context.Context, client *apiClient, tier string, stale bool) error {
	views, err := client.entities(ctx, tier, stale)
	if err != nil {
		return err
	}
	if len(views) == 0 {
		fmt.Println("No entities found.")
		return nil
	}

	rows := make([][]string, 0, len(views))
	for _, v := range views {
		name := v.Name
		if v.Override {
			name += " *"
		}
		if v.Stale {
			name += " (stale)"
		}
		tierLabel := v.Tier
		if !v.Tracked {
			tierLabel = "-"
		}
		rows = append(rows, []string{
			name,
			tierLabel,
			formatTime(v.LastKnownItemDate),
			formatTime(v.LastCheckedAt),
			strconv.Itoa(v.ConsecutiveEmptyChecks),
		})
	}
	return renderTable(os.Stdout, []string{"Name", "Tier", "Last item", "Last checked", "Empty"}, rows)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
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
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
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

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
