package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"storykeep/internal/analytics"
)

var (
	analyticsJSON      bool
	analyticsLoadHours int
	analyticsSiteHours int
	analyticsRefresh   bool
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Hourly visitor analytics",
}

var analyticsLoadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load hourly content and site buckets",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAggregator(func(a *analytics.Aggregator) error {
			ctx := cmd.Context()
			var err error
			if analyticsRefresh {
				err = a.RefreshHourlyAnalytics(ctx, cfg.Tenant)
			} else {
				err = a.LoadHourlyAnalytics(ctx, cfg.Tenant, analyticsLoadHours)
			}
			if err := tolerateBusy(err); err != nil {
				return err
			}

			st := a.LoadingStatus(cfg.Tenant)
			if analyticsJSON {
				return writeJSON(cmd.OutOrStdout(), st)
			}
			t, _ := a.Store().Get(cfg.Tenant)
			out := cmd.OutOrStdout()
			if t == nil {
				fmt.Fprintln(out, "No analytics loaded")
				return nil
			}
			fmt.Fprintf(out, "Loaded %d hours for tenant %s (last hour %s)\n", len(t.SiteData), cfg.Tenant, t.LastFullHour)
			fmt.Fprintf(out, "  Content items: %d\n", len(t.ContentData))
			fmt.Fprintf(out, "  Leads: %d\n", t.TotalLeads)
			if t.LastActivity != "" {
				fmt.Fprintf(out, "  Last activity: %s\n", t.LastActivity)
			}
			return nil
		})
	},
}

var analyticsContentCmd = &cobra.Command{
	Use:   "content",
	Short: "Per-content actions and unique visitors over 24h, 7d and 28d",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAggregator(func(a *analytics.Aggregator) error {
			rows, err := a.StoryfragmentAnalytics(cmd.Context(), cfg.Tenant)
			if err != nil {
				return err
			}
			if analyticsJSON {
				return writeJSON(cmd.OutOrStdout(), rows)
			}
			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "No content activity")
				return nil
			}
			fmt.Fprintf(out, "%-24s %8s %8s %8s %8s %8s\n", "SLUG", "TOTAL", "UNIQUE", "24H", "7D", "28D")
			for _, r := range rows {
				name := r.Slug
				if name == "" {
					name = r.ID
				}
				fmt.Fprintf(out, "%-24s %8d %8d %8d %8d %8d\n", truncate(name, 24),
					r.TotalActions, r.UniqueVisitors, r.Last24hActions, r.Last7dActions, r.Last28dActions)
			}
			return nil
		})
	},
}

var analyticsSiteCmd = &cobra.Command{
	Use:   "site",
	Short: "Site visits split into known and anonymous visitors",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAggregator(func(a *analytics.Aggregator) error {
			s, err := a.SiteSummary(cmd.Context(), cfg.Tenant, analyticsSiteHours)
			if err != nil {
				return err
			}
			if analyticsJSON {
				return writeJSON(cmd.OutOrStdout(), s)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Last %d hours\n", s.Hours)
			fmt.Fprintf(out, "  Visits: %d\n", s.TotalVisits)
			fmt.Fprintf(out, "  Known visitors: %d\n", s.KnownVisitors)
			fmt.Fprintf(out, "  Anonymous visitors: %d\n", s.AnonymousVisitors)
			for _, verb := range slices.Sorted(maps.Keys(s.EventCounts)) {
				fmt.Fprintf(out, "  %-12s %d\n", verb, s.EventCounts[verb])
			}
			return nil
		})
	},
}

var analyticsLeadsCmd = &cobra.Command{
	Use:   "leads",
	Short: "First-time versus returning funnel visitors",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEpinetLoader(cmd, func(l *analytics.EpinetLoader) error {
			ctx := cmd.Context()
			var m analytics.LeadMetrics
			err := analytics.NewPoller(0).Run(ctx, func(ctx context.Context) (bool, error) {
				var err error
				m, err = l.ComputeLeadMetrics(ctx, cfg.Tenant)
				return m.Status == analytics.StatusLoading, err
			})
			if err != nil {
				return err
			}
			if analyticsJSON {
				return writeJSON(cmd.OutOrStdout(), m)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Visitors: %d  Leads: %d  Status: %s\n", m.TotalVisits, m.TotalLeads, m.Status)
			fmt.Fprintf(out, "  24h: %d first-time (%.1f%%), %d returning (%.1f%%)\n",
				m.FirstTime24h, m.FirstTime24hPercentage, m.Returning24h, m.Returning24hPercentage)
			fmt.Fprintf(out, "  7d:  %d first-time (%.1f%%), %d returning (%.1f%%)\n",
				m.FirstTime7d, m.FirstTime7dPercentage, m.Returning7d, m.Returning7dPercentage)
			fmt.Fprintf(out, "  28d: %d first-time (%.1f%%), %d returning (%.1f%%)\n",
				m.FirstTime28d, m.FirstTime28dPercentage, m.Returning28d, m.Returning28dPercentage)
			return nil
		})
	},
}

func init() {
	analyticsCmd.PersistentFlags().BoolVar(&analyticsJSON, "json", false, "Output as JSON")
	analyticsLoadCmd.Flags().IntVar(&analyticsLoadHours, "hours", analytics.MaxAnalyticsHours, "Hours to load")
	analyticsLoadCmd.Flags().BoolVar(&analyticsRefresh, "refresh", false, "Load only the hours since the last load")
	analyticsSiteCmd.Flags().IntVar(&analyticsSiteHours, "hours", 24, "Window in hours")

	analyticsCmd.AddCommand(analyticsLoadCmd, analyticsContentCmd, analyticsSiteCmd, analyticsLeadsCmd)
	rootCmd.AddCommand(analyticsCmd)
}

func withAggregator(fn func(*analytics.Aggregator) error) error {
	d, err := OpenDatabase()
	if err != nil {
		return err
	}
	defer d.Close()

	locks, closeLocks, err := openLocks()
	if err != nil {
		return err
	}
	defer closeLocks()

	return fn(analytics.NewAggregator(d, locks, cfg.AnalyticsLoaderConfig(logger)))
}

// withEpinetLoader opens an epinet loader and runs one load before fn
func withEpinetLoader(cmd *cobra.Command, fn func(*analytics.EpinetLoader) error) error {
	d, err := OpenDatabase()
	if err != nil {
		return err
	}
	defer d.Close()

	locks, closeLocks, err := openLocks()
	if err != nil {
		return err
	}
	defer closeLocks()

	l := analytics.NewEpinetLoader(d, locks, cfg.AnalyticsLoaderConfig(logger))
	if err := tolerateBusy(l.Load(cmd.Context(), cfg.Tenant)); err != nil {
		return err
	}
	defer l.Wait()
	return fn(l)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
