package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"storykeep/internal/analytics"
)

var (
	epinetJSON     bool
	epinetDuration string
	epinetVisitors string
	epinetUser     string
	epinetStart    int
	epinetEnd      int
)

var epinetCmd = &cobra.Command{
	Use:   "epinet",
	Short: "Funnel (epinet) journeys",
}

var epinetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List funnel definitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := OpenDatabase()
		if err != nil {
			return err
		}
		defer d.Close()

		l := analytics.NewEpinetLoader(d, nil, cfg.AnalyticsLoaderConfig(logger))
		epinets, err := l.Epinets(cmd.Context(), cfg.Tenant)
		if err != nil {
			return err
		}
		if epinetJSON {
			return writeJSON(cmd.OutOrStdout(), epinets)
		}
		out := cmd.OutOrStdout()
		for _, e := range epinets {
			promoted := ""
			if e.Promoted {
				promoted = " (promoted)"
			}
			fmt.Fprintf(out, "%s  %s%s  %d steps\n", e.ID, e.Title, promoted, len(e.Steps))
		}
		return nil
	},
}

var epinetMetricsCmd = &cobra.Command{
	Use:   "metrics <epinet-id>",
	Short: "Sankey nodes and links of a funnel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := analytics.ParseDuration(epinetDuration)
		if err != nil {
			return err
		}
		filter := analytics.VisitorFilter{VisitorType: epinetVisitors, SelectedUserID: epinetUser}
		if cmd.Flags().Changed("start") || cmd.Flags().Changed("end") {
			filter.StartHour, filter.EndHour = &epinetStart, &epinetEnd
		}

		return withEpinetLoader(cmd, func(l *analytics.EpinetLoader) error {
			var m *analytics.EpinetMetrics
			var missing error
			err := analytics.NewPoller(0).Run(cmd.Context(), func(ctx context.Context) (bool, error) {
				var err error
				m, err = l.GetEpinetMetrics(ctx, cfg.Tenant, args[0], d, filter)
				if errors.Is(err, analytics.ErrNoData) {
					missing = err
					return false, nil
				}
				return err == nil && m.Status == analytics.StatusLoading, err
			})
			if err == nil {
				err = missing
			}
			if err != nil {
				return fmt.Errorf("epinet %s: %w", args[0], err)
			}
			if epinetJSON {
				return writeJSON(cmd.OutOrStdout(), m)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s [%s]\n", m.Title, m.Status)
			if m.Message != "" {
				fmt.Fprintf(out, "  %s\n", m.Message)
			}
			for i, n := range m.Nodes {
				fmt.Fprintf(out, "  %2d  %s\n", i, n.Name)
			}
			for _, link := range m.Links {
				fmt.Fprintf(out, "  %s -> %s: %d\n", m.Nodes[link.Source].Name, m.Nodes[link.Target].Name, link.Value)
			}
			return nil
		})
	},
}

var epinetVisitorsCmd = &cobra.Command{
	Use:   "visitors <epinet-id>",
	Short: "Visitors of a funnel, most active first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var start, end *int
		if cmd.Flags().Changed("start") || cmd.Flags().Changed("end") {
			start, end = &epinetStart, &epinetEnd
		}
		return withEpinetLoader(cmd, func(l *analytics.EpinetLoader) error {
			visitors, err := l.FilteredVisitorIDs(cmd.Context(), cfg.Tenant, args[0], epinetVisitors, start, end)
			if err != nil {
				return err
			}
			if epinetJSON {
				return writeJSON(cmd.OutOrStdout(), visitors)
			}
			out := cmd.OutOrStdout()
			for _, v := range visitors {
				kind := "anonymous"
				if v.IsKnown {
					kind = "known"
				}
				fmt.Fprintf(out, "%-40s %5d  %s\n", v.ID, v.Count, kind)
			}
			return nil
		})
	},
}

func init() {
	epinetCmd.PersistentFlags().BoolVar(&epinetJSON, "json", false, "Output as JSON")
	epinetCmd.PersistentFlags().StringVar(&epinetVisitors, "visitors", analytics.VisitorsAll, "all, known or anonymous")
	epinetCmd.PersistentFlags().IntVar(&epinetStart, "start", 0, "Window start in hours ago")
	epinetCmd.PersistentFlags().IntVar(&epinetEnd, "end", 0, "Window end in hours ago")
	epinetMetricsCmd.Flags().StringVar(&epinetDuration, "duration", string(analytics.DurationWeekly), "daily, weekly or monthly")
	epinetMetricsCmd.Flags().StringVar(&epinetUser, "user", "", "Only this fingerprint")

	epinetCmd.AddCommand(epinetListCmd, epinetMetricsCmd, epinetVisitorsCmd)
	rootCmd.AddCommand(epinetCmd)
}
