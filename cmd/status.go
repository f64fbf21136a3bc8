package cmd

import (
	"fmt"
	"time"

	"helmsman/internal/api"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

// newStatusCmd creates the command that prints the live service and model
// status of a running daemon.
func newStatusCmd() *cobra.Command {
	var endpoint string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show service and model status of a running helmsman daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(endpoint)
			ctx := cmd.Context()

			var services []api.ServiceView
			if err := client.get(ctx, "/api/v1/services", &services); err != nil {
				return err
			}
			var models []api.ModelView
			if err := client.get(ctx, "/api/v1/models", &models); err != nil {
				return err
			}

			now := time.Now()

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Service", "State", "Desired", "Eligible", "Last Used"})
			for _, s := range services {
				t.AppendRow(table.Row{s.ID, s.Actual, orDash(string(s.Desired)), s.IdleSleepEligible, lastUsed(s.LastUsedAt, now)})
			}
			t.Render()

			if len(models) > 0 {
				fmt.Fprintln(cmd.OutOrStdout())
				t = table.NewWriter()
				t.SetOutputMirror(cmd.OutOrStdout())
				t.SetStyle(table.StyleLight)
				t.AppendHeader(table.Row{"Model", "Provider", "Loaded", "Keep-Alive Until"})
				for _, m := range models {
					until := "-"
					if !m.KeepAliveUntil.IsZero() {
						until = m.KeepAliveUntil.Local().Format(time.RFC3339)
					}
					t.AppendRow(table.Row{m.ID, m.Provider, m.Loaded(now), until})
				}
				t.Render()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", defaultEndpoint, "Control API endpoint")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func lastUsed(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return fmt.Sprintf("%s ago", now.Sub(t).Round(time.Second))
}
