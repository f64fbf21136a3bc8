package cmd

import (
	"fmt"

	"helmsman/internal/consistency"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

// newCheckCmd creates the command that runs a consistency inspection for one
// or more record keys against a running daemon.
func newCheckCmd() *cobra.Command {
	var endpoint string

	cmd := &cobra.Command{
		Use:   "check KEY [KEY...]",
		Short: "Inspect record consistency across the configured stores",
		Long: `Fetches each record from every configured store, compares canonical
checksums and reports per-field drift. Exit code 1 when any record grades
ERROR.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(endpoint)

			var reports []consistency.Report
			err := client.post(cmd.Context(), "/api/v1/consistency/diff",
				map[string][]string{"keys": args}, &reports)
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Key", "Status", "Stores", "Drifted Fields"})

			hasError := false
			for _, r := range reports {
				if r.Status == consistency.StatusError {
					hasError = true
				}
				t.AppendRow(table.Row{r.Key, colorStatus(r.Status), storesSummary(r), fieldsSummary(r)})
			}
			t.Render()

			if hasError {
				return fmt.Errorf("%d record(s) have critical drift", countErrors(reports))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", defaultEndpoint, "Control API endpoint")
	return cmd
}

func colorStatus(s consistency.Status) string {
	switch s {
	case consistency.StatusOK:
		return text.FgGreen.Sprint(s)
	case consistency.StatusWarning:
		return text.FgYellow.Sprint(s)
	default:
		return text.FgRed.Sprint(s)
	}
}

func storesSummary(r consistency.Report) string {
	out := ""
	for i, s := range r.Stores {
		if i > 0 {
			out += " "
		}
		switch {
		case s.Error != "":
			out += fmt.Sprintf("%s:error", s.Store)
		case !s.Found:
			out += fmt.Sprintf("%s:missing", s.Store)
		default:
			out += fmt.Sprintf("%s:%.8s", s.Store, s.Checksum)
		}
	}
	return out
}

func fieldsSummary(r consistency.Report) string {
	if len(r.Diffs) == 0 {
		return "-"
	}
	out := ""
	for i, d := range r.Diffs {
		if i > 0 {
			out += ", "
		}
		out += d.Field
		if d.Critical {
			out += "!"
		}
	}
	return out
}

func countErrors(reports []consistency.Report) int {
	n := 0
	for _, r := range reports {
		if r.Status == consistency.StatusError {
			n++
		}
	}
	return n
}
