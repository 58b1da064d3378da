package main

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type reconciliationRequest struct {
	EmployerID string    `json:"employer_id"`
	WorkerID   string    `json:"worker_id"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	SegmentIDs []string  `json:"segment_ids"`
}

type reconciliationResult struct {
	Touched  int                 `json:"touched"`
	Detached map[string][]string `json:"detached"`
}

func reconcileCmd(v *viper.Viper) *cobra.Command {
	var req reconciliationRequest
	var day, from, to string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Detach segments that no longer exist from live periods",
		Long: `Reconcile tells the engine which segment ids currently exist for one
employer and worker in a time window. Live periods in that window lose every
link that is not in the list. An empty --segments list detaches all links.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if req.From, req.To, err = parseWindow(day, from, to); err != nil {
				return err
			}
			if req.SegmentIDs == nil {
				req.SegmentIDs = []string{}
			}

			api := newAPIClient(v.GetString("server"))
			var result reconciliationResult
			if err := api.do(cmd.Context(), http.MethodPost, "/reconciliations", req, &result); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if v.GetBool("json") {
				return printJSON(out, result)
			}
			if result.Touched == 0 {
				fmt.Fprintln(out, "nothing to detach")
				return nil
			}
			periodIDs := make([]string, 0, len(result.Detached))
			for periodID := range result.Detached {
				periodIDs = append(periodIDs, periodID)
			}
			sort.Strings(periodIDs)
			tw := table.NewWriter()
			tw.SetOutputMirror(out)
			tw.AppendHeader(table.Row{"Period", "Detached"})
			for _, periodID := range periodIDs {
				for _, segment := range result.Detached[periodID] {
					tw.AppendRow(table.Row{periodID, segment})
				}
			}
			tw.SetStyle(table.StyleLight)
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&req.EmployerID, "employer", "", "employer id")
	cmd.Flags().StringVar(&req.WorkerID, "worker", "", "worker id")
	cmd.Flags().StringSliceVar(&req.SegmentIDs, "segments", nil, "segment ids that still exist")
	cmd.Flags().StringVar(&day, "day", "", "reconcile one calendar day (YYYY-MM-DD, UTC)")
	cmd.Flags().StringVar(&from, "from", "", "window start (RFC 3339)")
	cmd.Flags().StringVar(&to, "to", "", "window end, exclusive (RFC 3339)")
	_ = cmd.MarkFlagRequired("employer")
	_ = cmd.MarkFlagRequired("worker")
	cmd.MarkFlagsMutuallyExclusive("day", "from")
	cmd.MarkFlagsRequiredTogether("from", "to")
	return cmd
}

// parseWindow accepts either a day or an explicit [from, to) pair.
func parseWindow(day, from, to string) (time.Time, time.Time, error) {
	if day != "" {
		d, err := time.Parse(time.DateOnly, day)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --day: %w", err)
		}
		return d, d.AddDate(0, 0, 1), nil
	}
	if from == "" || to == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("either --day or --from and --to are required")
	}
	start, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --from: %w", err)
	}
	end, err := time.Parse(time.RFC3339, to)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --to: %w", err)
	}
	return start, end, nil
}
