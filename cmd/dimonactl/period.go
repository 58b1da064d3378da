package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type periodView struct {
	Period struct {
		ID               string    `json:"id"`
		Owner            ownerRef  `json:"owner"`
		EmployerID       string    `json:"employer_id"`
		WorkerID         string    `json:"worker_id"`
		WorkerType       string    `json:"worker_type"`
		StartsAt         time.Time `json:"starts_at"`
		EndsAt           time.Time `json:"ends_at"`
		State            string    `json:"state"`
		Links            []string  `json:"links"`
		RegistryPeriodID string    `json:"registry_period_id"`
	} `json:"period"`
	Declarations []struct {
		ID             string    `json:"id"`
		Type           string    `json:"type"`
		State          string    `json:"state"`
		Reference      string    `json:"reference"`
		ResultCode     string    `json:"result_code"`
		FailureReason  string    `json:"failure_reason"`
		SubmitAttempts int       `json:"submit_attempts"`
		PollCount      int       `json:"poll_count"`
		Findings       []string  `json:"findings"`
		CreatedAt      time.Time `json:"created_at"`
	} `json:"declarations"`
}

func periodCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{Use: "period", Short: "Inspect declared periods"}
	cmd.AddCommand(periodShowCmd(v))
	return cmd
}

func periodShowCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "show <period-id>",
		Short: "Show a period and its declaration history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api := newAPIClient(v.GetString("server"))
			var view periodView
			if err := api.do(cmd.Context(), http.MethodGet, "/periods/"+url.PathEscape(args[0]), nil, &view); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if v.GetBool("json") {
				return printJSON(out, view)
			}
			renderPeriod(out, view)
			return nil
		},
	}
}

func renderPeriod(out io.Writer, view periodView) {
	p := view.Period
	summary := table.NewWriter()
	summary.SetOutputMirror(out)
	summary.AppendRows([]table.Row{
		{"Period", p.ID},
		{"Owner", p.Owner.Type + ":" + p.Owner.ID},
		{"Employer", p.EmployerID},
		{"Worker", p.WorkerID},
		{"Worker type", p.WorkerType},
		{"Span", p.StartsAt.Format(time.RFC3339) + " - " + p.EndsAt.Format(time.RFC3339)},
		{"State", p.State},
		{"Registry period", p.RegistryPeriodID},
		{"Links", strings.Join(p.Links, ", ")},
	})
	summary.Render()

	if len(view.Declarations) == 0 {
		fmt.Fprintln(out, "no declarations")
		return
	}
	history := table.NewWriter()
	history.SetOutputMirror(out)
	history.AppendHeader(table.Row{"Created", "Type", "State", "Reference", "Result", "Submits", "Polls", "Findings", "Failure"})
	for _, d := range view.Declarations {
		history.AppendRow(table.Row{
			d.CreatedAt.Format(time.RFC3339), d.Type, d.State, d.Reference, d.ResultCode,
			d.SubmitAttempts, d.PollCount, strings.Join(d.Findings, ", "), d.FailureReason,
		})
	}
	history.Render()
}

// apiRequestTimeout bounds every call to the dimona API.
const apiRequestTimeout = 30 * time.Second

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, apiRequestTimeout)
}
