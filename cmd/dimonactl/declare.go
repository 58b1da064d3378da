package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type ownerRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type desiredPeriod struct {
	EmployerID            string    `json:"employer_id"`
	WorkerID              string    `json:"worker_id"`
	JointCommissionNumber string    `json:"joint_commission_number"`
	WorkerType            string    `json:"worker_type"`
	Location              string    `json:"location"`
	StartsAt              time.Time `json:"starts_at"`
	EndsAt                time.Time `json:"ends_at"`
	SegmentIDs            []string  `json:"segment_ids"`
}

type declarationRequest struct {
	Owner      ownerRef      `json:"owner"`
	Desired    desiredPeriod `json:"desired"`
	ClientName string        `json:"client_name"`
}

type declarationResult struct {
	Operation string `json:"operation"`
}

func declareCmd(v *viper.Viper) *cobra.Command {
	var req declarationRequest
	var start, end string
	cmd := &cobra.Command{
		Use:   "declare",
		Short: "Ask the engine to declare what an owner currently needs",
		Long: `Declare sends the current description of one owner's employment period.
The engine plans a create, update, link or cancel and processes it in the
background. An empty --segments list cancels the owner's live period.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if req.Desired.StartsAt, err = time.Parse(time.RFC3339, start); err != nil {
				return fmt.Errorf("invalid --starts-at: %w", err)
			}
			if req.Desired.EndsAt, err = time.Parse(time.RFC3339, end); err != nil {
				return fmt.Errorf("invalid --ends-at: %w", err)
			}
			if req.Desired.SegmentIDs == nil {
				req.Desired.SegmentIDs = []string{}
			}

			api := newAPIClient(v.GetString("server"))
			var result declarationResult
			if err := api.do(cmd.Context(), http.MethodPost, "/declarations", req, &result); err != nil {
				return err
			}
			if v.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "planned: %s\n", result.Operation)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Owner.Type, "owner-type", "contract", "owner record type")
	cmd.Flags().StringVar(&req.Owner.ID, "owner-id", "", "owner record id")
	cmd.Flags().StringVar(&req.Desired.EmployerID, "employer", "", "employer id")
	cmd.Flags().StringVar(&req.Desired.WorkerID, "worker", "", "worker id")
	cmd.Flags().StringVar(&req.Desired.JointCommissionNumber, "joint-commission", "", "joint commission number")
	cmd.Flags().StringVar(&req.Desired.WorkerType, "worker-type", "", "worker type code")
	cmd.Flags().StringVar(&req.Desired.Location, "location", "", "place of work")
	cmd.Flags().StringVar(&start, "starts-at", "", "period start (RFC 3339)")
	cmd.Flags().StringVar(&end, "ends-at", "", "period end (RFC 3339)")
	cmd.Flags().StringSliceVar(&req.Desired.SegmentIDs, "segments", nil, "segment ids the period covers")
	cmd.Flags().StringVar(&req.ClientName, "client", "", "registry client name (default client when empty)")
	for _, name := range []string{"owner-id", "employer", "worker", "starts-at", "ends-at"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}
