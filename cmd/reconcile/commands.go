package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/opsdesk/tracker-sync/internal/api/dto"
	"github.com/opsdesk/tracker-sync/internal/domain"
	"github.com/opsdesk/tracker-sync/internal/service"
)

func newSweepCmd(env func() *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one retry pass over failed pushes",
		Long: `Run one retry pass over tickets and comments in FAILED_RETRYABLE and
over rows left UNSYNCED by a lost trigger. Rows that reach the attempt limit
are parked as FAILED_FATAL and raise an operator alert.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := env().sweep(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON(cmd) {
				return writeJSON(cmd, report)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "retried %d, recovered %d, promoted %d, still failing %d\n",
				report.Retried, report.Recovered, report.Promoted, report.Failed)
			return nil
		},
	}
}

func newFailedCmd(env func() *environment) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List tickets and comments parked in a failure state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rows, err := env().failed(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON(cmd) {
				items := make([]dto.FailedSyncResponse, 0, len(rows))
				for _, row := range rows {
					items = append(items, dto.NewFailedSyncResponse(row))
				}
				return writeJSON(cmd, items)
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no failed rows")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ENTITY\tID\tTICKET\tSTATE\tATTEMPTS\tUPDATED\tERROR")
			for _, row := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					row.EntityType, row.EntityID, row.TicketID, row.State, row.Attempts,
					row.UpdatedAt.UTC().Format(time.RFC3339), deref(row.Error))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows to list")
	return cmd
}

func newTokenCmd(env func() *environment) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue a bearer token for the HTTP API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, expiresAt, err := env().tokens.GenerateToken(args[0], domain.Role(role))
			if err != nil {
				return err
			}
			if asJSON(cmd) {
				return writeJSON(cmd, map[string]any{"token": token, "expires_at": expiresAt})
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(domain.RoleOperator), "AGENT or OPERATOR")
	return cmd
}

func printReport(cmd *cobra.Command, report *service.ReconcileReport) error {
	if asJSON(cmd) {
		return writeJSON(cmd, report)
	}
	out := cmd.OutOrStdout()
	mode := "applied"
	if report.DryRun {
		mode = "dry run"
	}
	fmt.Fprintf(out, "ticket %s <-> %s (%s)\n", report.TicketID, report.ExternalKey, mode)
	if report.InSync() {
		fmt.Fprintln(out, "in sync")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FIELD\tLOCAL\tTRACKER\tOWNER\tAPPLIED")
	for _, diff := range report.Diffs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", diff.Field, diff.Local, diff.External, diff.Owner, diff.Applied)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	for _, u := range report.Unmapped {
		fmt.Fprintf(out, "unmapped %s: %q\n", u.Field, u.Value)
	}
	return nil
}

func asJSON(cmd *cobra.Command) bool {
	v, err := cmd.Flags().GetBool("json")
	return err == nil && v
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
