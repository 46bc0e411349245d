package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/opsdesk/tracker-sync/internal/domain"
	"github.com/opsdesk/tracker-sync/internal/mapping"
	"github.com/opsdesk/tracker-sync/internal/repository"
	"github.com/opsdesk/tracker-sync/internal/retry"
	"github.com/opsdesk/tracker-sync/internal/tracker"
)

// reconcileFields are requested from the tracker for a snapshot.
var reconcileFields = []string{"summary", "description", "status", "issuetype", "priority", "assignee", "updated"}

// FieldDiff is one difference between the local row and the tracker.
type FieldDiff struct {
	Field    string `json:"field"`
	Local    string `json:"local"`
	External string `json:"external"`
	// Owner is "tracker" for fields reconciliation overwrites and "local"
	// for fields it only reports.
	Owner   string `json:"owner"`
	Applied bool   `json:"applied"`
}

// UnmappedField is an external value reconciliation could not translate.
type UnmappedField struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// ReconcileReport describes what reconciliation found and did.
type ReconcileReport struct {
	TicketID    string          `json:"ticket_id"`
	ExternalKey string          `json:"external_key"`
	DryRun      bool            `json:"dry_run"`
	Diffs       []FieldDiff     `json:"diffs"`
	Unmapped    []UnmappedField `json:"unmapped"`
	Applied     bool            `json:"applied"`
	Snapshot    time.Time       `json:"snapshot_updated"`
}

// InSync reports whether no difference was found.
func (r *ReconcileReport) InSync() bool {
	return len(r.Diffs) == 0 && len(r.Unmapped) == 0
}

// ReconcileOptions tunes a reconciliation run.
type ReconcileOptions struct {
	DryRun bool
}

// Reconciler realigns one ticket with the tracker on demand.
type Reconciler struct {
	tickets repository.TicketRepository
	tracker tracker.Tracker
	mapper  *mapping.Mapper
	logger  *zap.Logger
	now     func() time.Time
}

// NewReconciler constructs a Reconciler.
func NewReconciler(tickets repository.TicketRepository, client tracker.Tracker, mapper *mapping.Mapper, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mapper == nil {
		mapper = mapping.New(logger)
	}
	return &Reconciler{tickets: tickets, tracker: client, mapper: mapper, logger: logger, now: time.Now}
}

// Reconcile fetches the issue behind ticketID and overwrites the tracker
// owned fields (status and external assignee). Differences in locally owned
// fields are reported, never applied. Values without a mapping are reported
// and leave the local value untouched.
func (r *Reconciler) Reconcile(ctx context.Context, ticketID string, opts ReconcileOptions) (*ReconcileReport, error) {
	ticket, err := r.tickets.GetByID(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if !ticket.HasExternalKey() {
		return nil, retry.Permanent(fmt.Errorf("ticket %s has no external key", ticketID))
	}

	snapshot, err := r.tracker.GetIssue(ctx, ticket.Key(), reconcileFields)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{
		TicketID:    ticket.ID,
		ExternalKey: ticket.Key(),
		DryRun:      opts.DryRun,
		Snapshot:    snapshot.Updated,
	}
	merged := cloneTicket(ticket)
	changed := false

	if snapshot.Status != nil {
		status := r.mapper.FromExternalStatus(*snapshot.Status)
		switch {
		case status == domain.TicketStatusUnmapped:
			report.Unmapped = append(report.Unmapped, UnmappedField{Field: domain.FieldStatus, Value: *snapshot.Status})
		case status != ticket.Status:
			report.Diffs = append(report.Diffs, FieldDiff{
				Field: domain.FieldStatus, Local: string(ticket.Status), External: string(status), Owner: "tracker",
			})
			merged.Status = status
			changed = true
		}
	}

	if external := deref(snapshot.AssigneeName); external != deref(ticket.ExternalAssignee) {
		report.Diffs = append(report.Diffs, FieldDiff{
			Field: domain.FieldAssignee, Local: deref(ticket.ExternalAssignee), External: external, Owner: "tracker",
		})
		merged.ExternalAssignee = snapshot.AssigneeName
		changed = true
	}

	r.reportLocalOwned(report, ticket, snapshot)

	if changed && !opts.DryRun {
		revision := snapshot.Updated.UnixMilli()
		if revision <= 0 {
			revision = r.now().UnixMilli()
		}
		// Tracker-owned fields no longer wait for a push once realigned.
		merged.PendingFields = removeFields(merged.PendingFields, domain.FieldStatus, domain.FieldAssignee)
		applied, err := r.tickets.ApplyExternal(ctx, merged, repository.ExternalWrite{
			Revision:        revision,
			Force:           true,
			ExpectedVersion: ticket.LocalVersion,
		})
		if err != nil {
			return nil, err
		}
		if !applied {
			return nil, fmt.Errorf("ticket %s changed during reconciliation", ticketID)
		}
		report.Applied = true
		for i := range report.Diffs {
			if report.Diffs[i].Owner == "tracker" {
				report.Diffs[i].Applied = true
			}
		}
	}

	r.logger.Info("ticket reconciled",
		zap.String("ticket_id", ticket.ID),
		zap.String("external_key", ticket.Key()),
		zap.Bool("dry_run", opts.DryRun),
		zap.Int("diffs", len(report.Diffs)),
		zap.Int("unmapped", len(report.Unmapped)),
		zap.Bool("applied", report.Applied))
	return report, nil
}

func (r *Reconciler) reportLocalOwned(report *ReconcileReport, ticket *domain.Ticket, snapshot *tracker.IssueSnapshot) {
	if snapshot.Summary != nil && *snapshot.Summary != ticket.Title {
		report.Diffs = append(report.Diffs, FieldDiff{
			Field: domain.FieldTitle, Local: ticket.Title, External: *snapshot.Summary, Owner: "local",
		})
	}
	if snapshot.Description != nil && *snapshot.Description != ticket.Description {
		report.Diffs = append(report.Diffs, FieldDiff{
			Field: domain.FieldDescription, Local: ticket.Description, External: *snapshot.Description, Owner: "local",
		})
	}
	if snapshot.IssueType != nil {
		issueType := r.mapper.FromExternalIssueType(*snapshot.IssueType)
		switch {
		case issueType == domain.TicketTypeUnmapped:
			report.Unmapped = append(report.Unmapped, UnmappedField{Field: domain.FieldType, Value: *snapshot.IssueType})
		case issueType != ticket.Type:
			report.Diffs = append(report.Diffs, FieldDiff{
				Field: domain.FieldType, Local: string(ticket.Type), External: string(issueType), Owner: "local",
			})
		}
	}
	if snapshot.Priority != nil {
		priority := r.mapper.FromExternalPriority(*snapshot.Priority)
		switch {
		case priority == domain.TicketPriorityUnmapped:
			report.Unmapped = append(report.Unmapped, UnmappedField{Field: domain.FieldPriority, Value: *snapshot.Priority})
		case priority != ticket.Priority:
			report.Diffs = append(report.Diffs, FieldDiff{
				Field: domain.FieldPriority, Local: string(ticket.Priority), External: string(priority), Owner: "local",
			})
		}
	}
}

func removeFields(fields []string, drop ...string) []string {
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		keep := true
		for _, d := range drop {
			if field == d {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, field)
		}
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
