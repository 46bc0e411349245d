package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdesk/tracker-sync/internal/auth"
	"github.com/opsdesk/tracker-sync/internal/domain"
	"github.com/opsdesk/tracker-sync/internal/service"
)

func run(t *testing.T, env *environment, args ...string) (string, error) {
	t.Helper()
	closed := false
	env.close = func() { closed = true }
	cmd := newRootCmd(func(context.Context) (*environment, error) { return env, nil })
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{}, args...))
	err := cmd.ExecuteContext(context.Background())
	if err == nil {
		assert.True(t, closed, "environment is released after a successful run")
	}
	return out.String(), err
}

func TestReconcilePrintsDiffs(t *testing.T) {
	var got service.ReconcileOptions
	env := &environment{reconcile: func(_ context.Context, id string, opts service.ReconcileOptions) (*service.ReconcileReport, error) {
		got = opts
		return &service.ReconcileReport{
			TicketID:    id,
			ExternalKey: "OD-500",
			DryRun:      opts.DryRun,
			Diffs: []service.FieldDiff{
				{Field: domain.FieldStatus, Local: "OPEN", External: "RESOLVED", Owner: "tracker"},
			},
			Unmapped: []service.UnmappedField{{Field: domain.FieldType, Value: "Epic"}},
		}, nil
	}}

	out, err := run(t, env, "t-1", "--dry-run")
	require.NoError(t, err)
	assert.True(t, got.DryRun)
	assert.Contains(t, out, "ticket t-1 <-> OD-500 (dry run)")
	assert.Contains(t, out, "RESOLVED")
	assert.Contains(t, out, `unmapped type: "Epic"`)

	out, err = run(t, env, "t-1", "--json")
	require.NoError(t, err)
	var decoded service.ReconcileReport
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.False(t, decoded.DryRun)
	assert.Len(t, decoded.Diffs, 1)
}

func TestReconcileRequiresTicketID(t *testing.T) {
	_, err := run(t, &environment{})
	assert.ErrorContains(t, err, "accepts 1 arg")
}

func TestSweepAndFailedCommands(t *testing.T) {
	message := "tracker rejected the request"
	env := &environment{
		sweep: func(context.Context) (service.SweepReport, error) {
			return service.SweepReport{Retried: 3, Recovered: 2, Promoted: 1}, nil
		},
		failed: func(_ context.Context, limit int) ([]domain.FailedSync, error) {
			assert.Equal(t, 5, limit)
			return []domain.FailedSync{{
				EntityType: domain.EntityTicket,
				EntityID:   "t-9",
				TicketID:   "t-9",
				State:      domain.SyncStateFailedFatal,
				Error:      &message,
				Attempts:   10,
				UpdatedAt:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			}}, nil
		},
	}

	out, err := run(t, env, "sweep")
	require.NoError(t, err)
	assert.Equal(t, "retried 3, recovered 2, promoted 1, still failing 0\n", out)

	out, err = run(t, env, "failed", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "FAILED_FATAL")
	assert.Contains(t, out, message)

	out, err = run(t, env, "failed", "--limit", "5", "--json")
	require.NoError(t, err)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "t-9", rows[0]["entity_id"])
}

func TestCommandErrorsPropagate(t *testing.T) {
	env := &environment{sweep: func(context.Context) (service.SweepReport, error) {
		return service.SweepReport{}, errors.New("store down")
	}}
	_, err := run(t, env, "sweep")
	assert.EqualError(t, err, "store down")

	cmd := newRootCmd(func(context.Context) (*environment, error) { return nil, errors.New("missing TRACKER_URL") })
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"sweep"})
	assert.EqualError(t, cmd.Execute(), "missing TRACKER_URL")
}

func TestTokenCommandIssuesParsableToken(t *testing.T) {
	tokens := auth.NewTokenManager("cli-secret", 5)
	out, err := run(t, &environment{tokens: tokens}, "token", "ops-1", "--role", "OPERATOR")
	require.NoError(t, err)

	claims, err := tokens.ParseToken(string(bytes.TrimSpace([]byte(out))))
	require.NoError(t, err)
	assert.Equal(t, "ops-1", claims.Subject)
	assert.Equal(t, domain.RoleOperator, claims.Role)

	_, err = run(t, &environment{tokens: tokens}, "token", "ops-1", "--role", "ADMIN")
	assert.Error(t, err)
}
