package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jira "github.com/andygrunwald/go-jira"
	"github.com/trivago/tgo/tcontainer"
	"go.uber.org/zap"

	"github.com/opsdesk/tracker-sync/internal/config"
	"github.com/opsdesk/tracker-sync/internal/retry"
)

const defaultRequestTimeout = 20 * time.Second

// Client handles interactions with the tracker REST API. It holds no state
// besides the configured connection and is safe for concurrent use.
type Client struct {
	client *jira.Client
	policy retry.Policy
	logger *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithPolicy overrides the retry policy applied to every call.
func WithPolicy(policy retry.Policy) Option {
	return func(c *Client) {
		c.policy = policy
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a tracker client from the configured URL and credential pair.
func NewClient(cfg config.TrackerConfig, opts ...Option) (*Client, error) {
	var missing []string
	if cfg.URL == "" {
		missing = append(missing, "TRACKER_URL")
	}
	if cfg.Username == "" {
		missing = append(missing, "TRACKER_USERNAME")
	}
	if cfg.Token == "" {
		missing = append(missing, "TRACKER_TOKEN")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("tracker client: missing configuration %v", missing)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	tp := &jira.BasicAuthTransport{
		Username: cfg.Username,
		Password: cfg.Token,
	}
	httpClient := &http.Client{Transport: tp, Timeout: timeout}

	jiraClient, err := jira.NewClient(httpClient, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("tracker client: %w", err)
	}

	c := &Client{
		client: jiraClient,
		policy: retry.TrackerPolicy(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CreateIssue creates an issue and returns its key.
func (c *Client) CreateIssue(ctx context.Context, input IssueInput) (string, error) {
	if strings.TrimSpace(input.ProjectKey) == "" || strings.TrimSpace(input.IssueType) == "" || strings.TrimSpace(input.Summary) == "" {
		return "", &Error{Kind: KindValidation, Op: "create issue", Message: "project key, issue type and summary are required"}
	}

	fields := &jira.IssueFields{
		Project:     jira.Project{Key: input.ProjectKey},
		Type:        jira.IssueType{Name: input.IssueType},
		Summary:     input.Summary,
		Description: input.Description,
		Labels:      issueLabels(input),
	}
	if input.Priority != "" {
		fields.Priority = &jira.Priority{Name: input.Priority}
	}
	if len(input.CustomFields) > 0 {
		fields.Unknowns = tcontainer.MarshalMap{}
		for id, value := range input.CustomFields {
			fields.Unknowns[id] = value
		}
	}

	// The lookup also runs before the first POST: an earlier call whose
	// response was lost may already have created the issue.
	attempt := 0
	return retry.Do(ctx, c.retryPolicy("create issue"), func(ctx context.Context) (string, error) {
		attempt++
		if attempt > 1 || input.IdempotencyLabel != "" {
			key, err := c.findExistingIssue(ctx, input)
			if err != nil {
				return "", err
			}
			if key != "" {
				c.logger.Info("duplicate create suspected; reusing existing issue",
					zap.String("external_key", key),
					zap.Int("attempt", attempt))
				return key, nil
			}
		}

		created, resp, err := c.client.Issue.CreateWithContext(ctx, &jira.Issue{Fields: fields})
		if err != nil {
			return "", classify("create issue", httpResponse(resp), err, describe(resp, err))
		}
		if created == nil || created.Key == "" {
			return "", &Error{Kind: KindTransient, Op: "create issue", Message: "response carried no issue key"}
		}
		return created.Key, nil
	})
}

// GetIssue fetches an issue snapshot. A missing issue is a NotFound error.
func (c *Client) GetIssue(ctx context.Context, key string, fields []string) (*IssueSnapshot, error) {
	if strings.TrimSpace(key) == "" {
		return nil, &Error{Kind: KindValidation, Op: "get issue", Message: "issue key is required"}
	}

	var opts *jira.GetQueryOptions
	if len(fields) > 0 {
		opts = &jira.GetQueryOptions{Fields: strings.Join(fields, ",")}
	}

	return retry.Do(ctx, c.retryPolicy("get issue"), func(ctx context.Context) (*IssueSnapshot, error) {
		issue, resp, err := c.client.Issue.GetWithContext(ctx, key, opts)
		if err != nil {
			return nil, classify("get issue", httpResponse(resp), err, describe(resp, err))
		}
		return snapshotFromIssue(issue), nil
	})
}

// UpdateIssue applies a partial update. Status changes are performed through
// the workflow transition leading to the requested status.
func (c *Client) UpdateIssue(ctx context.Context, key string, delta FieldDelta) error {
	if strings.TrimSpace(key) == "" {
		return &Error{Kind: KindValidation, Op: "update issue", Message: "issue key is required"}
	}

	if fields := updateFields(delta); len(fields) > 0 {
		payload := map[string]interface{}{"fields": fields}
		err := c.retryPolicy("update issue").Execute(ctx, func(ctx context.Context) error {
			resp, err := c.client.Issue.UpdateIssueWithContext(ctx, key, payload)
			if err != nil {
				return classify("update issue", httpResponse(resp), err, describe(resp, err))
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if delta.Status != nil {
		return c.transition(ctx, key, *delta.Status)
	}
	return nil
}

// CreateComment adds a comment to an issue and returns the comment id.
func (c *Client) CreateComment(ctx context.Context, input CommentInput) (string, error) {
	if strings.TrimSpace(input.IssueKey) == "" || strings.TrimSpace(input.Body) == "" {
		return "", &Error{Kind: KindValidation, Op: "create comment", Message: "issue key and body are required"}
	}

	attempt := 0
	return retry.Do(ctx, c.retryPolicy("create comment"), func(ctx context.Context) (string, error) {
		attempt++
		if attempt > 1 && input.Existing != nil {
			id, err := input.Existing(ctx)
			if err != nil {
				return "", err
			}
			if id != "" {
				return id, nil
			}
		}

		comment, resp, err := c.client.Issue.AddCommentWithContext(ctx, input.IssueKey, &jira.Comment{Body: input.Body})
		if err != nil {
			return "", classify("create comment", httpResponse(resp), err, describe(resp, err))
		}
		if comment == nil || comment.ID == "" {
			return "", &Error{Kind: KindTransient, Op: "create comment", Message: "response carried no comment id"}
		}
		return comment.ID, nil
	})
}

func (c *Client) transition(ctx context.Context, key, status string) error {
	transitions, err := retry.Do(ctx, c.retryPolicy("get transitions"), func(ctx context.Context) ([]jira.Transition, error) {
		list, resp, err := c.client.Issue.GetTransitionsWithContext(ctx, key)
		if err != nil {
			return nil, classify("get transitions", httpResponse(resp), err, describe(resp, err))
		}
		return list, nil
	})
	if err != nil {
		return err
	}

	for _, t := range transitions {
		if strings.EqualFold(t.To.Name, status) || strings.EqualFold(t.Name, status) {
			return c.retryPolicy("transition issue").Execute(ctx, func(ctx context.Context) error {
				resp, err := c.client.Issue.DoTransitionWithContext(ctx, key, t.ID)
				if err != nil {
					return classify("transition issue", httpResponse(resp), err, describe(resp, err))
				}
				return nil
			})
		}
	}

	// The workflow offers no transition into the current status.
	current, err := c.GetIssue(ctx, key, []string{"status"})
	if err != nil {
		return err
	}
	if current.Status != nil && strings.EqualFold(*current.Status, status) {
		return nil
	}
	return &Error{Kind: KindValidation, Op: "transition issue", Message: fmt.Sprintf("no transition to status %q", status)}
}

func (c *Client) findExistingIssue(ctx context.Context, input IssueInput) (string, error) {
	if input.Existing != nil {
		key, err := input.Existing(ctx)
		if err != nil || key != "" {
			return key, err
		}
	}
	if input.IdempotencyLabel == "" {
		return "", nil
	}

	jql := fmt.Sprintf(`project = "%s" AND labels = "%s"`, input.ProjectKey, input.IdempotencyLabel)
	issues, resp, err := c.client.Issue.SearchWithContext(ctx, jql, &jira.SearchOptions{MaxResults: 1, Fields: []string{"key"}})
	if err != nil {
		return "", classify("search issue", httpResponse(resp), err, describe(resp, err))
	}
	if len(issues) == 0 {
		return "", nil
	}
	return issues[0].Key, nil
}

func (c *Client) retryPolicy(op string) retry.Policy {
	policy := c.policy
	logger := c.logger
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		logger.Warn("tracker call failed; retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("error_kind", string(KindOf(err))),
			zap.Error(err))
	}
	return policy
}

func issueLabels(input IssueInput) []string {
	labels := append([]string{}, input.Labels...)
	if input.IdempotencyLabel != "" {
		labels = append(labels, input.IdempotencyLabel)
	}
	if len(labels) == 0 {
		return nil
	}
	return labels
}

func updateFields(delta FieldDelta) map[string]interface{} {
	fields := map[string]interface{}{}
	if delta.Summary != nil {
		fields["summary"] = *delta.Summary
	}
	if delta.Description != nil {
		fields["description"] = *delta.Description
	}
	if delta.IssueType != nil {
		fields["issuetype"] = map[string]string{"name": *delta.IssueType}
	}
	if delta.Priority != nil {
		fields["priority"] = map[string]string{"name": *delta.Priority}
	}
	for id, value := range delta.CustomFields {
		fields[id] = value
	}
	return fields
}

func snapshotFromIssue(issue *jira.Issue) *IssueSnapshot {
	if issue == nil {
		return &IssueSnapshot{}
	}
	snap := &IssueSnapshot{ID: issue.ID, Key: issue.Key}
	f := issue.Fields
	if f == nil {
		return snap
	}
	snap.Summary = nonEmpty(f.Summary)
	snap.Description = nonEmpty(f.Description)
	snap.IssueType = nonEmpty(f.Type.Name)
	if f.Status != nil {
		snap.Status = nonEmpty(f.Status.Name)
	}
	if f.Priority != nil {
		snap.Priority = nonEmpty(f.Priority.Name)
	}
	if f.Assignee != nil {
		snap.AssigneeName = nonEmpty(f.Assignee.DisplayName)
	}
	snap.Labels = f.Labels
	snap.Updated = time.Time(f.Updated)
	if len(f.Unknowns) > 0 {
		snap.Custom = make(map[string]any, len(f.Unknowns))
		for k, v := range f.Unknowns {
			if v != nil {
				snap.Custom[k] = v
			}
		}
	}
	return snap
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func httpResponse(resp *jira.Response) *http.Response {
	if resp == nil {
		return nil
	}
	return resp.Response
}

func describe(resp *jira.Response, err error) string {
	var jiraErr *jira.Error
	if errors.As(err, &jiraErr) {
		return jiraErr.Error()
	}
	if resp != nil && resp.Response != nil && resp.Body != nil {
		if detailed := jira.NewJiraError(resp, err); detailed != nil {
			return detailed.Error()
		}
	}
	return err.Error()
}
