package dto

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/opsdesk/tracker-sync/internal/service"
)

// trackerTimeLayout is the timestamp format of issue and comment fields.
const trackerTimeLayout = "2006-01-02T15:04:05.000-0700"

// TrackerWebhook is the delivery posted by the tracker.
type TrackerWebhook struct {
	Timestamp          int64           `json:"timestamp"`
	WebhookEvent       string          `json:"webhookEvent" validate:"required"`
	IssueEventTypeName string          `json:"issue_event_type_name"`
	Issue              *WebhookIssue   `json:"issue" validate:"required"`
	Comment            *WebhookComment `json:"comment"`
}

// WebhookIssue keeps fields raw so absent and null values can be told apart.
type WebhookIssue struct {
	ID     string                     `json:"id"`
	Key    string                     `json:"key" validate:"required"`
	Fields map[string]json.RawMessage `json:"fields"`
}

// WebhookComment is the comment part of comment deliveries.
type WebhookComment struct {
	ID      string         `json:"id" validate:"required"`
	Body    string         `json:"body"`
	Author  *WebhookPerson `json:"author"`
	Updated string         `json:"updated"`
}

// WebhookPerson is a tracker user reference.
type WebhookPerson struct {
	DisplayName string `json:"displayName"`
}

type namedValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CustomFieldIDs names the tracker custom fields carrying channel and target date.
type CustomFieldIDs struct {
	Channel    string
	TargetDate string
}

var webhookKinds = map[string]service.InboundKind{
	"jira:issue_created":   service.InboundIssueCreated,
	"jira:issue_updated":   service.InboundIssueUpdated,
	"jira:issue_deleted":   service.InboundIssueDeleted,
	"comment_created":      service.InboundCommentCreated,
	"comment_updated":      service.InboundCommentUpdated,
	"issue_commented":      service.InboundCommentCreated,
	"issue_comment_edited": service.InboundCommentUpdated,
}

// Kind resolves the delivery type. ok is false for events the sync ignores.
func (w *TrackerWebhook) Kind() (service.InboundKind, bool) {
	if w.Comment != nil {
		if kind, ok := webhookKinds[w.IssueEventTypeName]; ok {
			return kind, true
		}
	}
	kind, ok := webhookKinds[w.WebhookEvent]
	if ok && w.Comment == nil && (kind == service.InboundCommentCreated || kind == service.InboundCommentUpdated) {
		return "", false
	}
	return kind, ok
}

// ToInboundEvent converts a validated delivery. The revision is the delivery
// timestamp, falling back to the issue's updated field and then to now.
func (w *TrackerWebhook) ToInboundEvent(ids CustomFieldIDs, now time.Time) (service.InboundEvent, error) {
	kind, ok := w.Kind()
	if !ok {
		return service.InboundEvent{}, fmt.Errorf("unsupported webhook event %q", w.WebhookEvent)
	}
	fields, updated, err := decodeIssueFields(w.Issue.Fields, ids)
	if err != nil {
		return service.InboundEvent{}, err
	}

	event := service.InboundEvent{
		Kind:     kind,
		IssueKey: w.Issue.Key,
		Revision: w.Timestamp,
		Fields:   fields,
	}
	if event.Revision <= 0 {
		event.Revision = updated
	}
	if event.Revision <= 0 {
		event.Revision = now.UnixMilli()
	}

	if w.Comment != nil {
		comment := &service.InboundComment{ID: w.Comment.ID, Body: w.Comment.Body, Updated: event.Revision}
		if w.Comment.Author != nil {
			comment.Author = w.Comment.Author.DisplayName
		}
		if w.Comment.Updated != "" {
			ts, err := time.Parse(trackerTimeLayout, w.Comment.Updated)
			if err != nil {
				return service.InboundEvent{}, fmt.Errorf("comment updated: %w", err)
			}
			comment.Updated = ts.UnixMilli()
		}
		event.Comment = comment
	}
	return event, nil
}

func decodeIssueFields(raw map[string]json.RawMessage, ids CustomFieldIDs) (service.IssueFields, int64, error) {
	var (
		fields  service.IssueFields
		updated int64
		err     error
	)
	if fields.Summary, err = rawString(raw, "summary"); err != nil {
		return fields, 0, err
	}
	if fields.Description, err = rawString(raw, "description"); err != nil {
		return fields, 0, err
	}
	if fields.Status, err = rawName(raw, "status"); err != nil {
		return fields, 0, err
	}
	if fields.IssueType, err = rawName(raw, "issuetype"); err != nil {
		return fields, 0, err
	}
	if fields.Priority, err = rawName(raw, "priority"); err != nil {
		return fields, 0, err
	}
	if msg, ok := present(raw, "assignee"); ok {
		var person WebhookPerson
		if err := json.Unmarshal(msg, &person); err != nil {
			return fields, 0, fmt.Errorf("assignee: %w", err)
		}
		if person.DisplayName != "" {
			fields.Assignee = &person.DisplayName
		}
	}
	if msg, ok := present(raw, "labels"); ok {
		if err := json.Unmarshal(msg, &fields.Labels); err != nil {
			return fields, 0, fmt.Errorf("labels: %w", err)
		}
	}
	if ids.Channel != "" {
		if msg, ok := present(raw, ids.Channel); ok {
			value, err := optionValue(msg)
			if err != nil {
				return fields, 0, fmt.Errorf("%s: %w", ids.Channel, err)
			}
			fields.Channel = &value
		}
	}
	if ids.TargetDate != "" {
		date, err := rawString(raw, ids.TargetDate)
		if err != nil {
			return fields, 0, err
		}
		if date != nil && *date != "" {
			parsed, err := time.Parse("2006-01-02", *date)
			if err != nil {
				return fields, 0, fmt.Errorf("%s: %w", ids.TargetDate, err)
			}
			fields.TargetDate = &parsed
		}
	}
	stamp, err := rawString(raw, "updated")
	if err != nil {
		return fields, 0, err
	}
	if stamp != nil && *stamp != "" {
		ts, err := time.Parse(trackerTimeLayout, *stamp)
		if err != nil {
			return fields, 0, fmt.Errorf("updated: %w", err)
		}
		updated = ts.UnixMilli()
	}
	return fields, updated, nil
}

// present returns the raw value of key unless it is missing or null.
func present(raw map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	msg, ok := raw[key]
	if !ok || string(msg) == "null" {
		return nil, false
	}
	return msg, true
}

func rawString(raw map[string]json.RawMessage, key string) (*string, error) {
	msg, ok := raw[key]
	if !ok {
		return nil, nil
	}
	var s string
	if string(msg) != "null" {
		if err := json.Unmarshal(msg, &s); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
	}
	return &s, nil
}

func rawName(raw map[string]json.RawMessage, key string) (*string, error) {
	msg, ok := present(raw, key)
	if !ok {
		return nil, nil
	}
	var v namedValue
	if err := json.Unmarshal(msg, &v); err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	if v.Name == "" {
		return nil, nil
	}
	return &v.Name, nil
}

// optionValue accepts a select option object, a plain string or a number.
func optionValue(msg json.RawMessage) (string, error) {
	var v namedValue
	if err := json.Unmarshal(msg, &v); err == nil {
		if v.Value != "" {
			return v.Value, nil
		}
		return v.Name, nil
	}
	var s string
	if err := json.Unmarshal(msg, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(msg, &n); err != nil {
		return "", err
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return "", err
	}
	return n.String(), nil
}
