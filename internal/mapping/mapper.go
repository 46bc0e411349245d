package mapping

import (
	"strings"

	"go.uber.org/zap"

	"github.com/opsdesk/tracker-sync/internal/domain"
)

// Field names the vocabulary a translation belongs to.
type Field string

const (
	FieldStatus    Field = "status"
	FieldIssueType Field = "issue_type"
	FieldPriority  Field = "priority"
	FieldChannel   Field = "channel"
)

// UnmappedHook is invoked whenever a value has no counterpart.
type UnmappedHook func(field Field, value string)

// Mapper translates between local enums and tracker field values. Every
// method is total: unknown input yields a sentinel, never a panic or error.
type Mapper struct {
	logger           *zap.Logger
	hooks            []UnmappedHook
	defaultIssueType string
}

// Option customizes a Mapper.
type Option func(*Mapper)

// WithUnmappedHook registers an extra callback for unmapped values.
func WithUnmappedHook(hook UnmappedHook) Option {
	return func(m *Mapper) {
		if hook != nil {
			m.hooks = append(m.hooks, hook)
		}
	}
}

// WithDefaultIssueType sets the issue type used for unmapped ticket types.
func WithDefaultIssueType(name string) Option {
	return func(m *Mapper) {
		if name != "" {
			m.defaultIssueType = name
		}
	}
}

// New builds a Mapper that logs unmapped values through logger.
func New(logger *zap.Logger, opts ...Option) *Mapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Mapper{logger: logger, defaultIssueType: "Task"}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var statusToExternal = map[domain.TicketStatus]string{
	domain.TicketStatusOpen:        "To Do",
	domain.TicketStatusInProgress:  "In Progress",
	domain.TicketStatusPendingUser: "Waiting for Customer",
	domain.TicketStatusResolved:    "Done",
	domain.TicketStatusClosed:      "Closed",
	domain.TicketStatusCancelled:   "Cancelled",
}

// statusAliases are accepted inbound only.
var statusAliases = map[string]domain.TicketStatus{
	"open":      domain.TicketStatusOpen,
	"resolved":  domain.TicketStatusResolved,
	"won't do":  domain.TicketStatusCancelled,
	"canceled":  domain.TicketStatusCancelled,
	"backlog":   domain.TicketStatusOpen,
	"in review": domain.TicketStatusInProgress,
}

var typeToExternal = map[domain.TicketType]string{
	domain.TicketTypeBug:        "Bug",
	domain.TicketTypeRequest:    "Task",
	domain.TicketTypeAssistance: "Support",
}

var priorityToExternal = map[domain.TicketPriority]string{
	domain.TicketPriorityLow:    "Low",
	domain.TicketPriorityMedium: "Medium",
	domain.TicketPriorityHigh:   "High",
	domain.TicketPriorityUrgent: "Highest",
}

var channels = []domain.TicketChannel{
	domain.TicketChannelEmail,
	domain.TicketChannelPhone,
	domain.TicketChannelPortal,
	domain.TicketChannelChat,
}

var (
	statusFromExternal   = invert(statusToExternal)
	typeFromExternal     = invert(typeToExternal)
	priorityFromExternal = invert(priorityToExternal)
)

// ToExternalStatus returns the tracker status name. ok is false for statuses
// that have no tracker counterpart; callers must then leave the field alone.
func (m *Mapper) ToExternalStatus(status domain.TicketStatus) (string, bool) {
	name, ok := statusToExternal[status]
	if !ok {
		m.unmapped(FieldStatus, string(status))
	}
	return name, ok
}

// FromExternalStatus maps a tracker status name, case-insensitively.
func (m *Mapper) FromExternalStatus(name string) domain.TicketStatus {
	key := normalize(name)
	if status, ok := statusFromExternal[key]; ok {
		return status
	}
	if status, ok := statusAliases[key]; ok {
		return status
	}
	m.unmapped(FieldStatus, name)
	return domain.TicketStatusUnmapped
}

// ToExternalIssueType returns the tracker issue type, falling back to the
// configured default for unmapped ticket types.
func (m *Mapper) ToExternalIssueType(ticketType domain.TicketType) (string, bool) {
	name, ok := typeToExternal[ticketType]
	if !ok {
		m.unmapped(FieldIssueType, string(ticketType))
		return m.defaultIssueType, false
	}
	return name, true
}

// FromExternalIssueType maps a tracker issue type name.
func (m *Mapper) FromExternalIssueType(name string) domain.TicketType {
	if ticketType, ok := typeFromExternal[normalize(name)]; ok {
		return ticketType
	}
	m.unmapped(FieldIssueType, name)
	return domain.TicketTypeUnmapped
}

func (m *Mapper) ToExternalPriority(priority domain.TicketPriority) (string, bool) {
	name, ok := priorityToExternal[priority]
	if !ok {
		m.unmapped(FieldPriority, string(priority))
	}
	return name, ok
}

func (m *Mapper) FromExternalPriority(name string) domain.TicketPriority {
	if priority, ok := priorityFromExternal[normalize(name)]; ok {
		return priority
	}
	m.unmapped(FieldPriority, name)
	return domain.TicketPriorityUnmapped
}

// ToExternalChannel returns the custom field value for a channel.
func (m *Mapper) ToExternalChannel(channel domain.TicketChannel) (string, bool) {
	for _, known := range channels {
		if known == channel {
			return strings.ToLower(string(channel)), true
		}
	}
	m.unmapped(FieldChannel, string(channel))
	return "", false
}

func (m *Mapper) FromExternalChannel(value string) domain.TicketChannel {
	upper := domain.TicketChannel(strings.ToUpper(strings.TrimSpace(value)))
	for _, known := range channels {
		if known == upper {
			return known
		}
	}
	m.unmapped(FieldChannel, value)
	return domain.TicketChannelUnmapped
}

func (m *Mapper) unmapped(field Field, value string) {
	m.logger.Warn("unmapped tracker value",
		zap.String("field", string(field)),
		zap.String("value", value))
	for _, hook := range m.hooks {
		hook(field, value)
	}
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func invert[K ~string](in map[K]string) map[string]K {
	out := make(map[string]K, len(in))
	for k, v := range in {
		out[normalize(v)] = k
	}
	return out
}
