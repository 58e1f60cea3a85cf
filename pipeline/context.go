package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/codegate/pipeline/session"
	"github.com/stacklok/codegate/types"
)

// Alert trigger types. These mirror the audit taxonomy: an alert names what
// tripped, not how the pipeline reacted.
const (
	TriggerSecret            = "secret"
	TriggerPII               = "pii"
	TriggerMaliciousPackage  = "malicious_package"
	TriggerDeprecatedPackage = "deprecated_package"
	TriggerArchivedPackage   = "archived_package"
	TriggerPolicy            = "policy"
)

// Alert categories.
const (
	CategoryCritical = "critical"
	CategoryInfo     = "info"
)

// Alert is one finding raised by a pipeline step. At least one of
// CodeSnippet and TriggerString is set.
type Alert struct {
	ID            string    `json:"id"`
	Step          string    `json:"step"`
	TriggerType   string    `json:"trigger_type"`
	TriggerString string    `json:"trigger_string,omitempty"`
	CodeSnippet   string    `json:"code_snippet,omitempty"`
	Category      string    `json:"trigger_category,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// WorkspaceSnapshot is the slice of workspace state a request runs under,
// captured at pipeline entry. In-flight requests keep the snapshot even if
// the session retargets mid-stream.
type WorkspaceSnapshot struct {
	ID                 string
	Name               string
	CustomInstructions string
}

// Context carries per-request state across steps. All side effects of a
// step — alerts, redaction bookkeeping, cross-step scratch data — go
// through here rather than through globals.
type Context struct {
	// ID is the prompt id; audit rows and alerts hang off it.
	ID string

	// SessionID scopes the substitution store.
	SessionID string

	// Workspace is the snapshot taken at request entry.
	Workspace WorkspaceSnapshot

	// Client is the detected assistant type.
	Client types.ClientType

	// Sensitive manages the session's reversible substitutions.
	Sensitive *session.Manager

	// Provider and Model are filled once routing is resolved.
	Provider string
	Model    string

	// Metadata is free-form scratch shared between steps. Keys are
	// namespaced by the owning package.
	Metadata map[string]any

	mu         sync.Mutex
	alerts     []Alert
	redactions map[session.Origin]map[string]int
}

// NewContext creates a request context with a fresh prompt id.
func NewContext(sessionID string, ws WorkspaceSnapshot, client types.ClientType, sensitive *session.Manager) *Context {
	return &Context{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Workspace:  ws,
		Client:     client,
		Sensitive:  sensitive,
		Metadata:   make(map[string]any),
		redactions: make(map[session.Origin]map[string]int),
	}
}

// AddAlert records a finding. ID and Timestamp are filled when absent.
func (c *Context) AddAlert(alert Alert) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}
	if alert.Category == "" {
		alert.Category = CategoryInfo
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
}

// Alerts returns a copy of all findings raised so far.
func (c *Context) Alerts() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Alert, len(c.alerts))
	copy(out, c.alerts)
	return out
}

// NoteRedaction counts one substitution so the response notifier can tell
// the user what was protected.
func (c *Context) NoteRedaction(origin session.Origin, subtype string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.redactions[origin]
	if !ok {
		m = make(map[string]int)
		c.redactions[origin] = m
	}
	m[subtype]++
}

// Redactions returns the number of substitutions made for an origin.
func (c *Context) Redactions(origin session.Origin) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.redactions[origin] {
		total += n
	}
	return total
}

// RedactionSubtypes returns per-subtype counts for an origin.
func (c *Context) RedactionSubtypes(origin session.Origin) map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.redactions[origin]))
	for k, v := range c.redactions[origin] {
		out[k] = v
	}
	return out
}
