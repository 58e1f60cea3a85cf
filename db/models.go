// Package db persists the audit trail and the routing registry: prompts,
// outputs and alerts on the audit side; workspaces, the session row,
// provider endpoints and mux rules on the registry side. Schema changes
// go through internal/migration, not AutoMigrate.
package db

import (
	"time"
)

// Workspace is a named scope for routing rules, custom instructions and
// audit rows. The built-in "default" workspace always exists and is
// seeded by the migrator.
type Workspace struct {
	ID                 string     `gorm:"primaryKey;size:36" json:"id"`
	Name               string     `gorm:"size:255;not null;uniqueIndex" json:"name"`
	CustomInstructions string     `gorm:"type:text" json:"custom_instructions,omitempty"`
	ArchivedAt         *time.Time `json:"archived_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// TableName implements gorm's Tabler.
func (Workspace) TableName() string { return "workspaces" }

// Archived reports whether the workspace is soft-deleted.
func (w *Workspace) Archived() bool { return w.ArchivedAt != nil }

// Session records which workspace is active. Exactly one row exists at
// all times; activation rewrites it in place.
type Session struct {
	ID                string    `gorm:"primaryKey;size:36" json:"id"`
	ActiveWorkspaceID string    `gorm:"size:36;not null" json:"active_workspace_id"`
	LastUpdate        time.Time `gorm:"column:last_update" json:"last_update"`
}

// TableName implements gorm's Tabler.
func (Session) TableName() string { return "sessions" }

// ProviderEndpoint is a configured upstream. Global, not
// workspace-scoped; mux rules reference it by id.
type ProviderEndpoint struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	Name        string    `gorm:"size:255;not null;uniqueIndex" json:"name"`
	Description string    `gorm:"type:text;not null;default:''" json:"description,omitempty"`
	Kind        string    `gorm:"column:provider_type;size:32;not null" json:"provider_type"`
	BaseURL     string    `gorm:"column:endpoint;size:1024;not null" json:"endpoint"`
	AuthKind    string    `gorm:"column:auth_type;size:32;not null;default:none" json:"auth_type"`
	AuthBlob    string    `gorm:"column:auth_blob;size:1024;not null;default:''" json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName implements gorm's Tabler.
func (ProviderEndpoint) TableName() string { return "provider_endpoints" }

// Auth kinds accepted on provider endpoints.
const (
	AuthNone   = "none"
	AuthAPIKey = "api_key"
	AuthBearer = "bearer"
)

// ProviderModel is one model name served by an endpoint. Mux rules may
// only reference listed models.
type ProviderModel struct {
	EndpointID string `gorm:"column:provider_endpoint_id;primaryKey;size:36" json:"provider_endpoint_id"`
	Name       string `gorm:"primaryKey;size:255" json:"name"`
}

// TableName implements gorm's Tabler.
func (ProviderModel) TableName() string { return "provider_models" }

// MuxRule is one row of a workspace's routing table. Priority is the
// evaluation position, zero first.
type MuxRule struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	WorkspaceID string    `gorm:"size:36;not null;index:idx_mux_rules_workspace_priority" json:"workspace_id"`
	EndpointID  string    `gorm:"column:provider_endpoint_id;size:36;not null" json:"provider_endpoint_id"`
	ModelName   string    `gorm:"column:provider_model_name;size:255;not null" json:"model"`
	MatcherType string    `gorm:"size:32;not null" json:"matcher_type"`
	Matcher     string    `gorm:"column:matcher_blob;size:512;not null;default:''" json:"matcher,omitempty"`
	Priority    int       `gorm:"not null;index:idx_mux_rules_workspace_priority" json:"priority"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName implements gorm's Tabler.
func (MuxRule) TableName() string { return "mux_rules" }

// Prompt is one audited request, stored as normalized JSON after
// redaction. Secrets never reach this table.
type Prompt struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	Timestamp   time.Time `gorm:"not null" json:"timestamp"`
	Provider    string    `gorm:"size:64" json:"provider,omitempty"`
	Request     string    `gorm:"type:text;not null" json:"request"`
	Kind        string    `gorm:"column:type;size:16;not null" json:"type"`
	WorkspaceID string    `gorm:"size:36;index:idx_prompts_workspace_timestamp" json:"workspace_id,omitempty"`
}

// TableName implements gorm's Tabler.
func (Prompt) TableName() string { return "prompts" }

// Output is the recorded response for a prompt, with the token counts
// the usage step settled on.
type Output struct {
	ID               string    `gorm:"primaryKey;size:36" json:"id"`
	PromptID         string    `gorm:"size:36;not null;index" json:"prompt_id"`
	Timestamp        time.Time `gorm:"not null" json:"timestamp"`
	Output           string    `gorm:"type:text;not null" json:"output"`
	PromptTokens     *int      `json:"prompt_tokens,omitempty"`
	CompletionTokens *int      `json:"completion_tokens,omitempty"`
}

// TableName implements gorm's Tabler.
func (Output) TableName() string { return "outputs" }

// Alert is one pipeline finding hung off a prompt. At least one of
// CodeSnippet and TriggerString is populated.
type Alert struct {
	ID              string    `gorm:"primaryKey;size:36" json:"id"`
	PromptID        string    `gorm:"size:36;not null;index" json:"prompt_id"`
	CodeSnippet     string    `gorm:"type:text" json:"code_snippet,omitempty"`
	TriggerString   string    `gorm:"type:text" json:"trigger_string,omitempty"`
	TriggerType     string    `gorm:"size:64;not null" json:"trigger_type"`
	TriggerCategory string    `gorm:"size:32;index" json:"trigger_category,omitempty"`
	Timestamp       time.Time `gorm:"not null" json:"timestamp"`
}

// TableName implements gorm's Tabler.
func (Alert) TableName() string { return "alerts" }
