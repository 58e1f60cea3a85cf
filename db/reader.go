package db

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// Query limits for the readout endpoints.
const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// PromptQuery filters the prompt readout.
type PromptQuery struct {
	WorkspaceID string
	Kind        string
	Limit       int
	Offset      int
}

// AlertQuery filters the alert readout.
type AlertQuery struct {
	WorkspaceID string
	Category    string
	TriggerType string
	Limit       int
}

// PromptDetail is a prompt row with its outputs and alerts attached.
type PromptDetail struct {
	Prompt
	Outputs []Output `json:"outputs,omitempty"`
	Alerts  []Alert  `json:"alerts,omitempty"`
}

// Reader serves the audit readout for the management API.
type Reader struct {
	db *gorm.DB
}

// NewReader wraps a database handle for read-only audit queries.
func NewReader(gdb *gorm.DB) *Reader {
	return &Reader{db: gdb}
}

// ListPrompts returns prompt rows newest first, with outputs and alerts
// stitched in.
func (r *Reader) ListPrompts(ctx context.Context, q PromptQuery) ([]PromptDetail, error) {
	tx := r.db.WithContext(ctx).Model(&Prompt{}).
		Order("timestamp DESC").
		Limit(clampLimit(q.Limit)).
		Offset(q.Offset)
	if q.WorkspaceID != "" {
		tx = tx.Where("workspace_id = ?", q.WorkspaceID)
	}
	if q.Kind != "" {
		tx = tx.Where("type = ?", q.Kind)
	}

	var prompts []Prompt
	if err := tx.Find(&prompts).Error; err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}
	if len(prompts) == 0 {
		return []PromptDetail{}, nil
	}

	ids := make([]string, len(prompts))
	for i, p := range prompts {
		ids[i] = p.ID
	}

	var outputs []Output
	if err := r.db.WithContext(ctx).
		Where("prompt_id IN ?", ids).
		Order("timestamp ASC").
		Find(&outputs).Error; err != nil {
		return nil, fmt.Errorf("failed to load outputs: %w", err)
	}

	var alerts []Alert
	if err := r.db.WithContext(ctx).
		Where("prompt_id IN ?", ids).
		Order("timestamp ASC").
		Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("failed to load alerts: %w", err)
	}

	outputsByPrompt := make(map[string][]Output, len(prompts))
	for _, o := range outputs {
		outputsByPrompt[o.PromptID] = append(outputsByPrompt[o.PromptID], o)
	}
	alertsByPrompt := make(map[string][]Alert, len(prompts))
	for _, a := range alerts {
		alertsByPrompt[a.PromptID] = append(alertsByPrompt[a.PromptID], a)
	}

	details := make([]PromptDetail, len(prompts))
	for i, p := range prompts {
		details[i] = PromptDetail{
			Prompt:  p,
			Outputs: outputsByPrompt[p.ID],
			Alerts:  alertsByPrompt[p.ID],
		}
	}
	return details, nil
}

// GetPrompt returns one prompt with its outputs and alerts, or
// gorm.ErrRecordNotFound.
func (r *Reader) GetPrompt(ctx context.Context, id string) (*PromptDetail, error) {
	var prompt Prompt
	if err := r.db.WithContext(ctx).First(&prompt, "id = ?", id).Error; err != nil {
		return nil, err
	}

	detail := PromptDetail{Prompt: prompt}
	if err := r.db.WithContext(ctx).
		Where("prompt_id = ?", id).
		Order("timestamp ASC").
		Find(&detail.Outputs).Error; err != nil {
		return nil, fmt.Errorf("failed to load outputs: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Where("prompt_id = ?", id).
		Order("timestamp ASC").
		Find(&detail.Alerts).Error; err != nil {
		return nil, fmt.Errorf("failed to load alerts: %w", err)
	}
	return &detail, nil
}

// ListAlerts returns alert rows newest first. A workspace filter joins
// through prompts.
func (r *Reader) ListAlerts(ctx context.Context, q AlertQuery) ([]Alert, error) {
	tx := r.db.WithContext(ctx).Model(&Alert{}).
		Order("alerts.timestamp DESC").
		Limit(clampLimit(q.Limit))
	if q.Category != "" {
		tx = tx.Where("alerts.trigger_category = ?", q.Category)
	}
	if q.TriggerType != "" {
		tx = tx.Where("alerts.trigger_type = ?", q.TriggerType)
	}
	if q.WorkspaceID != "" {
		tx = tx.Joins("JOIN prompts ON prompts.id = alerts.prompt_id").
			Where("prompts.workspace_id = ?", q.WorkspaceID)
	}

	var alerts []Alert
	if err := tx.Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return alerts, nil
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultPageSize
	case n > maxPageSize:
		return maxPageSize
	default:
		return n
	}
}
