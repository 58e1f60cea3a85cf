// Package workspaces owns the workspace lifecycle and the session row:
// create/rename/archive/recover/delete, activation, custom instructions
// and the per-workspace mux rule tables. All mutations are serialized on
// one mutex; the active-workspace snapshot is published through an
// atomic pointer so the request path never takes a lock.
package workspaces

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/stacklok/codegate/db"
	"github.com/stacklok/codegate/muxing"
	"github.com/stacklok/codegate/types"
)

// DefaultName is the built-in workspace every install starts with. It
// cannot be renamed, archived or deleted.
const DefaultName = "default"

// reservedNames cannot be used as workspace names; they collide with
// the lifecycle routes of the management API.
var reservedNames = map[string]struct{}{
	DefaultName: {},
	"active":    {},
	"archived":  {},
}

// Sentinel errors. The management API maps them onto status codes:
// ErrNotFound → 404, ErrAlreadyExists/ErrAlreadyActive → 409,
// everything else → 400.
var (
	ErrEmptyName     = errors.New("workspace name cannot be empty")
	ErrReservedName  = errors.New("workspace name is reserved")
	ErrAlreadyExists = errors.New("workspace already exists")
	ErrNotFound      = errors.New("workspace does not exist")
	ErrAlreadyActive = errors.New("workspace is already active")
	ErrProtected     = errors.New("operation not allowed on the default workspace")
	ErrActive        = errors.New("cannot archive the active workspace")
	ErrNotArchived   = errors.New("workspace is not archived")
	ErrInvalidRule   = errors.New("invalid mux rule")
)

// Active is the lock-free snapshot of the current workspace. Requests
// capture it at pipeline entry and keep it for their whole lifetime.
type Active struct {
	ID                 string
	Name               string
	CustomInstructions string
	SessionID          string
}

// Info pairs a workspace row with its activation state for listings.
type Info struct {
	db.Workspace
	Active bool `json:"is_active"`
}

// MuxEntry is one routing rule as carried by the management API.
type MuxEntry struct {
	ProviderID  string `json:"provider_id"`
	Model       string `json:"model"`
	MatcherType string `json:"matcher_type"`
	Matcher     string `json:"matcher,omitempty"`
}

// Manager performs workspace and session CRUD and keeps the mux
// registry in sync with the persisted rule tables.
type Manager struct {
	db       *gorm.DB
	registry *muxing.Registry
	logger   *zap.Logger

	mu     sync.Mutex
	active atomic.Pointer[Active]
}

// NewManager wires the store and the rule registry together. Call
// Bootstrap before serving requests.
func NewManager(gdb *gorm.DB, registry *muxing.Registry, logger *zap.Logger) *Manager {
	return &Manager{
		db:       gdb,
		registry: registry,
		logger:   logger.With(zap.String("component", "workspaces")),
	}
}

// Bootstrap ensures the default workspace and the single session row
// exist, then loads every live workspace's rules into the registry.
func (m *Manager) Bootstrap(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ws db.Workspace
	err := m.db.WithContext(ctx).Where("name = ?", DefaultName).First(&ws).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		ws = db.Workspace{ID: uuid.NewString(), Name: DefaultName}
		if err := m.db.WithContext(ctx).Create(&ws).Error; err != nil {
			return fmt.Errorf("failed to create default workspace: %w", err)
		}
		m.logger.Info("default workspace created", zap.String("id", ws.ID))
	case err != nil:
		return fmt.Errorf("failed to load default workspace: %w", err)
	}

	var count int64
	if err := m.db.WithContext(ctx).Model(&db.Session{}).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to count sessions: %w", err)
	}
	if count == 0 {
		sess := db.Session{
			ID:                uuid.NewString(),
			ActiveWorkspaceID: ws.ID,
			LastUpdate:        time.Now().UTC(),
		}
		if err := m.db.WithContext(ctx).Create(&sess).Error; err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		m.logger.Info("session initialized", zap.String("workspace", DefaultName))
	}

	if err := m.refreshActive(ctx); err != nil {
		return err
	}
	return m.loadRegistryLocked(ctx)
}

// ActiveWorkspace returns the current snapshot. Nil only before
// Bootstrap.
func (m *Manager) ActiveWorkspace() *Active {
	return m.active.Load()
}

// Create adds a workspace. Reserved and taken names are rejected; the
// unique index covers archived rows too, so an archived name stays
// taken until hard delete.
func (m *Manager) Create(ctx context.Context, name string) (*db.Workspace, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var existing db.Workspace
	err := m.db.WithContext(ctx).Where("name = ?", name).First(&existing).Error
	if err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to check workspace name: %w", err)
	}

	ws := db.Workspace{ID: uuid.NewString(), Name: name}
	if err := m.db.WithContext(ctx).Create(&ws).Error; err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	m.logger.Info("workspace created", zap.String("name", name))
	return &ws, nil
}

// Rename changes a live workspace's name. The default workspace and
// reserved target names are rejected.
func (m *Manager) Rename(ctx context.Context, oldName, newName string) (*db.Workspace, error) {
	if oldName == "" || newName == "" {
		return nil, ErrEmptyName
	}
	if oldName == DefaultName {
		return nil, fmt.Errorf("%w: rename", ErrProtected)
	}
	if err := validateName(newName); err != nil {
		return nil, err
	}
	if oldName == newName {
		return nil, errors.New("old and new workspace names are the same")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ws, err := m.liveByName(ctx, oldName)
	if err != nil {
		return nil, err
	}

	var taken db.Workspace
	err = m.db.WithContext(ctx).Where("name = ?", newName).First(&taken).Error
	if err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, newName)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to check workspace name: %w", err)
	}

	ws.Name = newName
	if err := m.db.WithContext(ctx).Save(ws).Error; err != nil {
		return nil, fmt.Errorf("failed to rename workspace: %w", err)
	}

	m.registry.DeleteRules(oldName)
	if err := m.loadWorkspaceRulesLocked(ctx, ws); err != nil {
		return nil, err
	}
	if err := m.refreshActive(ctx); err != nil {
		return nil, err
	}
	m.logger.Info("workspace renamed",
		zap.String("from", oldName), zap.String("to", newName))
	return ws, nil
}

// List returns all live workspaces with their activation flag.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	var rows []db.Workspace
	if err := m.db.WithContext(ctx).
		Where("archived_at IS NULL").
		Order("name ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}

	activeID := ""
	if a := m.active.Load(); a != nil {
		activeID = a.ID
	}

	infos := make([]Info, len(rows))
	for i, ws := range rows {
		infos[i] = Info{Workspace: ws, Active: ws.ID == activeID}
	}
	return infos, nil
}

// ListArchived returns soft-deleted workspaces.
func (m *Manager) ListArchived(ctx context.Context) ([]db.Workspace, error) {
	var rows []db.Workspace
	if err := m.db.WithContext(ctx).
		Where("archived_at IS NOT NULL").
		Order("archived_at DESC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list archived workspaces: %w", err)
	}
	return rows, nil
}

// Get returns a live workspace by name.
func (m *Manager) Get(ctx context.Context, name string) (*db.Workspace, error) {
	return m.liveByName(ctx, name)
}

// Activate points the session at the named workspace. Concurrent
// activations are serialized; activating the already-active workspace
// is an error so clients notice redundant switches.
func (m *Manager) Activate(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, err := m.liveByName(ctx, name)
	if err != nil {
		return err
	}

	sess, err := m.singleSession(ctx)
	if err != nil {
		return err
	}
	if sess.ActiveWorkspaceID == ws.ID {
		return fmt.Errorf("%w: %s", ErrAlreadyActive, name)
	}

	sess.ActiveWorkspaceID = ws.ID
	sess.LastUpdate = time.Now().UTC()
	if err := m.db.WithContext(ctx).Save(sess).Error; err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	if err := m.refreshActive(ctx); err != nil {
		return err
	}
	m.logger.Info("workspace activated", zap.String("name", name))
	return nil
}

// SetCustomInstructions replaces the workspace's instruction text.
func (m *Manager) SetCustomInstructions(ctx context.Context, name, text string) (*db.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, err := m.liveByName(ctx, name)
	if err != nil {
		return nil, err
	}

	ws.CustomInstructions = text
	if err := m.db.WithContext(ctx).Save(ws).Error; err != nil {
		return nil, fmt.Errorf("failed to update custom instructions: %w", err)
	}
	if err := m.refreshActive(ctx); err != nil {
		return nil, err
	}
	return ws, nil
}

// Archive soft-deletes a workspace. The default and the active
// workspace cannot be archived; rule rows are kept for recovery but the
// registry stops routing the workspace immediately.
func (m *Manager) Archive(ctx context.Context, name string) error {
	if name == "" {
		return ErrEmptyName
	}
	if name == DefaultName {
		return fmt.Errorf("%w: archive", ErrProtected)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ws, err := m.liveByName(ctx, name)
	if err != nil {
		return err
	}
	if a := m.active.Load(); a != nil && a.ID == ws.ID {
		return ErrActive
	}

	now := time.Now().UTC()
	ws.ArchivedAt = &now
	if err := m.db.WithContext(ctx).Save(ws).Error; err != nil {
		return fmt.Errorf("failed to archive workspace: %w", err)
	}

	m.registry.DeleteRules(name)
	m.logger.Info("workspace archived", zap.String("name", name))
	return nil
}

// Recover brings an archived workspace back, including its rule table.
func (m *Manager) Recover(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, err := m.archivedByName(ctx, name)
	if err != nil {
		return err
	}

	if err := m.db.WithContext(ctx).Model(ws).Update("archived_at", nil).Error; err != nil {
		return fmt.Errorf("failed to recover workspace: %w", err)
	}
	ws.ArchivedAt = nil

	if err := m.loadWorkspaceRulesLocked(ctx, ws); err != nil {
		return err
	}
	m.logger.Info("workspace recovered", zap.String("name", name))
	return nil
}

// HardDelete removes an archived workspace and its rule rows for good.
// Live workspaces must be archived first.
func (m *Manager) HardDelete(ctx context.Context, name string) error {
	if name == "" {
		return ErrEmptyName
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ws, err := m.archivedByName(ctx, name)
	if err != nil {
		return err
	}

	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("workspace_id = ?", ws.ID).Delete(&db.MuxRule{}).Error; err != nil {
			return err
		}
		return tx.Delete(ws).Error
	})
	if err != nil {
		return fmt.Errorf("failed to delete workspace: %w", err)
	}

	m.registry.DeleteRules(name)
	m.logger.Info("workspace deleted", zap.String("name", name))
	return nil
}

// Muxes returns the workspace's rule table in priority order.
func (m *Manager) Muxes(ctx context.Context, name string) ([]MuxEntry, error) {
	ws, err := m.liveByName(ctx, name)
	if err != nil {
		return nil, err
	}

	var rows []db.MuxRule
	if err := m.db.WithContext(ctx).
		Where("workspace_id = ?", ws.ID).
		Order("priority ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load mux rules: %w", err)
	}

	entries := make([]MuxEntry, len(rows))
	for i, r := range rows {
		entries[i] = MuxEntry{
			ProviderID:  r.EndpointID,
			Model:       r.ModelName,
			MatcherType: r.MatcherType,
			Matcher:     r.Matcher,
		}
	}
	return entries, nil
}

// SetMuxes replaces the workspace's rule table. Every entry must name
// an existing endpoint and one of its listed models; validation happens
// before anything is written, so a bad entry leaves the old table in
// place.
func (m *Manager) SetMuxes(ctx context.Context, name string, entries []MuxEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, err := m.liveByName(ctx, name)
	if err != nil {
		return err
	}

	rules := make([]muxing.Rule, 0, len(entries))
	rows := make([]db.MuxRule, 0, len(entries))
	for i, e := range entries {
		var ep db.ProviderEndpoint
		err := m.db.WithContext(ctx).First(&ep, "id = ?", e.ProviderID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: provider endpoint %s does not exist", ErrInvalidRule, e.ProviderID)
		}
		if err != nil {
			return fmt.Errorf("failed to load provider endpoint: %w", err)
		}

		var modelCount int64
		if err := m.db.WithContext(ctx).Model(&db.ProviderModel{}).
			Where("provider_endpoint_id = ? AND name = ?", e.ProviderID, e.Model).
			Count(&modelCount).Error; err != nil {
			return fmt.Errorf("failed to check provider model: %w", err)
		}
		if modelCount == 0 {
			return fmt.Errorf("%w: model %s is not listed for provider %s", ErrInvalidRule, e.Model, ep.Name)
		}

		rule := muxing.Rule{
			ID:      uuid.NewString(),
			Matcher: muxing.MatcherType(e.MatcherType),
			Pattern: e.Matcher,
			Route: muxing.Route{
				Endpoint: endpointToRoute(ep),
				Model:    e.Model,
			},
		}
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}

		rules = append(rules, rule)
		rows = append(rows, db.MuxRule{
			ID:          rule.ID,
			WorkspaceID: ws.ID,
			EndpointID:  e.ProviderID,
			ModelName:   e.Model,
			MatcherType: e.MatcherType,
			Matcher:     e.Matcher,
			Priority:    i,
		})
	}

	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("workspace_id = ?", ws.ID).Delete(&db.MuxRule{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return fmt.Errorf("failed to store mux rules: %w", err)
	}

	if err := m.registry.SetRules(ws.Name, rules); err != nil {
		return err
	}
	m.logger.Info("mux rules updated",
		zap.String("workspace", name), zap.Int("rules", len(rules)))
	return nil
}

// LoadRegistry rebuilds every live workspace's rule table in the
// registry from the store.
func (m *Manager) LoadRegistry(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadRegistryLocked(ctx)
}

func (m *Manager) loadRegistryLocked(ctx context.Context) error {
	var rows []db.Workspace
	if err := m.db.WithContext(ctx).
		Where("archived_at IS NULL").
		Find(&rows).Error; err != nil {
		return fmt.Errorf("failed to list workspaces: %w", err)
	}
	for i := range rows {
		if err := m.loadWorkspaceRulesLocked(ctx, &rows[i]); err != nil {
			return err
		}
	}
	return nil
}

// loadWorkspaceRulesLocked compiles one workspace's persisted rules and
// installs them. Callers hold mu.
func (m *Manager) loadWorkspaceRulesLocked(ctx context.Context, ws *db.Workspace) error {
	var rows []db.MuxRule
	if err := m.db.WithContext(ctx).
		Where("workspace_id = ?", ws.ID).
		Order("priority ASC").
		Find(&rows).Error; err != nil {
		return fmt.Errorf("failed to load mux rules: %w", err)
	}

	rules := make([]muxing.Rule, 0, len(rows))
	for _, r := range rows {
		var ep db.ProviderEndpoint
		err := m.db.WithContext(ctx).First(&ep, "id = ?", r.EndpointID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Endpoint removed out from under the rule; skip rather
			// than break the whole table.
			m.logger.Warn("mux rule references missing endpoint",
				zap.String("workspace", ws.Name),
				zap.String("endpoint_id", r.EndpointID))
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load provider endpoint: %w", err)
		}
		rules = append(rules, muxing.Rule{
			ID:      r.ID,
			Matcher: muxing.MatcherType(r.MatcherType),
			Pattern: r.Matcher,
			Route: muxing.Route{
				Endpoint: endpointToRoute(ep),
				Model:    r.ModelName,
			},
		})
	}
	return m.registry.SetRules(ws.Name, rules)
}

// refreshActive re-reads the session row and publishes a new snapshot.
// Callers hold mu.
func (m *Manager) refreshActive(ctx context.Context) error {
	sess, err := m.singleSession(ctx)
	if err != nil {
		return err
	}

	var ws db.Workspace
	if err := m.db.WithContext(ctx).First(&ws, "id = ?", sess.ActiveWorkspaceID).Error; err != nil {
		return fmt.Errorf("failed to load active workspace: %w", err)
	}

	m.active.Store(&Active{
		ID:                 ws.ID,
		Name:               ws.Name,
		CustomInstructions: ws.CustomInstructions,
		SessionID:          sess.ID,
	})
	return nil
}

// singleSession loads the session row and enforces that exactly one
// exists.
func (m *Manager) singleSession(ctx context.Context) (*db.Session, error) {
	var sessions []db.Session
	if err := m.db.WithContext(ctx).Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	if len(sessions) != 1 {
		return nil, fmt.Errorf("expected exactly one session row, found %d", len(sessions))
	}
	return &sessions[0], nil
}

// liveByName loads a non-archived workspace.
func (m *Manager) liveByName(ctx context.Context, name string) (*db.Workspace, error) {
	var ws db.Workspace
	err := m.db.WithContext(ctx).
		Where("name = ? AND archived_at IS NULL", name).
		First(&ws).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workspace: %w", err)
	}
	return &ws, nil
}

// archivedByName loads an archived workspace; a live row with the name
// yields ErrNotArchived so the caller can distinguish.
func (m *Manager) archivedByName(ctx context.Context, name string) (*db.Workspace, error) {
	var ws db.Workspace
	err := m.db.WithContext(ctx).Where("name = ?", name).First(&ws).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workspace: %w", err)
	}
	if ws.ArchivedAt == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotArchived, name)
	}
	return &ws, nil
}

func validateName(name string) error {
	if name == "" {
		return ErrEmptyName
	}
	if _, ok := reservedNames[name]; ok {
		return fmt.Errorf("%w: %s", ErrReservedName, name)
	}
	return nil
}

func endpointToRoute(ep db.ProviderEndpoint) muxing.Endpoint {
	return muxing.Endpoint{
		ID:      ep.ID,
		Name:    ep.Name,
		Kind:    types.ProviderKind(ep.Kind),
		BaseURL: ep.BaseURL,
		APIKey:  ep.AuthBlob,
	}
}
