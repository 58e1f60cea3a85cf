package workspaces

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/stacklok/codegate/db"
	"github.com/stacklok/codegate/muxing"
	"github.com/stacklok/codegate/types"
)

// Endpoint errors, mapped by the management API like the workspace
// ones.
var (
	ErrEndpointNotFound = errors.New("provider endpoint does not exist")
	ErrEndpointExists   = errors.New("provider endpoint already exists")
	ErrInvalidEndpoint  = errors.New("invalid provider endpoint")
)

// ModelLister queries a provider for the models it serves. The gateway
// supplies an implementation backed by the provider normalizers; nil
// disables discovery.
type ModelLister interface {
	ListModels(ctx context.Context, endpoint muxing.Endpoint) ([]string, error)
}

// ModelRef names one model of one endpoint for listings.
type ModelRef struct {
	Name         string `json:"name"`
	ProviderID   string `json:"provider_id"`
	ProviderName string `json:"provider_name"`
}

// Endpoints performs CRUD on provider endpoints and their model lists.
// Endpoint changes re-resolve the mux registry since compiled rules
// embed the endpoint's URL and credentials.
type Endpoints struct {
	db      *gorm.DB
	lister  ModelLister
	manager *Manager
	logger  *zap.Logger

	mu sync.Mutex
}

// NewEndpoints wires endpoint CRUD to the store and the workspace
// manager. lister may be nil.
func NewEndpoints(gdb *gorm.DB, lister ModelLister, manager *Manager, logger *zap.Logger) *Endpoints {
	return &Endpoints{
		db:      gdb,
		lister:  lister,
		manager: manager,
		logger:  logger.With(zap.String("component", "provider_endpoints")),
	}
}

// List returns all endpoints ordered by name.
func (e *Endpoints) List(ctx context.Context) ([]db.ProviderEndpoint, error) {
	var rows []db.ProviderEndpoint
	if err := e.db.WithContext(ctx).Order("name ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list provider endpoints: %w", err)
	}
	return rows, nil
}

// Get returns an endpoint by id.
func (e *Endpoints) Get(ctx context.Context, id string) (*db.ProviderEndpoint, error) {
	var ep db.ProviderEndpoint
	err := e.db.WithContext(ctx).First(&ep, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrEndpointNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load provider endpoint: %w", err)
	}
	return &ep, nil
}

// GetByName returns an endpoint by its unique name.
func (e *Endpoints) GetByName(ctx context.Context, name string) (*db.ProviderEndpoint, error) {
	var ep db.ProviderEndpoint
	err := e.db.WithContext(ctx).First(&ep, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrEndpointNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load provider endpoint: %w", err)
	}
	return &ep, nil
}

// Create validates and stores a new endpoint. When no models are given
// and a lister is wired, the endpoint is asked for its model list;
// discovery failure is logged, not fatal.
func (e *Endpoints) Create(ctx context.Context, ep db.ProviderEndpoint, models []string) (*db.ProviderEndpoint, error) {
	if err := validateEndpoint(&ep); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var existing db.ProviderEndpoint
	err := e.db.WithContext(ctx).First(&existing, "name = ?", ep.Name).Error
	if err == nil {
		return nil, fmt.Errorf("%w: %s", ErrEndpointExists, ep.Name)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to check endpoint name: %w", err)
	}

	ep.ID = uuid.NewString()
	if len(models) == 0 {
		models = e.discoverModels(ctx, ep)
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&ep).Error; err != nil {
			return err
		}
		return replaceModels(tx, ep.ID, models)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create provider endpoint: %w", err)
	}

	e.logger.Info("provider endpoint created",
		zap.String("name", ep.Name),
		zap.String("kind", ep.Kind),
		zap.Int("models", len(models)))
	return &ep, nil
}

// Update rewrites an endpoint. An empty AuthBlob keeps the stored
// credential so the dashboard can PUT without re-sending the key. A
// non-nil models slice replaces the model list. Compiled mux rules are
// re-resolved afterwards.
func (e *Endpoints) Update(ctx context.Context, ep db.ProviderEndpoint, models []string) (*db.ProviderEndpoint, error) {
	if ep.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrEndpointNotFound)
	}
	if err := validateEndpoint(&ep); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	current, err := e.Get(ctx, ep.ID)
	if err != nil {
		return nil, err
	}
	if ep.AuthBlob == "" {
		ep.AuthBlob = current.AuthBlob
	}
	ep.CreatedAt = current.CreatedAt

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&ep).Error; err != nil {
			return err
		}
		if models != nil {
			return replaceModels(tx, ep.ID, models)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update provider endpoint: %w", err)
	}

	if err := e.manager.LoadRegistry(ctx); err != nil {
		return nil, err
	}
	e.logger.Info("provider endpoint updated", zap.String("name", ep.Name))
	return &ep, nil
}

// Delete removes an endpoint, its models and every mux rule pointing at
// it, then rebuilds the registry.
func (e *Endpoints) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ep, err := e.Get(ctx, id)
	if err != nil {
		return err
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("provider_endpoint_id = ?", id).Delete(&db.MuxRule{}).Error; err != nil {
			return err
		}
		if err := tx.Where("provider_endpoint_id = ?", id).Delete(&db.ProviderModel{}).Error; err != nil {
			return err
		}
		return tx.Delete(ep).Error
	})
	if err != nil {
		return fmt.Errorf("failed to delete provider endpoint: %w", err)
	}

	if err := e.manager.LoadRegistry(ctx); err != nil {
		return err
	}
	e.logger.Info("provider endpoint deleted", zap.String("name", ep.Name))
	return nil
}

// Models lists the models stored for one endpoint.
func (e *Endpoints) Models(ctx context.Context, id string) ([]ModelRef, error) {
	ep, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var rows []db.ProviderModel
	if err := e.db.WithContext(ctx).
		Where("provider_endpoint_id = ?", id).
		Order("name ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list provider models: %w", err)
	}

	refs := make([]ModelRef, len(rows))
	for i, m := range rows {
		refs[i] = ModelRef{Name: m.Name, ProviderID: id, ProviderName: ep.Name}
	}
	return refs, nil
}

// AllModels lists every stored model across endpoints.
func (e *Endpoints) AllModels(ctx context.Context) ([]ModelRef, error) {
	endpoints, err := e.List(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(endpoints))
	for _, ep := range endpoints {
		names[ep.ID] = ep.Name
	}

	var rows []db.ProviderModel
	if err := e.db.WithContext(ctx).Order("name ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list provider models: %w", err)
	}

	refs := make([]ModelRef, len(rows))
	for i, m := range rows {
		refs[i] = ModelRef{Name: m.Name, ProviderID: m.EndpointID, ProviderName: names[m.EndpointID]}
	}
	return refs, nil
}

// RefreshModels re-discovers an endpoint's model list.
func (e *Endpoints) RefreshModels(ctx context.Context, id string) ([]ModelRef, error) {
	ep, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.lister == nil {
		return e.Models(ctx, id)
	}

	models, err := e.lister.ListModels(ctx, endpointToRoute(*ep))
	if err != nil {
		return nil, fmt.Errorf("failed to query models from %s: %w", ep.Name, err)
	}

	e.mu.Lock()
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return replaceModels(tx, id, models)
	})
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to store provider models: %w", err)
	}
	return e.Models(ctx, id)
}

// SeedFromConfig registers one endpoint per configured provider URL.
// Names already present are left alone. A seed is only added when the
// provider answers a model query, so dead defaults don't accumulate.
func (e *Endpoints) SeedFromConfig(ctx context.Context, providerURLs map[string]string) {
	kinds := make([]string, 0, len(providerURLs))
	for kind := range providerURLs {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		baseURL := providerURLs[kind]
		if !types.ProviderKind(kind).Valid() {
			e.logger.Warn("skipping unknown provider kind in config",
				zap.String("kind", kind))
			continue
		}

		if _, err := e.GetByName(ctx, kind); err == nil {
			e.logger.Debug("provider already registered, not re-adding",
				zap.String("name", kind))
			continue
		} else if !errors.Is(err, ErrEndpointNotFound) {
			e.logger.Warn("failed to check provider", zap.String("name", kind), zap.Error(err))
			continue
		}

		ep := db.ProviderEndpoint{
			Name:        kind,
			Description: "configured via provider_urls",
			Kind:        kind,
			BaseURL:     baseURL,
			AuthKind:    db.AuthNone,
		}
		if err := validateEndpoint(&ep); err != nil {
			e.logger.Warn("invalid provider URL in config",
				zap.String("name", kind), zap.Error(err))
			continue
		}

		models := e.discoverModels(ctx, ep)
		if len(models) == 0 {
			e.logger.Debug("provider not reachable, skipping seed",
				zap.String("name", kind), zap.String("endpoint", baseURL))
			continue
		}
		if _, err := e.Create(ctx, ep, models); err != nil {
			e.logger.Warn("failed to seed provider endpoint",
				zap.String("name", kind), zap.Error(err))
		}
	}
}

// discoverModels asks the provider for its model list. Best effort.
func (e *Endpoints) discoverModels(ctx context.Context, ep db.ProviderEndpoint) []string {
	if e.lister == nil {
		return nil
	}
	models, err := e.lister.ListModels(ctx, endpointToRoute(ep))
	if err != nil {
		e.logger.Debug("unable to get models from provider",
			zap.String("name", ep.Name), zap.Error(err))
		return nil
	}
	return models
}

// replaceModels swaps the endpoint's model rows inside tx.
func replaceModels(tx *gorm.DB, endpointID string, models []string) error {
	if err := tx.Where("provider_endpoint_id = ?", endpointID).Delete(&db.ProviderModel{}).Error; err != nil {
		return err
	}
	if len(models) == 0 {
		return nil
	}
	rows := make([]db.ProviderModel, len(models))
	for i, name := range models {
		rows[i] = db.ProviderModel{EndpointID: endpointID, Name: name}
	}
	return tx.Create(&rows).Error
}

func validateEndpoint(ep *db.ProviderEndpoint) error {
	if ep.Name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidEndpoint)
	}
	if !types.ProviderKind(ep.Kind).Valid() {
		return fmt.Errorf("%w: unknown provider type %q", ErrInvalidEndpoint, ep.Kind)
	}
	u, err := url.Parse(ep.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: invalid provider URL %q", ErrInvalidEndpoint, ep.BaseURL)
	}
	switch ep.AuthKind {
	case "":
		ep.AuthKind = db.AuthNone
	case db.AuthNone, db.AuthAPIKey, db.AuthBearer:
	default:
		return fmt.Errorf("%w: unknown auth type %q", ErrInvalidEndpoint, ep.AuthKind)
	}
	return nil
}
