package workspaces

import (
	"context"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/stacklok/codegate/db"
	"github.com/stacklok/codegate/muxing"
)

func setupManager(t *testing.T) (*Manager, *muxing.Registry, *gorm.DB) {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(
		&db.Workspace{}, &db.Session{},
		&db.ProviderEndpoint{}, &db.ProviderModel{}, &db.MuxRule{},
	))

	registry := muxing.NewRegistry(zap.NewNop())
	mgr := NewManager(gdb, registry, zaptest.NewLogger(t))
	require.NoError(t, mgr.Bootstrap(context.Background()))
	return mgr, registry, gdb
}

// seedEndpoint registers a provider endpoint with models directly in
// the store.
func seedEndpoint(t *testing.T, gdb *gorm.DB, id, name, kind string, models ...string) {
	t.Helper()
	require.NoError(t, gdb.Create(&db.ProviderEndpoint{
		ID:      id,
		Name:    name,
		Kind:    kind,
		BaseURL: "http://localhost:11434",
	}).Error)
	for _, m := range models {
		require.NoError(t, gdb.Create(&db.ProviderModel{EndpointID: id, Name: m}).Error)
	}
}

func TestBootstrap_CreatesDefaultAndSession(t *testing.T) {
	mgr, _, gdb := setupManager(t)

	active := mgr.ActiveWorkspace()
	require.NotNil(t, active)
	assert.Equal(t, DefaultName, active.Name)
	assert.NotEmpty(t, active.SessionID)

	var wsCount, sessCount int64
	require.NoError(t, gdb.Model(&db.Workspace{}).Count(&wsCount).Error)
	require.NoError(t, gdb.Model(&db.Session{}).Count(&sessCount).Error)
	assert.Equal(t, int64(1), wsCount)
	assert.Equal(t, int64(1), sessCount)

	// Re-running changes nothing.
	require.NoError(t, mgr.Bootstrap(context.Background()))
	require.NoError(t, gdb.Model(&db.Workspace{}).Count(&wsCount).Error)
	require.NoError(t, gdb.Model(&db.Session{}).Count(&sessCount).Error)
	assert.Equal(t, int64(1), wsCount)
	assert.Equal(t, int64(1), sessCount)
}

func TestCreate(t *testing.T) {
	mgr, _, _ := setupManager(t)
	ctx := context.Background()

	ws, err := mgr.Create(ctx, "project-x")
	require.NoError(t, err)
	assert.NotEmpty(t, ws.ID)
	assert.Equal(t, "project-x", ws.Name)

	cases := []struct {
		name    string
		input   string
		wantErr error
	}{
		// --- duplicates ---
		{"taken", "project-x", ErrAlreadyExists},
		// --- invalid names ---
		{"empty", "", ErrEmptyName},
		{"reserved default", "default", ErrReservedName},
		{"reserved active", "active", ErrReservedName},
		{"reserved archived", "archived", ErrReservedName},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := mgr.Create(ctx, tc.input)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestCreate_ArchivedNameStaysTaken(t *testing.T) {
	mgr, _, _ := setupManager(t)
	ctx := context.Background()

	_, err := mgr.Create(ctx, "old")
	require.NoError(t, err)
	require.NoError(t, mgr.Archive(ctx, "old"))

	_, err = mgr.Create(ctx, "old")
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestRename(t *testing.T) {
	mgr, registry, gdb := setupManager(t)
	ctx := context.Background()

	_, err := mgr.Create(ctx, "alpha")
	require.NoError(t, err)
	_, err = mgr.Create(ctx, "beta")
	require.NoError(t, err)

	seedEndpoint(t, gdb, "ep-1", "local-ollama", "ollama", "qwen2.5-coder")
	require.NoError(t, mgr.SetMuxes(ctx, "alpha", []MuxEntry{
		{ProviderID: "ep-1", Model: "qwen2.5-coder", MatcherType: "catch_all"},
	}))

	ws, err := mgr.Rename(ctx, "alpha", "gamma")
	require.NoError(t, err)
	assert.Equal(t, "gamma", ws.Name)

	// The rule table follows the name.
	assert.Empty(t, registry.Rules("alpha"))
	assert.Len(t, registry.Rules("gamma"), 1)

	cases := []struct {
		name     string
		from, to string
		wantErr  error
	}{
		{"default protected", "default", "other", ErrProtected},
		{"reserved target", "gamma", "active", ErrReservedName},
		{"missing source", "ghost", "new-name", ErrNotFound},
		{"taken target", "gamma", "beta", ErrAlreadyExists},
		{"empty source", "", "x", ErrEmptyName},
		{"empty target", "gamma", "", ErrEmptyName},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := mgr.Rename(ctx, tc.from, tc.to)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}

	_, err = mgr.Rename(ctx, "gamma", "gamma")
	assert.Error(t, err)
}

func TestActivate(t *testing.T) {
	mgr, _, gdb := setupManager(t)
	ctx := context.Background()

	_, err := mgr.Create(ctx, "work")
	require.NoError(t, err)

	var before db.Session
	require.NoError(t, gdb.First(&before).Error)

	require.NoError(t, mgr.Activate(ctx, "work"))
	active := mgr.ActiveWorkspace()
	require.NotNil(t, active)
	assert.Equal(t, "work", active.Name)

	var after db.Session
	require.NoError(t, gdb.First(&after).Error)
	assert.Equal(t, before.ID, after.ID)
	assert.NotEqual(t, before.ActiveWorkspaceID, after.ActiveWorkspaceID)
	assert.True(t, after.LastUpdate.After(before.LastUpdate) || after.LastUpdate.Equal(before.LastUpdate))

	// Re-activating is reported so clients notice redundant switches.
	err = mgr.Activate(ctx, "work")
	assert.ErrorIs(t, err, ErrAlreadyActive)

	err = mgr.Activate(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestActivate_ExactlyOneSessionAlways(t *testing.T) {
	mgr, _, gdb := setupManager(t)
	ctx := context.Background()

	names := []string{"w1", "w2", "w3"}
	for _, n := range names {
		_, err := mgr.Create(ctx, n)
		require.NoError(t, err)
	}

	// Concurrent activations serialize on the manager mutex; whatever
	// interleaving happens, the session row stays unique.
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			_ = mgr.Activate(ctx, n) // already-active errors are expected
		}(names[i%len(names)])
	}
	wg.Wait()

	var sessCount int64
	require.NoError(t, gdb.Model(&db.Session{}).Count(&sessCount).Error)
	assert.Equal(t, int64(1), sessCount)

	active := mgr.ActiveWorkspace()
	require.NotNil(t, active)
	assert.Contains(t, names, active.Name)
}

func TestDefaultWorkspaceImmutability(t *testing.T) {
	mgr, _, _ := setupManager(t)
	ctx := context.Background()

	assert.ErrorIs(t, mgr.Archive(ctx, "default"), ErrProtected)
	_, err := mgr.Rename(ctx, "default", "something")
	assert.ErrorIs(t, err, ErrProtected)
	// Hard delete requires the archive step, which is itself refused.
	assert.ErrorIs(t, mgr.HardDelete(ctx, "default"), ErrNotArchived)

	// Still present and still active after every refused mutation.
	active := mgr.ActiveWorkspace()
	require.NotNil(t, active)
	assert.Equal(t, DefaultName, active.Name)

	infos, err := mgr.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Active)
}

func TestArchiveRecoverDelete(t *testing.T) {
	mgr, registry, gdb := setupManager(t)
	ctx := context.Background()

	_, err := mgr.Create(ctx, "scratch")
	require.NoError(t, err)
	seedEndpoint(t, gdb, "ep-1", "local-ollama", "ollama", "qwen2.5-coder")
	require.NoError(t, mgr.SetMuxes(ctx, "scratch", []MuxEntry{
		{ProviderID: "ep-1", Model: "qwen2.5-coder", MatcherType: "catch_all"},
	}))

	// Archive: drops out of listings and routing, rows survive.
	require.NoError(t, mgr.Archive(ctx, "scratch"))
	infos, err := mgr.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1) // only default

	archived, err := mgr.ListArchived(ctx)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "scratch", archived[0].Name)
	assert.Empty(t, registry.Rules("scratch"))

	_, err = mgr.Get(ctx, "scratch")
	assert.ErrorIs(t, err, ErrNotFound)

	// Recover: back in listings with its rule table.
	require.NoError(t, mgr.Recover(ctx, "scratch"))
	_, err = mgr.Get(ctx, "scratch")
	require.NoError(t, err)
	assert.Len(t, registry.Rules("scratch"), 1)

	// Recovering a live workspace is refused.
	assert.ErrorIs(t, mgr.Recover(ctx, "scratch"), ErrNotArchived)

	// Hard delete only applies to archived workspaces.
	assert.ErrorIs(t, mgr.HardDelete(ctx, "scratch"), ErrNotArchived)
	require.NoError(t, mgr.Archive(ctx, "scratch"))
	require.NoError(t, mgr.HardDelete(ctx, "scratch"))

	var wsCount, ruleCount int64
	require.NoError(t, gdb.Model(&db.Workspace{}).Count(&wsCount).Error)
	require.NoError(t, gdb.Model(&db.MuxRule{}).Count(&ruleCount).Error)
	assert.Equal(t, int64(1), wsCount)
	assert.Equal(t, int64(0), ruleCount)
}

func TestArchive_ActiveWorkspaceRefused(t *testing.T) {
	mgr, _, _ := setupManager(t)
	ctx := context.Background()

	_, err := mgr.Create(ctx, "busy")
	require.NoError(t, err)
	require.NoError(t, mgr.Activate(ctx, "busy"))

	assert.ErrorIs(t, mgr.Archive(ctx, "busy"), ErrActive)

	// Switching away unblocks the archive.
	require.NoError(t, mgr.Activate(ctx, "default"))
	require.NoError(t, mgr.Archive(ctx, "busy"))
}

func TestSetCustomInstructions(t *testing.T) {
	mgr, _, _ := setupManager(t)
	ctx := context.Background()

	ws, err := mgr.SetCustomInstructions(ctx, "default", "Prefer tabs. Answer briefly.")
	require.NoError(t, err)
	assert.Equal(t, "Prefer tabs. Answer briefly.", ws.CustomInstructions)

	// The active snapshot picks the change up immediately.
	active := mgr.ActiveWorkspace()
	require.NotNil(t, active)
	assert.Equal(t, "Prefer tabs. Answer briefly.", active.CustomInstructions)

	_, err = mgr.SetCustomInstructions(ctx, "ghost", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetMuxes(t *testing.T) {
	mgr, registry, gdb := setupManager(t)
	ctx := context.Background()

	seedEndpoint(t, gdb, "ep-ollama", "local-ollama", "ollama", "qwen2.5-coder:1.5b", "llama3")
	seedEndpoint(t, gdb, "ep-openai", "openai", "openai", "gpt-4o-mini")

	entries := []MuxEntry{
		{ProviderID: "ep-openai", Model: "gpt-4o-mini", MatcherType: "filename_match", Matcher: "*.py"},
		{ProviderID: "ep-ollama", Model: "qwen2.5-coder:1.5b", MatcherType: "catch_all"},
	}
	require.NoError(t, mgr.SetMuxes(ctx, "default", entries))

	// Priorities follow submission order.
	var rows []db.MuxRule
	require.NoError(t, gdb.Order("priority ASC").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, "ep-openai", rows[0].EndpointID)
	assert.Equal(t, 0, rows[0].Priority)
	assert.Equal(t, "ep-ollama", rows[1].EndpointID)
	assert.Equal(t, 1, rows[1].Priority)

	got, err := mgr.Muxes(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, entries, got)

	// The registry routes immediately.
	rules := registry.Rules("default")
	require.Len(t, rules, 2)
	assert.Equal(t, "local-ollama", rules[1].Route.Endpoint.Name)
	assert.Equal(t, "http://localhost:11434", rules[1].Route.Endpoint.BaseURL)
}

func TestSetMuxes_ValidatesBeforeWriting(t *testing.T) {
	mgr, registry, gdb := setupManager(t)
	ctx := context.Background()

	seedEndpoint(t, gdb, "ep-1", "local-ollama", "ollama", "qwen2.5-coder")
	require.NoError(t, mgr.SetMuxes(ctx, "default", []MuxEntry{
		{ProviderID: "ep-1", Model: "qwen2.5-coder", MatcherType: "catch_all"},
	}))

	cases := []struct {
		name    string
		entries []MuxEntry
		errPart string
	}{
		// --- unknown model ---
		{"unknown model", []MuxEntry{
			{ProviderID: "ep-1", Model: "gpt-5", MatcherType: "catch_all"},
		}, "is not listed for provider"},
		// --- unknown endpoint ---
		{"unknown endpoint", []MuxEntry{
			{ProviderID: "ep-ghost", Model: "qwen2.5-coder", MatcherType: "catch_all"},
		}, "does not exist"},
		// --- bad matcher ---
		{"bad matcher type", []MuxEntry{
			{ProviderID: "ep-1", Model: "qwen2.5-coder", MatcherType: "regex_match"},
		}, "unknown matcher type"},
		{"bad glob", []MuxEntry{
			{ProviderID: "ep-1", Model: "qwen2.5-coder", MatcherType: "filename_match", Matcher: "["},
		}, "invalid glob"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := mgr.SetMuxes(ctx, "default", tc.entries)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errPart)

			// The previous table is untouched.
			got, err := mgr.Muxes(ctx, "default")
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "qwen2.5-coder", got[0].Model)
			assert.Len(t, registry.Rules("default"), 1)
		})
	}
}

func TestSetMuxes_EmptyClearsTable(t *testing.T) {
	mgr, registry, gdb := setupManager(t)
	ctx := context.Background()

	seedEndpoint(t, gdb, "ep-1", "local-ollama", "ollama", "qwen2.5-coder")
	require.NoError(t, mgr.SetMuxes(ctx, "default", []MuxEntry{
		{ProviderID: "ep-1", Model: "qwen2.5-coder", MatcherType: "catch_all"},
	}))
	require.NoError(t, mgr.SetMuxes(ctx, "default", nil))

	got, err := mgr.Muxes(ctx, "default")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, registry.Rules("default"))
}

func TestLoadRegistry_SkipsRulesWithMissingEndpoint(t *testing.T) {
	mgr, registry, gdb := setupManager(t)
	ctx := context.Background()

	seedEndpoint(t, gdb, "ep-1", "local-ollama", "ollama", "qwen2.5-coder")
	require.NoError(t, mgr.SetMuxes(ctx, "default", []MuxEntry{
		{ProviderID: "ep-1", Model: "qwen2.5-coder", MatcherType: "catch_all"},
	}))

	// Endpoint vanishes out from under the stored rule.
	require.NoError(t, gdb.Delete(&db.ProviderEndpoint{ID: "ep-1"}).Error)

	require.NoError(t, mgr.LoadRegistry(ctx))
	assert.Empty(t, registry.Rules("default"))
}

func TestMuxes_UnknownWorkspace(t *testing.T) {
	mgr, _, _ := setupManager(t)

	_, err := mgr.Muxes(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	err = mgr.SetMuxes(context.Background(), "ghost", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}
