package intel

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Package statuses carried by index rows.
const (
	StatusMalicious  = "malicious"
	StatusDeprecated = "deprecated"
	StatusArchived   = "archived"
	StatusOK         = "ok"
)

// PackageRecord is one row of the package intelligence index.
type PackageRecord struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Ecosystem   string `gorm:"size:32;not null;uniqueIndex:idx_package_identity"`
	Name        string `gorm:"size:512;not null;uniqueIndex:idx_package_identity"`
	Status      string `gorm:"size:32;not null;index"`
	Description string `gorm:"type:text"`
	Embedding   []byte `gorm:"type:blob"`
}

// TableName implements gorm's table naming.
func (PackageRecord) TableName() string { return "package_records" }

// Match is the best index hit for a lookup.
type Match struct {
	Name        string
	Ecosystem   string
	Status      string
	Description string
	Score       float64
}

// IndexConfig tunes lookup behavior.
type IndexConfig struct {
	// SimilarityFloor is the minimum cosine score for a hit; anything
	// below is reported as unknown.
	SimilarityFloor float64
}

// DefaultIndexConfig returns the production defaults.
func DefaultIndexConfig() IndexConfig {
	return IndexConfig{SimilarityFloor: 0.75}
}

type indexEntry struct {
	name        string
	ecosystem   string
	status      string
	description string
	vec         []float64
}

// Index is the package intelligence store: rows persist through gorm,
// lookups scan an in-memory snapshot of the vectors. The snapshot is
// rebuilt by Load after bulk imports; reads take the read lock only.
type Index struct {
	db       *gorm.DB
	embedder *Embedder
	floor    float64
	logger   *zap.Logger

	mu      sync.RWMutex
	entries []indexEntry
}

// NewIndex migrates the schema and loads the vector snapshot.
func NewIndex(db *gorm.DB, embedder *Embedder, cfg IndexConfig, logger *zap.Logger) (*Index, error) {
	if err := db.AutoMigrate(&PackageRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate package index: %w", err)
	}
	ix := &Index{
		db:       db,
		embedder: embedder,
		floor:    cfg.SimilarityFloor,
		logger:   logger.With(zap.String("component", "intel_index")),
	}
	if err := ix.Load(context.Background()); err != nil {
		return nil, err
	}
	return ix, nil
}

// Load (re)builds the in-memory snapshot from the database.
func (ix *Index) Load(ctx context.Context) error {
	var records []PackageRecord
	if err := ix.db.WithContext(ctx).Find(&records).Error; err != nil {
		return fmt.Errorf("failed to load package index: %w", err)
	}

	entries := make([]indexEntry, 0, len(records))
	for _, rec := range records {
		vec, err := decodeVector(rec.Embedding)
		if err != nil {
			ix.logger.Warn("skipping package with bad embedding",
				zap.String("name", rec.Name),
				zap.Error(err),
			)
			continue
		}
		entries = append(entries, indexEntry{
			name:        rec.Name,
			ecosystem:   rec.Ecosystem,
			status:      rec.Status,
			description: rec.Description,
			vec:         vec,
		})
	}

	ix.mu.Lock()
	ix.entries = entries
	ix.mu.Unlock()

	ix.logger.Info("package index loaded", zap.Int("packages", len(entries)))
	return nil
}

// Upsert writes records in batches, replacing rows with the same
// ecosystem and name. Callers run Load afterwards to refresh the
// snapshot.
func (ix *Index) Upsert(ctx context.Context, records []PackageRecord) error {
	if len(records) == 0 {
		return nil
	}
	err := ix.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ecosystem"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "description", "embedding"}),
		}).
		CreateInBatches(records, 500).Error
	if err != nil {
		return fmt.Errorf("failed to upsert package records: %w", err)
	}
	return nil
}

// Count returns the number of persisted records.
func (ix *Index) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := ix.db.WithContext(ctx).Model(&PackageRecord{}).Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

// Lookup finds the nearest record to name within ecosystem (all
// ecosystems when empty). Returns ok=false when the index is empty or
// the best score sits below the similarity floor — an unknown package,
// not an error.
func (ix *Index) Lookup(ctx context.Context, name, ecosystem string) (Match, bool) {
	query := ix.embedder.Embed(name)

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	best := Match{Score: -1}
	for i := range ix.entries {
		e := &ix.entries[i]
		if ecosystem != "" && e.ecosystem != ecosystem {
			continue
		}
		score := cosineSimilarity(query, e.vec)
		if score > best.Score {
			best = Match{
				Name:        e.name,
				Ecosystem:   e.ecosystem,
				Status:      e.status,
				Description: e.description,
				Score:       score,
			}
		}
	}

	if best.Score < ix.floor {
		return Match{}, false
	}
	return best, true
}

// EncodeVector serializes an embedding for storage.
func EncodeVector(vec []float64) []byte {
	buf := make([]byte, 8*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

func decodeVector(data []byte) ([]float64, error) {
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 8", len(data))
	}
	vec := make([]float64, len(data)/8)
	for i := range vec {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return vec, nil
}
