package intel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
)

// importBatchSize rows are buffered before each index write.
const importBatchSize = 500

// importRow is one line of the package feed: newline-delimited JSON,
// ecosystem under "type" to match the published feed format.
type importRow struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	Description string `json:"description"`
}

var knownStatuses = map[string]bool{
	StatusMalicious:  true,
	StatusDeprecated: true,
	StatusArchived:   true,
}

// Importer loads package feed files into the index.
type Importer struct {
	index    *Index
	embedder *Embedder
	logger   *zap.Logger
}

// NewImporter creates a feed importer writing into index.
func NewImporter(index *Index, embedder *Embedder, logger *zap.Logger) *Importer {
	return &Importer{
		index:    index,
		embedder: embedder,
		logger:   logger.With(zap.String("component", "package_import")),
	}
}

// ImportFile imports the feed at path and returns the number of rows
// written.
func (im *Importer) ImportFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open package feed: %w", err)
	}
	defer f.Close()
	return im.Import(ctx, f)
}

// Import reads newline-delimited JSON rows and upserts them in batches.
// Malformed or incomplete lines are skipped with a warning rather than
// aborting the import. The in-memory index is reloaded once at the end.
func (im *Importer) Import(ctx context.Context, r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024) // descriptions can run long

	var (
		batch    []PackageRecord
		imported int
		line     int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := im.index.Upsert(ctx, batch); err != nil {
			return err
		}
		imported += len(batch)
		batch = batch[:0]
		return nil
	}

	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var row importRow
		if err := json.Unmarshal(raw, &row); err != nil {
			im.logger.Warn("skipping malformed feed line",
				zap.Int("line", line), zap.Error(err))
			continue
		}
		if row.Name == "" || row.Type == "" || !knownStatuses[row.Status] {
			im.logger.Warn("skipping incomplete feed line",
				zap.Int("line", line),
				zap.String("name", row.Name),
				zap.String("status", row.Status))
			continue
		}

		batch = append(batch, PackageRecord{
			Ecosystem:   row.Type,
			Name:        row.Name,
			Status:      row.Status,
			Description: row.Description,
			Embedding:   EncodeVector(im.embedder.Embed(row.Name)),
		})
		if len(batch) >= importBatchSize {
			if err := flush(); err != nil {
				return imported, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return imported, fmt.Errorf("failed to read package feed: %w", err)
	}
	if err := flush(); err != nil {
		return imported, err
	}

	if err := im.index.Load(ctx); err != nil {
		return imported, err
	}
	im.logger.Info("package feed imported", zap.Int("rows", imported))
	return imported, nil
}
