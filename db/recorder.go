package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/stacklok/codegate/internal/cache"
	"github.com/stacklok/codegate/internal/channel"
	"github.com/stacklok/codegate/types"
)

// RecorderConfig tunes the audit writer.
type RecorderConfig struct {
	// QueueSize is the initial buffer between the pipeline and the
	// writer goroutine. The queue grows under sustained pressure and
	// shrinks back when idle.
	QueueSize int `yaml:"queue_size" json:"queue_size"`

	// WriteTimeout bounds one audit transaction.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// DedupTTL is the window within which a repeated completion alert
	// (same trigger, same snippet) is dropped. Completion requests fire
	// on every keystroke; without the window one bad import floods the
	// alert table.
	DedupTTL time.Duration `yaml:"dedup_ttl" json:"dedup_ttl"`
}

// DefaultRecorderConfig returns the recorder defaults.
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		QueueSize:    256,
		WriteTimeout: 5 * time.Second,
		DedupTTL:     3 * time.Minute,
	}
}

// record is one queued audit write. prompt and output are optional so a
// single queue carries both halves of an exchange.
type record struct {
	prompt *Prompt
	alerts []Alert
	output *Output
}

// Recorder appends audit rows off the request path. Writes are
// best-effort: a full queue or a failed transaction drops the record
// with a warning and never blocks or fails the request being audited.
type Recorder struct {
	db     *gorm.DB
	queue  *channel.TunableChannel[record]
	dedup  cache.Cache
	cfg    RecorderConfig
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	// NotifyAlert, when set, is called with every alert that survives
	// dedup. The management API hangs its WebSocket feed here.
	NotifyAlert func(Alert)
}

// NewRecorder starts the audit writer. dedup may be nil, which disables
// the completion-alert window.
func NewRecorder(gdb *gorm.DB, dedup cache.Cache, cfg RecorderConfig, logger *zap.Logger) *Recorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultRecorderConfig().QueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultRecorderConfig().WriteTimeout
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultRecorderConfig().DedupTTL
	}

	chCfg := channel.DefaultTunableConfig()
	chCfg.InitialSize = cfg.QueueSize
	if chCfg.MinSize > cfg.QueueSize {
		chCfg.MinSize = cfg.QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		db:     gdb,
		queue:  channel.NewTunableChannel[record](chCfg),
		dedup:  dedup,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "audit_recorder")),
		ctx:    ctx,
		cancel: cancel,
	}

	r.wg.Add(1)
	go r.run()
	return r
}

// RecordRequest queues the prompt row and its alerts. Missing ids and
// timestamps are filled in. For fill-in-the-middle prompts, alerts seen
// within the dedup window are dropped before queueing.
func (r *Recorder) RecordRequest(prompt Prompt, alerts []Alert) {
	if r.closed.Load() {
		return
	}

	now := time.Now().UTC()
	if prompt.ID == "" {
		prompt.ID = uuid.NewString()
	}
	if prompt.Timestamp.IsZero() {
		prompt.Timestamp = now
	}

	kept := make([]Alert, 0, len(alerts))
	for _, a := range alerts {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		if a.Timestamp.IsZero() {
			a.Timestamp = now
		}
		a.PromptID = prompt.ID
		if prompt.Kind == string(types.KindFIM) && r.seenRecently(a) {
			continue
		}
		kept = append(kept, a)
	}

	r.enqueue(record{prompt: &prompt, alerts: kept})

	if r.NotifyAlert != nil {
		for _, a := range kept {
			r.NotifyAlert(a)
		}
	}
}

// RecordOutput queues the response row for an earlier prompt.
func (r *Recorder) RecordOutput(output Output) {
	if r.closed.Load() {
		return
	}
	if output.ID == "" {
		output.ID = uuid.NewString()
	}
	if output.Timestamp.IsZero() {
		output.Timestamp = time.Now().UTC()
	}
	r.enqueue(record{output: &output})
}

// Close stops accepting records, drains the queue and waits for the
// writer to finish.
func (r *Recorder) Close() {
	if r.closed.Swap(true) {
		return
	}
	r.cancel()
	r.wg.Wait()
}

func (r *Recorder) enqueue(rec record) {
	if r.queue.TrySend(rec) {
		return
	}
	r.logger.Warn("audit queue full, record dropped",
		zap.Int("queue_cap", r.queue.Cap()))
}

// seenRecently reports whether an identical completion alert fired
// inside the dedup window, and marks the window if not.
func (r *Recorder) seenRecently(a Alert) bool {
	if r.dedup == nil {
		return false
	}
	sum := sha256.Sum256([]byte(a.TriggerType + "\x00" + a.TriggerString + "\x00" + a.CodeSnippet))
	key := "fim_alert:" + hex.EncodeToString(sum[:])

	ctx, cancel := context.WithTimeout(r.ctx, time.Second)
	defer cancel()

	if _, err := r.dedup.Get(ctx, key); err == nil {
		return true
	}
	if err := r.dedup.Set(ctx, key, "1", r.cfg.DedupTTL); err != nil {
		r.logger.Debug("alert dedup cache unavailable", zap.Error(err))
	}
	return false
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for {
		rec, err := r.queue.Receive(r.ctx)
		if err != nil {
			// Shutdown: flush whatever is still buffered.
			for {
				rec, ok := r.queue.TryReceive()
				if !ok {
					return
				}
				r.write(rec)
			}
		}
		r.write(rec)
		r.queue.Tune()
	}
}

func (r *Recorder) write(rec record) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
	defer cancel()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if rec.prompt != nil {
			if err := tx.Create(rec.prompt).Error; err != nil {
				return err
			}
		}
		if len(rec.alerts) > 0 {
			if err := tx.Create(&rec.alerts).Error; err != nil {
				return err
			}
		}
		if rec.output != nil {
			if err := tx.Create(rec.output).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		r.logger.Warn("audit write failed, record dropped", zap.Error(err))
	}
}
