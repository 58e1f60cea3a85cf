package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/stacklok/codegate/db"
)

// subscriber buffer depth; a stalled dashboard drops alerts rather than
// backpressuring the recorder.
const feedBuffer = 64

// AlertFeed fans recorder alerts out to dashboard WebSocket clients.
// Publish is hooked into the recorder and must never block.
type AlertFeed struct {
	logger *zap.Logger

	mu   sync.Mutex
	subs map[chan db.Alert]struct{}
}

// NewAlertFeed creates an empty feed.
func NewAlertFeed(logger *zap.Logger) *AlertFeed {
	return &AlertFeed{
		logger: logger,
		subs:   make(map[chan db.Alert]struct{}),
	}
}

// Register mounts the feed route.
func (f *AlertFeed) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/alerts/ws", f.HandleWS)
}

// Publish delivers an alert to every connected client. Slow clients
// miss alerts; the durable record is the alerts table.
func (f *AlertFeed) Publish(alert db.Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- alert:
		default:
		}
	}
}

func (f *AlertFeed) subscribe() chan db.Alert {
	ch := make(chan db.Alert, feedBuffer)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	return ch
}

func (f *AlertFeed) unsubscribe(ch chan db.Alert) {
	f.mu.Lock()
	delete(f.subs, ch)
	f.mu.Unlock()
}

// HandleWS upgrades the connection and streams alerts as JSON messages
// until the client goes away.
func (f *AlertFeed) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Dashboard and API share the origin; same-host only.
		OriginPatterns: []string{r.Host},
	})
	if err != nil {
		f.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ch := f.subscribe()
	defer f.unsubscribe(ch)

	// CloseRead surfaces client disconnects through ctx; the feed is
	// one-way.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case alert := <-ch:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, alert)
			cancel()
			if err != nil {
				f.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		}
	}
}
