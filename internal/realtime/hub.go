// Package realtime serves fraud streams over WebSocket.
//
// Every connection gets its own stream.Engine: its own reader, aggregator
// and batch buffer. Only the scoring pipeline is shared. The Hub tracks the
// live engines, enforces the concurrent stream cap and cancels everything
// on shutdown.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mbd888/fraudwatch/internal/aggregate"
	"github.com/mbd888/fraudwatch/internal/features"
	"github.com/mbd888/fraudwatch/internal/idgen"
	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/model"
	"github.com/mbd888/fraudwatch/internal/security"
	"github.com/mbd888/fraudwatch/internal/stream"
	"github.com/mbd888/fraudwatch/internal/validation"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second

	// DefaultMaxStreams caps concurrent streams when the config leaves it 0.
	DefaultMaxStreams = 64

	historySize = 32
)

// Config holds per-stream defaults; query parameters may override them.
type Config struct {
	DataPath        string
	MetricsInterval time.Duration
	EventsInterval  time.Duration
	WindowMinutes   int
	TopN            int
	BatchSize       int
	Policy          aggregate.Policy
	MaxStreams      int
	// Origins lists browser origins allowed to connect besides the
	// server's own host. The zero value allows same-host pages only.
	Origins security.Origins
}

// Notifier hears about every stream that reached a terminal state.
type Notifier interface {
	StreamFinished(info stream.Info)
}

// Hub owns the live WebSocket streams.
type Hub struct {
	cfg       Config
	pipeline  *model.Pipeline
	extractor *features.Extractor
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	notifier  Notifier

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	streams map[string]*stream.Engine
	history []stream.Info // most recent last

	totalStreams atomic.Int64
	peakStreams  atomic.Int64
	rejected     atomic.Int64
}

// NewHub creates a hub. All streams it starts share pipeline and extractor.
func NewHub(cfg Config, pipeline *model.Pipeline, extractor *features.Extractor, logger *slog.Logger) *Hub {
	if cfg.MaxStreams <= 0 {
		cfg.MaxStreams = DefaultMaxStreams
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:       cfg,
		pipeline:  pipeline,
		extractor: extractor,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.Origins.CheckOrigin,
		},
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[string]*stream.Engine),
	}
}

// SetNotifier registers n for stream completions. Call it before serving.
func (h *Hub) SetNotifier(n Notifier) {
	h.notifier = n
}

// RegisterRoutes mounts the WebSocket endpoints.
func (h *Hub) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws/metrics", h.HandleMetrics)
	r.GET("/ws/transactions", h.HandleTransactions)
}

// RegisterAPIRoutes mounts the stream listing.
func (h *Hub) RegisterAPIRoutes(r *gin.RouterGroup) {
	r.GET("/streams", h.ListStreams)
}

// Shutdown cancels every running stream and refuses new ones.
func (h *Hub) Shutdown() {
	h.cancel()
}

// HandleMetrics handles GET /ws/metrics
func (h *Hub) HandleMetrics(c *gin.Context) { h.serve(c, stream.ModeMetrics) }

// HandleTransactions handles GET /ws/transactions
func (h *Hub) HandleTransactions(c *gin.Context) { h.serve(c, stream.ModeEvents) }

// ListStreams handles GET /v1/streams
func (h *Hub) ListStreams(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active": h.Active(),
		"recent": h.Recent(),
		"stats":  h.Stats(),
	})
}

// Active describes the running streams, oldest first.
func (h *Hub) Active() []stream.Info {
	h.mu.RLock()
	out := make([]stream.Info, 0, len(h.streams))
	for _, e := range h.streams {
		out = append(out, e.Info())
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Recent describes finished streams, newest first.
func (h *Hub) Recent() []stream.Info {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]stream.Info, 0, len(h.history))
	for i := len(h.history) - 1; i >= 0; i-- {
		out = append(out, h.history[i])
	}
	return out
}

// Stats returns hub counters.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	n := len(h.streams)
	h.mu.RUnlock()
	return map[string]interface{}{
		"activeStreams": n,
		"maxStreams":    h.cfg.MaxStreams,
		"totalStreams":  h.totalStreams.Load(),
		"peakStreams":   h.peakStreams.Load(),
		"rejected":      h.rejected.Load(),
	}
}

// streamConfig applies query overrides to the defaults.
func (h *Hub) streamConfig(c *gin.Context, mode stream.Mode) (stream.Config, validation.Errors) {
	interval := h.cfg.MetricsInterval
	if mode == stream.ModeEvents {
		interval = h.cfg.EventsInterval
	}
	intervalMs := int(interval / time.Millisecond)
	cfg := stream.Config{
		DataPath:      h.cfg.DataPath,
		WindowMinutes: h.cfg.WindowMinutes,
		TopN:          h.cfg.TopN,
		BatchSize:     h.cfg.BatchSize,
		Policy:        h.cfg.Policy,
	}
	policy := c.Query("policy")

	errs := validation.Validate(
		validation.IntInRange("interval_ms", c.Query("interval_ms"), 0, 60_000, &intervalMs),
		validation.IntInRange("window_minutes", c.Query("window_minutes"), 1, 7*24*60, &cfg.WindowMinutes),
		validation.IntInRange("top_n", c.Query("top_n"), 1, 1000, &cfg.TopN),
		validation.IntInRange("batch_size", c.Query("batch_size"), 1, 100_000, &cfg.BatchSize),
		validation.OneOf("policy", policy, string(aggregate.PolicyTop), string(aggregate.PolicyRecent)),
	)
	if policy != "" {
		cfg.Policy = aggregate.Policy(policy)
	}
	cfg.Interval = time.Duration(intervalMs) * time.Millisecond
	return cfg, errs
}

func (h *Hub) serve(c *gin.Context, mode stream.Mode) {
	cfg, errs := h.streamConfig(c, mode)
	if len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	// Reject upgrades after shutdown to prevent orphaned connections.
	if h.ctx.Err() != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting_down", "message": "server shutting down"})
		return
	}

	id := idgen.WithPrefix(idgen.PrefixStream)
	engine, err := stream.NewEngine(id, cfg, h.pipeline, h.extractor, h.logger)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_stream", "message": err.Error()})
		return
	}
	if !h.reserve(engine) {
		h.rejected.Add(1)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "too_many_streams", "message": "too many concurrent streams"})
		return
	}
	defer h.release(engine)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	ctx = logging.WithStreamID(logging.WithLogger(ctx, h.logger), id)

	client := newClient(conn)
	go client.readPump(cancel, h.logger)
	go client.pingLoop(ctx)

	if mode == stream.ModeMetrics {
		err = engine.StreamMetrics(ctx, client)
	} else {
		err = engine.StreamEvents(ctx, client)
	}

	if err != nil {
		// Abrupt close: no further payload, no close frame.
		logging.L(ctx).Error("stream failed", "error", err)
		return
	}
	if engine.State() == stream.StateCompleted {
		client.closeNormal()
	}
}

func (h *Hub) reserve(e *stream.Engine) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.streams) >= h.cfg.MaxStreams {
		return false
	}
	h.streams[e.ID()] = e
	h.totalStreams.Add(1)
	if n := int64(len(h.streams)); n > h.peakStreams.Load() {
		h.peakStreams.Store(n)
	}
	return true
}

func (h *Hub) release(e *stream.Engine) {
	info := e.Info()
	h.mu.Lock()
	delete(h.streams, e.ID())
	if info.State == stream.StateIdle {
		h.mu.Unlock()
		return // never upgraded
	}
	h.history = append(h.history, info)
	if len(h.history) > historySize {
		h.history = h.history[len(h.history)-historySize:]
	}
	h.mu.Unlock()

	if h.notifier != nil {
		h.notifier.StreamFinished(info)
	}
}

// client adapts a WebSocket connection to stream.Emitter.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex // serialises data frames
}

func newClient(conn *websocket.Conn) *client {
	return &client{conn: conn}
}

// Emit writes payload as one JSON text frame. The payload is encoded
// before anything is written so a marshal failure never leaves a partial
// frame behind.
func (c *client) Emit(ctx context.Context, payload any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", stream.ErrConsumerGone, err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("realtime: encode payload: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", stream.ErrConsumerGone, err)
	}
	return nil
}

// readPump drains client frames so control messages are processed and
// cancels the stream as soon as the connection drops, so a disconnect is
// noticed during pacing and not only at the next write.
func (c *client) readPump(cancel context.CancelFunc, logger *slog.Logger) {
	defer cancel()

	c.conn.SetReadLimit(4 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				logger.Debug("websocket read ended", "error", err)
			}
			return
		}
	}
}

// pingLoop keeps the read deadline alive for idle but healthy clients.
func (c *client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *client) closeNormal() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream completed")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
