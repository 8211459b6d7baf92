package worklist

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/radreport/radreport/internal/domain/report"
	"github.com/radreport/radreport/internal/platform/telemetry"
	"github.com/radreport/radreport/internal/platform/websocket"
)

// EventWorklistUpdated is the websocket event type for applied items.
const EventWorklistUpdated = "worklist.updated"

// TenantScope runs fn against tenantID's schema.
type TenantScope func(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error

// Bridge applies committed report events to the worklist in the background.
// Publish never blocks: when the queue is full the event is dropped and
// counted, and the next event for the study repairs the row.
type Bridge struct {
	store   Store
	logger  zerolog.Logger
	timeout time.Duration
	workers int

	live    websocket.Publisher
	metrics *telemetry.Metrics
	scope   TenantScope

	mu     sync.RWMutex
	queue  chan report.Event
	closed bool
	group  *errgroup.Group
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

func WithTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

func WithWorkers(n int) BridgeOption {
	return func(b *Bridge) {
		if n > 0 {
			b.workers = n
		}
	}
}

func WithBuffer(n int) BridgeOption {
	return func(b *Bridge) {
		if n > 0 {
			b.queue = make(chan report.Event, n)
		}
	}
}

// WithLiveUpdates broadcasts applied items on the worklist topic.
func WithLiveUpdates(p websocket.Publisher) BridgeOption {
	return func(b *Bridge) { b.live = p }
}

func WithMetrics(m *telemetry.Metrics) BridgeOption {
	return func(b *Bridge) { b.metrics = m }
}

// WithTenantScope routes each upsert to the schema of the event's tenant.
func WithTenantScope(s TenantScope) BridgeOption {
	return func(b *Bridge) { b.scope = s }
}

func NewBridge(store Store, logger zerolog.Logger, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		store:   store,
		logger:  logger.With().Str("component", "worklist_bridge").Logger(),
		timeout: 3 * time.Second,
		workers: 2,
		queue:   make(chan report.Event, 256),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start launches the workers. They run until Stop closes the queue; ctx
// cancellation aborts in-flight upserts.
func (b *Bridge) Start(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < b.workers; i++ {
		g.Go(func() error {
			for ev := range b.queue {
				b.observeQueue()
				b.apply(gctx, ev)
			}
			return nil
		})
	}
	b.mu.Lock()
	b.group = g
	b.mu.Unlock()
	b.logger.Info().Int("workers", b.workers).Int("buffer", cap(b.queue)).Msg("worklist bridge started")
}

// Publish enqueues ev. It implements report.EventPublisher.
func (b *Bridge) Publish(_ context.Context, ev report.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.drop(ev, "bridge stopped")
		return
	}
	select {
	case b.queue <- ev:
		b.observeQueue()
	default:
		b.drop(ev, "queue full")
	}
}

// Stop stops accepting events and waits for the queue to drain or ctx to end.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	g := b.group
	b.mu.Unlock()
	if g == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		b.logger.Info().Msg("worklist bridge stopped")
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// apply upserts one event. Failures are logged and counted only.
func (b *Bridge) apply(ctx context.Context, ev report.Event) {
	item := ItemFromEvent(ev)
	var applied bool
	err := b.inTenant(ctx, ev.TenantID, func(ctx context.Context) error {
		uctx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()
		var err error
		applied, err = b.store.Upsert(uctx, item)
		return err
	})

	log := b.logger.With().
		Str("study_id", ev.StudyID).
		Str("report_id", ev.ReportID.String()).
		Str("event", ev.Type).
		Int("report_version", ev.Version).
		Logger()

	switch {
	case err != nil:
		evt := log.Error().Err(err)
		if errors.Is(err, context.DeadlineExceeded) {
			evt = evt.Dur("timeout", b.timeout)
		}
		evt.Msg("worklist upsert failed")
		if b.metrics != nil {
			b.metrics.WorklistFailures.Inc()
		}
		return
	case !applied:
		log.Debug().Msg("worklist upsert skipped; stored row is newer")
		if b.metrics != nil {
			b.metrics.WorklistSkipped.Inc()
		}
		return
	}

	if b.metrics != nil {
		b.metrics.WorklistApplied.Inc()
	}
	log.Debug().Str("worklist_status", item.Status).Msg("worklist item updated")
	b.broadcast(ctx, item)
}

func (b *Bridge) inTenant(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
	if b.scope == nil {
		return fn(ctx)
	}
	return b.scope(ctx, tenantID, fn)
}

func (b *Bridge) broadcast(ctx context.Context, item Item) {
	if b.live == nil {
		return
	}
	ev := websocket.Event{
		Type:          EventWorklistUpdated,
		Topic:         websocket.TopicWorklist,
		StudyID:       item.StudyID,
		Status:        item.Status,
		ReportStatus:  item.ReportStatus,
		ReportVersion: item.ReportVersion,
		Timestamp:     item.UpdatedAt,
	}
	if item.ReportID != nil {
		ev.ReportID = item.ReportID.String()
	}
	if err := b.live.Publish(ctx, ev); err != nil {
		b.logger.Warn().Err(err).Str("study_id", item.StudyID).Msg("worklist broadcast failed")
	}
}

func (b *Bridge) drop(ev report.Event, reason string) {
	b.logger.Warn().
		Str("study_id", ev.StudyID).
		Str("report_id", ev.ReportID.String()).
		Str("event", ev.Type).
		Str("reason", reason).
		Msg("worklist event dropped")
	if b.metrics != nil {
		b.metrics.WorklistDropped.Inc()
	}
}

func (b *Bridge) observeQueue() {
	if b.metrics != nil {
		b.metrics.WorklistQueue.Set(float64(len(b.queue)))
	}
}
