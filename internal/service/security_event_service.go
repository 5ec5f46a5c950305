package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sentinel-Gate/trustgate/internal/domain/audit"
)

// EventRecorder accepts security events. Record never fails and never blocks
// for longer than the configured send timeout.
type EventRecorder interface {
	Record(ctx context.Context, event audit.SecurityEvent)
}

// SecurityEventService delivers security events to the event store from a
// single background worker. Events are batched; a batch the store rejects
// stays at the head of an ordered pending queue and is retried with
// exponential backoff before any newer event is written.
type SecurityEventService struct {
	store   audit.EventStore
	mirrors []audit.EventStore
	alerter audit.Alerter
	metrics Metrics
	logger  *slog.Logger

	events  chan audit.SecurityEvent
	// enqueue is held while an event takes its sequence number and enters
	// events, so channel order matches sequence order.
	enqueue chan struct{}
	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup

	batchSize     int
	flushInterval time.Duration
	channelSize   int
	sendTimeout   time.Duration
	alertTimeout  time.Duration
	retryBase     time.Duration
	retryMax      time.Duration
	maxPending    int

	seq          atomic.Uint64
	dropCount    atomic.Int64
	reportedDrop atomic.Int64
	pendingCount atomic.Int64

	warningThreshold int
	lastWarning      atomic.Int64
}

// SecurityEventOption configures SecurityEventService.
type SecurityEventOption func(*SecurityEventService)

// WithEventBatchSize sets the number of events written per store call.
func WithEventBatchSize(size int) SecurityEventOption {
	return func(s *SecurityEventService) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithEventFlushInterval sets how often partial batches are written.
func WithEventFlushInterval(d time.Duration) SecurityEventOption {
	return func(s *SecurityEventService) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

// WithEventChannelSize sets the event buffer size.
func WithEventChannelSize(size int) SecurityEventOption {
	return func(s *SecurityEventService) {
		if size > 0 {
			s.events = make(chan audit.SecurityEvent, size)
			s.channelSize = size
		}
	}
}

// WithEventSendTimeout sets how long Record waits on a full buffer before dropping.
// 0 drops immediately.
func WithEventSendTimeout(d time.Duration) SecurityEventOption {
	return func(s *SecurityEventService) {
		s.sendTimeout = d
	}
}

// WithRetryBackoff sets the first and the longest delay between delivery retries.
func WithRetryBackoff(base, ceiling time.Duration) SecurityEventOption {
	return func(s *SecurityEventService) {
		if base > 0 {
			s.retryBase = base
		}
		if ceiling >= s.retryBase {
			s.retryMax = ceiling
		}
	}
}

// WithMaxPending bounds the retry queue. When full, the oldest events are dropped.
func WithMaxPending(n int) SecurityEventOption {
	return func(s *SecurityEventService) {
		if n > 0 {
			s.maxPending = n
		}
	}
}

// WithMirror adds a best-effort secondary store that receives every batch once.
func WithMirror(store audit.EventStore) SecurityEventOption {
	return func(s *SecurityEventService) {
		s.mirrors = append(s.mirrors, store)
	}
}

// WithAlerter sets the alert channel for critical events and delivery failures.
func WithAlerter(a audit.Alerter) SecurityEventOption {
	return func(s *SecurityEventService) {
		s.alerter = a
	}
}

// WithAlertTimeout bounds the synchronous admin alert raised for critical events.
func WithAlertTimeout(d time.Duration) SecurityEventOption {
	return func(s *SecurityEventService) {
		if d > 0 {
			s.alertTimeout = d
		}
	}
}

// WithEventMetrics sets the metrics sink.
func WithEventMetrics(m Metrics) SecurityEventOption {
	return func(s *SecurityEventService) {
		if m != nil {
			s.metrics = m
		}
	}
}

// NewSecurityEventService creates a SecurityEventService. Call Start before recording.
func NewSecurityEventService(store audit.EventStore, logger *slog.Logger, opts ...SecurityEventOption) *SecurityEventService {
	const defaultChannelSize = 1000
	s := &SecurityEventService{
		store:            store,
		metrics:          noopMetrics{},
		logger:           logger,
		events:           make(chan audit.SecurityEvent, defaultChannelSize),
		enqueue:          make(chan struct{}, 1),
		batchSize:        100,
		flushInterval:    time.Second,
		channelSize:      defaultChannelSize,
		sendTimeout:      100 * time.Millisecond,
		alertTimeout:     2 * time.Second,
		retryBase:        500 * time.Millisecond,
		retryMax:         30 * time.Second,
		maxPending:       100000,
		warningThreshold: 80,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the delivery worker.
func (s *SecurityEventService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.worker(ctx)
}

// Stop closes the buffer, flushes what remains and waits for the worker.
// Events recorded after Stop are dropped.
func (s *SecurityEventService) Stop() {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}
	s.closed = true
	close(s.events)
	s.closeMu.Unlock()
	s.wg.Wait()
}

// Record assigns the event its ID and sequence number and queues it.
// Sequence numbers follow delivery order; a dropped event leaves a gap.
// CRITICAL events raise an admin alert before Record returns.
func (s *SecurityEventService) Record(ctx context.Context, e audit.SecurityEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.ID == "" {
		e.ID = audit.NewEventID(e.Timestamp)
	}
	if e.Severity == "" {
		e.Severity = audit.SeverityInfo
	}

	e = s.queue(e)
	if e.Severity == audit.SeverityCritical {
		s.alertAdmin(ctx, e)
	}
}

// queue numbers e and sends it to the worker, waiting at most sendTimeout
// in total. It returns e with its sequence number set.
func (s *SecurityEventService) queue(e audit.SecurityEvent) audit.SecurityEvent {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		e.Sequence = s.seq.Add(1)
		s.drop(e, "stopped")
		return e
	}

	var expired <-chan time.Time
	if s.sendTimeout > 0 {
		timer := time.NewTimer(s.sendTimeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case s.enqueue <- struct{}{}:
	case <-expired:
		e.Sequence = s.seq.Add(1)
		s.drop(e, "buffer full")
		return e
	}
	defer func() { <-s.enqueue }()

	e.Sequence = s.seq.Add(1)
	if s.warningThreshold > 0 {
		if depth := len(s.events); depth >= s.channelSize*s.warningThreshold/100 {
			s.warnDepth(depth)
		}
	}

	select {
	case s.events <- e:
		return e
	default:
	}
	if expired == nil {
		s.drop(e, "buffer full")
		return e
	}
	select {
	case s.events <- e:
	case <-expired:
		s.drop(e, "buffer full")
	}
	return e
}

func (s *SecurityEventService) alertAdmin(ctx context.Context, e audit.SecurityEvent) {
	if s.alerter == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.alertTimeout)
	defer cancel()
	ev := e
	err := s.alerter.Alert(actx, audit.Alert{
		Kind:    audit.AlertAdmin,
		Message: fmt.Sprintf("critical security event %s", e.Type),
		Event:   &ev,
		At:      time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("admin alert failed", "event_id", e.ID, "type", e.Type, "error", err)
	}
}

func (s *SecurityEventService) drop(e audit.SecurityEvent, reason string) {
	drops := s.dropCount.Add(1)
	s.metrics.ObserveEventDrop(1)
	s.logger.Warn("security event dropped",
		"type", e.Type,
		"session", e.SessionID,
		"reason", reason,
		"total_drops", drops,
	)
}

// warnDepth logs at most once per second.
func (s *SecurityEventService) warnDepth(depth int) {
	now := time.Now().UnixNano()
	last := s.lastWarning.Load()
	if now-last < int64(time.Second) {
		return
	}
	if s.lastWarning.CompareAndSwap(last, now) {
		s.logger.Warn("security event buffer approaching capacity",
			"depth", depth,
			"capacity", s.channelSize,
		)
	}
}

// DroppedEvents returns the number of events dropped since start.
func (s *SecurityEventService) DroppedEvents() int64 { return s.dropCount.Load() }

// PendingEvents returns the number of events waiting for a delivery retry.
func (s *SecurityEventService) PendingEvents() int { return int(s.pendingCount.Load()) }

// ChannelDepth returns the number of buffered events.
func (s *SecurityEventService) ChannelDepth() int { return len(s.events) }

// ChannelCapacity returns the event buffer size.
func (s *SecurityEventService) ChannelCapacity() int { return cap(s.events) }

// deliveryState is owned by the worker goroutine.
type deliveryState struct {
	pending   []audit.SecurityEvent
	backoff   time.Duration
	nextRetry time.Time
}

func (s *SecurityEventService) worker(ctx context.Context) {
	defer s.wg.Done()

	st := &deliveryState{}
	batch := make([]audit.SecurityEvent, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-s.events:
			if !ok {
				s.shutdown(st, batch)
				return
			}
			batch = append(batch, e)
			if len(batch) >= s.batchSize {
				s.deliver(st, batch, false)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 || len(st.pending) > 0 {
				s.deliver(st, batch, false)
				batch = batch[:0]
			}
			s.reportDrops()

		case <-ctx.Done():
			// Drain what is already buffered without waiting for Stop.
			for {
				select {
				case e, ok := <-s.events:
					if ok {
						batch = append(batch, e)
						continue
					}
				default:
				}
				break
			}
			s.shutdown(st, batch)
			return
		}
	}
}

func (s *SecurityEventService) shutdown(st *deliveryState, batch []audit.SecurityEvent) {
	if len(batch) == 0 && len(st.pending) == 0 {
		return
	}
	s.deliver(st, batch, true)
	if n := len(st.pending); n > 0 {
		s.logger.Error("security events lost at shutdown", "count", n)
		s.metrics.ObserveEventDrop(n)
	}
}

// deliver mirrors the new batch, queues it behind any pending events and
// writes the queue when the backoff allows. force ignores the backoff.
func (s *SecurityEventService) deliver(st *deliveryState, batch []audit.SecurityEvent, force bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(batch) > 0 {
		for _, m := range s.mirrors {
			if err := m.AppendSecurityEvents(ctx, batch...); err != nil {
				s.logger.Warn("security event mirror write failed", "error", err, "count", len(batch))
			}
		}
		st.pending = append(st.pending, batch...)
	}
	if overflow := len(st.pending) - s.maxPending; overflow > 0 {
		st.pending = append(st.pending[:0], st.pending[overflow:]...)
		s.dropCount.Add(int64(overflow))
		s.metrics.ObserveEventDrop(overflow)
		s.logger.Error("security event retry queue full, oldest events dropped", "count", overflow)
	}
	defer func() {
		s.pendingCount.Store(int64(len(st.pending)))
		s.metrics.SetPendingEvents(len(st.pending))
	}()

	if len(st.pending) == 0 || (!force && time.Now().Before(st.nextRetry)) {
		return
	}

	n := len(st.pending)
	if err := s.store.AppendSecurityEvents(ctx, st.pending...); err != nil {
		if st.backoff == 0 {
			st.backoff = s.retryBase
		} else {
			st.backoff = min(st.backoff*2, s.retryMax)
		}
		st.nextRetry = time.Now().Add(st.backoff)
		s.metrics.ObserveEventDelivery(0, n)
		s.logger.Error("failed to write security events",
			"error", err,
			"pending", n,
			"retry_in", st.backoff,
		)
		s.alertOps(ctx, fmt.Sprintf("%d security events pending delivery", n), err)
		return
	}
	if st.backoff > 0 {
		s.logger.Info("security event delivery recovered", "delivered", n)
	}
	st.pending = st.pending[:0]
	st.backoff = 0
	st.nextRetry = time.Time{}
	s.metrics.ObserveEventDelivery(n, 0)
}

// reportDrops raises an ops alert when events were dropped since the last report.
func (s *SecurityEventService) reportDrops() {
	total := s.dropCount.Load()
	prev := s.reportedDrop.Load()
	if total == prev || !s.reportedDrop.CompareAndSwap(prev, total) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.alertTimeout)
	defer cancel()
	s.alertOps(ctx, fmt.Sprintf("%d security events dropped", total-prev), nil)
}

func (s *SecurityEventService) alertOps(ctx context.Context, msg string, cause error) {
	if s.alerter == nil {
		return
	}
	errText := audit.ErrLogDeliveryFailure.Error()
	if cause != nil {
		errText = fmt.Errorf("%w: %w", audit.ErrLogDeliveryFailure, cause).Error()
	}
	err := s.alerter.Alert(ctx, audit.Alert{
		Kind:    audit.AlertOps,
		Message: msg,
		Error:   errText,
		At:      time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("ops alert failed", "error", err)
	}
}
