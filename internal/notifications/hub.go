// Package notifications pushes report status changes to observers.
package notifications

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"

	"github.com/metroai/defect-hub/internal/metrics"
	"github.com/metroai/defect-hub/internal/storage"
)

// StatusEvent is emitted on every committed status transition.
type StatusEvent struct {
	ReportID  int64                  `json:"report_id"`
	Status    storage.ReportStatus   `json:"status"`
	AIResult  storage.AnalysisResult `json:"ai_result,omitempty"`
	UpdatedAt time.Time              `json:"updated_at"`
	// Origin identifies the process that produced the event; set by the relay.
	Origin string `json:"origin,omitempty"`
}

// EventFromReport builds the event for the report's current state.
func EventFromReport(r *storage.Report) StatusEvent {
	return StatusEvent{
		ReportID:  r.ID,
		Status:    r.Status,
		AIResult:  r.AIResult,
		UpdatedAt: r.UpdatedAt,
	}
}

// Publisher is what the worker and report service emit events through.
type Publisher interface {
	Publish(ctx context.Context, ev StatusEvent)
}

// Forwarder carries locally published events to other processes.
type Forwarder interface {
	Forward(ctx context.Context, ev StatusEvent) error
}

const subscriptionBuffer = 16

// Hub fans status events out to per-report subscriptions.
// Slow subscribers lose their oldest buffered events, never the newest.
type Hub struct {
	mu        sync.Mutex
	subs      map[int64]map[*Subscription]struct{}
	forwarder Forwarder
	logger    log.Interface
}

func NewHub(logger log.Interface) *Hub {
	if logger == nil {
		logger = log.Log
	}
	return &Hub{subs: make(map[int64]map[*Subscription]struct{}), logger: logger}
}

// SetForwarder attaches a cross-process relay. Must be called before Publish.
func (h *Hub) SetForwarder(f Forwarder) {
	h.mu.Lock()
	h.forwarder = f
	h.mu.Unlock()
}

// Subscription receives events for one report until Close.
type Subscription struct {
	C <-chan StatusEvent

	ch       chan StatusEvent
	reportID int64
	hub      *Hub
	once     sync.Once
}

func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

func (h *Hub) Subscribe(reportID int64) *Subscription {
	ch := make(chan StatusEvent, subscriptionBuffer)
	s := &Subscription{C: ch, ch: ch, reportID: reportID, hub: h}

	h.mu.Lock()
	set, ok := h.subs[reportID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[reportID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	metrics.StatusSubscribers.Inc()
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.subs[s.reportID]
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.reportID)
	}
	close(s.ch)
	metrics.StatusSubscribers.Dec()
}

// Publish delivers ev locally and hands it to the forwarder, if any.
func (h *Hub) Publish(ctx context.Context, ev StatusEvent) {
	h.Deliver(ev)

	h.mu.Lock()
	f := h.forwarder
	h.mu.Unlock()
	if f != nil {
		if err := f.Forward(ctx, ev); err != nil {
			// local subscribers already have it; other processes miss this one
			h.logger.WithError(err).WithFields(log.Fields{
				"report_id": ev.ReportID,
				"status":    ev.Status,
			}).Warn("hub: forward failed")
		}
	}
}

// Deliver fans ev out to local subscribers only.
func (h *Hub) Deliver(ev StatusEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subs[ev.ReportID] {
		select {
		case s.ch <- ev:
			continue
		default:
		}
		// buffer full: drop the oldest
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
}

// Subscribers returns the number of open subscriptions for a report.
func (h *Hub) Subscribers(reportID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[reportID])
}
