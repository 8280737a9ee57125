package notify

import (
	"context"
	"sync"
	"time"

	"ecgflow/internal/models"
	"ecgflow/internal/telemetry"
)

// Notification is pushed to observers on every committed state transition.
// Resync is set when the subscriber's queue overflowed and updates were
// dropped: the current state may be stale and should be re-fetched from the
// registry, which is always authoritative.
type Notification struct {
	SubmissionID  string                `json:"submission_id"`
	OwnerID       string                `json:"owner_id"`
	State         string                `json:"state"`
	Artifacts     map[string]string     `json:"artifacts,omitempty"`
	FailureReason *models.FailureReason `json:"failure_reason,omitempty"`
	Resync        bool                  `json:"resync,omitempty"`
	At            time.Time             `json:"at"`
}

// Target selects which submissions a subscriber observes: one submission by
// id, or every submission belonging to an owner.
type Target struct {
	SubmissionID string
	OwnerID      string
}

type subscriber struct {
	id      string
	target  Target
	ch      chan Notification
	dropped bool
}

// Hub fans committed transitions out to live subscribers. Delivery is
// best-effort: sends never block, and a full subscriber queue drops its
// oldest entry so a slow consumer cannot stall the engine or its peers.
type Hub struct {
	mu           sync.Mutex
	queueSize    int
	subs         map[string]*subscriber
	bySubmission map[string]map[string]*subscriber
	byOwner      map[string]map[string]*subscriber
}

// NewHub creates a hub whose subscribers each buffer up to queueSize
// notifications.
func NewHub(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = 16
	}
	return &Hub{
		queueSize:    queueSize,
		subs:         make(map[string]*subscriber),
		bySubmission: make(map[string]map[string]*subscriber),
		byOwner:      make(map[string]map[string]*subscriber),
	}
}

// Subscribe registers a connection for a target and returns its receive
// channel. The channel is closed on Unsubscribe.
func (h *Hub) Subscribe(connID string, target Target) <-chan Notification {
	sub := &subscriber{
		id:     connID,
		target: target,
		ch:     make(chan Notification, h.queueSize),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.subs[connID]; ok {
		h.removeLocked(old)
	}
	h.subs[connID] = sub
	if target.SubmissionID != "" {
		idx, ok := h.bySubmission[target.SubmissionID]
		if !ok {
			idx = make(map[string]*subscriber)
			h.bySubmission[target.SubmissionID] = idx
		}
		idx[connID] = sub
	}
	if target.OwnerID != "" {
		idx, ok := h.byOwner[target.OwnerID]
		if !ok {
			idx = make(map[string]*subscriber)
			h.byOwner[target.OwnerID] = idx
		}
		idx[connID] = sub
	}
	telemetry.Subscribers.Inc()
	return sub.ch
}

// Unsubscribe removes a connection and closes its channel. Delivery to a
// removed subscriber is never retried.
func (h *Hub) Unsubscribe(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[connID]
	if !ok {
		return
	}
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *subscriber) {
	delete(h.subs, sub.id)
	if sub.target.SubmissionID != "" {
		if idx := h.bySubmission[sub.target.SubmissionID]; idx != nil {
			delete(idx, sub.id)
			if len(idx) == 0 {
				delete(h.bySubmission, sub.target.SubmissionID)
			}
		}
	}
	if sub.target.OwnerID != "" {
		if idx := h.byOwner[sub.target.OwnerID]; idx != nil {
			delete(idx, sub.id)
			if len(idx) == 0 {
				delete(h.byOwner, sub.target.OwnerID)
			}
		}
	}
	close(sub.ch)
	telemetry.Subscribers.Dec()
}

// Publish pushes a notification to every subscriber watching the submission
// or its owner.
func (h *Hub) Publish(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	seen := make(map[string]bool)
	for _, sub := range h.bySubmission[n.SubmissionID] {
		seen[sub.id] = true
		h.deliverLocked(sub, n)
	}
	for _, sub := range h.byOwner[n.OwnerID] {
		if seen[sub.id] {
			continue
		}
		h.deliverLocked(sub, n)
	}
}

// deliverLocked sends without blocking. On overflow the oldest queued
// notification is discarded and the subscriber is flagged so its next
// delivery carries Resync.
func (h *Hub) deliverLocked(sub *subscriber, n Notification) {
	if sub.dropped {
		n.Resync = true
	}
	select {
	case sub.ch <- n:
		sub.dropped = false
		return
	default:
	}
	// Queue full: drop the oldest entry to make room.
	select {
	case <-sub.ch:
		telemetry.DroppedNotices.Inc()
	default:
	}
	n.Resync = true
	select {
	case sub.ch <- n:
		sub.dropped = false
	default:
		sub.dropped = true
		telemetry.DroppedNotices.Inc()
	}
}

// Notify lets the hub serve as the engine's notification sink directly when
// engine and subscribers share a process.
func (h *Hub) Notify(ctx context.Context, n Notification) {
	h.Publish(n)
}
