// Package presence implements PresenceHandler: a coalescing, rate-limited
// outbound queue of Discord presence updates bound for Matrix.
package presence

import (
	"container/list"
	"context"
	"log"
	"sync"
	"time"
)

// DiscordState mirrors Discord's presence states.
type DiscordState int

const (
	StateOnline DiscordState = iota
	StateIdle
	StateDnd
	StateOffline
)

// Update is a single presence observation, coalesced by UserID.
type Update struct {
	UserID     string
	Username   string
	State      DiscordState
	Activities []string
}

// MatrixPresence is what a drained Update maps to on the Matrix side.
type MatrixPresence struct {
	Presence  string // "online", "unavailable", "offline"
	StatusMsg string
}

// ToMatrix maps {Online, Idle, Dnd, Offline} to Matrix
// {online, unavailable, online+status, offline} per the presence mapping
// rule: Idle becomes unavailable, Dnd stays online but carries a status
// message summarizing the Discord activity.
func ToMatrix(u Update) MatrixPresence {
	switch u.State {
	case StateOnline:
		return MatrixPresence{Presence: "online"}
	case StateIdle:
		return MatrixPresence{Presence: "unavailable"}
	case StateDnd:
		return MatrixPresence{Presence: "online", StatusMsg: activitySummary(u.Activities)}
	case StateOffline:
		return MatrixPresence{Presence: "offline"}
	default:
		return MatrixPresence{Presence: "offline"}
	}
}

func activitySummary(activities []string) string {
	if len(activities) == 0 {
		return "Do Not Disturb"
	}
	return activities[0]
}

// Sink is called by the drain loop for each coalesced update. Implemented
// by the Matrix wire adapter (ensure ghost, then set_presence); kept as a
// function type so this package stays I/O-free and independently testable.
type Sink func(Update) error

// Handler owns the coalescing queue and its single consumer goroutine.
type Handler struct {
	sink        Sink
	minInterval time.Duration

	mu     sync.Mutex
	order  *list.List               // FIFO of user ids, preserving original enqueue position
	byUser map[string]*list.Element // user id -> node in order holding the latest Update
}

// New constructs a Handler. minInterval is clamped to at least 250ms per the
// PresenceHandler drain-rate floor.
func New(sink Sink, minInterval time.Duration) *Handler {
	if minInterval < 250*time.Millisecond {
		minInterval = 250 * time.Millisecond
	}
	return &Handler{
		sink:        sink,
		minInterval: minInterval,
		order:       list.New(),
		byUser:      make(map[string]*list.Element),
	}
}

// Enqueue is non-blocking and coalescing: a new entry for an existing
// user_id replaces the prior entry (last-write-wins) without changing its
// position in the drain order.
func (h *Handler) Enqueue(u Update) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if elem, exists := h.byUser[u.UserID]; exists {
		elem.Value = u
		return
	}

	elem := h.order.PushBack(u)
	h.byUser[u.UserID] = elem
}

// Len reports the number of distinct users currently queued — used by
// tests to assert coalescing without reaching into internals.
func (h *Handler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.order.Len()
}

func (h *Handler) dequeue() (Update, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	front := h.order.Front()
	if front == nil {
		return Update{}, false
	}

	u := front.Value.(Update)
	h.order.Remove(front)
	delete(h.byUser, u.UserID)
	return u, true
}

// Run drains the queue at minInterval until ctx is canceled. On
// cancellation it returns within one tick without attempting to flush
// remaining entries — the queue is in-memory only by design, so undrained
// entries are simply dropped.
func (h *Handler) Run(ctx context.Context) {
	ticker := time.NewTicker(h.minInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u, ok := h.dequeue()
			if !ok {
				continue
			}
			if err := h.sink(u); err != nil {
				log.Printf("[presence] delivery failed for %s: %v", u.UserID, err)
			}
		}
	}
}
