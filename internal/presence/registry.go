package presence

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/example/safecircle/internal/domain"
)

var connectedUsers = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "presence_connected_users",
	Help: "Number of users with a live connection.",
})

// Event types pushed over live connections.
const (
	EventLocationUpdate = "location_update"
	EventSOSAlert       = "sos_alert"
	EventSOSResolved    = "sos_resolved"
)

// Event is a message pushed to a connected user.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Handle is an addressable live connection. Implementations should be
// comparable, typically pointers: Release matches handles with ==.
type Handle interface {
	Send(ctx context.Context, evt Event) error
}

// Entry describes the current live connection of a user.
type Entry struct {
	UserID   domain.UserID
	Handle   Handle
	JoinedAt time.Time
}

// Registry maps users to at most one live connection. The latest connection
// wins; replaced handles are not closed here.
type Registry struct {
	mu      sync.RWMutex
	entries map[domain.UserID]Entry
	clock   domain.Clock
}

// NewRegistry returns an empty registry.
func NewRegistry(clock domain.Clock) *Registry {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Registry{entries: make(map[domain.UserID]Entry), clock: clock}
}

// SetPresent records handle as the live connection of userID.
func (r *Registry) SetPresent(userID domain.UserID, handle Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[userID] = Entry{UserID: userID, Handle: handle, JoinedAt: r.clock.Now()}
	connectedUsers.Set(float64(len(r.entries)))
}

// Clear removes userID. Clearing an absent user is a no-op.
func (r *Registry) Clear(userID domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, userID)
	connectedUsers.Set(float64(len(r.entries)))
}

// Release clears userID only while handle is still its current connection.
// It reports whether the entry was removed.
func (r *Registry) Release(userID domain.UserID, handle Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[userID]
	if !ok || !sameHandle(entry.Handle, handle) {
		return false
	}
	delete(r.entries, userID)
	connectedUsers.Set(float64(len(r.entries)))
	return true
}

// sameHandle compares handles without panicking on non-comparable dynamic
// types; such handles never match and are only removed by Clear.
func sameHandle(a, b Handle) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	t := reflect.TypeOf(a)
	if t != reflect.TypeOf(b) || !t.Comparable() {
		return false
	}
	return a == b
}

// Lookup returns the live handle of userID.
func (r *Registry) Lookup(userID domain.UserID) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[userID]
	if !ok {
		return nil, false
	}
	return entry.Handle, true
}

// Entry returns the full presence entry of userID.
func (r *Registry) Entry(userID domain.UserID) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[userID]
	return entry, ok
}

// Count returns the number of present users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
