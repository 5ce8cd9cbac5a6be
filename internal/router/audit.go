package router

import (
	"maps"
	"sync"
	"time"

	"github.com/frinny-ai/frinny/internal/mood"
)

// Outcome records how one inbound event was handled.
type Outcome struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
	UserID    string    `json:"user_id"`
	ConnID    string    `json:"conn_id"`
	EventType string    `json:"event_type"`

	ContextID  string      `json:"context_id,omitempty"`
	Created    bool        `json:"created,omitempty"`
	Mood       mood.Mood   `json:"mood,omitempty"`
	MoodSource mood.Source `json:"mood_source,omitempty"`
	ErrorCode  string      `json:"error_code,omitempty"`

	Delivered int   `json:"delivered"`
	Failed    int   `json:"failed,omitempty"`
	ElapsedMs int64 `json:"elapsed_ms"`
}

// Stats tracks routing statistics.
type Stats struct {
	TotalEvents      int64            `json:"total_events"`
	EventCounts      map[string]int64 `json:"event_counts"`
	ErrorCounts      map[string]int64 `json:"error_counts"`
	MoodCounts       map[string]int64 `json:"mood_counts"`
	Unauthenticated  int64            `json:"unauthenticated"`
	Broadcasts       int64            `json:"broadcasts"`
	Delivered        int64            `json:"delivered"`
	DeliveryFailures int64            `json:"delivery_failures"`
	Rooms            int              `json:"rooms"`
	Connections      int              `json:"connections"`
}

type auditLog struct {
	mu    sync.Mutex
	max   int
	log   []Outcome
	stats Stats
}

func newAuditLog(max int) *auditLog {
	return &auditLog{
		max: max,
		stats: Stats{
			EventCounts: make(map[string]int64),
			ErrorCounts: make(map[string]int64),
			MoodCounts:  make(map[string]int64),
		},
	}
}

func (a *auditLog) record(o Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.log) >= a.max {
		a.log = a.log[1:]
	}
	a.log = append(a.log, o)

	a.stats.TotalEvents++
	a.stats.EventCounts[o.EventType]++
	if o.ErrorCode != "" {
		a.stats.ErrorCounts[o.ErrorCode]++
	}
	if o.Mood != "" {
		a.stats.MoodCounts[string(o.Mood)]++
	}
}

func (a *auditLog) countUnauthenticated() {
	a.mu.Lock()
	a.stats.Unauthenticated++
	a.stats.ErrorCounts[CodeUnauthenticated]++
	a.mu.Unlock()
}

func (a *auditLog) countDelivery(d Delivery) {
	a.mu.Lock()
	a.stats.Broadcasts++
	a.stats.Delivered += int64(d.Delivered)
	a.stats.DeliveryFailures += int64(d.Failed)
	a.mu.Unlock()
}

// Recent returns up to n of the latest outcomes, oldest first. n <= 0
// returns the whole log.
func (r *Router) Recent(n int) []Outcome {
	r.audit.mu.Lock()
	defer r.audit.mu.Unlock()
	if n <= 0 || n > len(r.audit.log) {
		n = len(r.audit.log)
	}
	out := make([]Outcome, n)
	copy(out, r.audit.log[len(r.audit.log)-n:])
	return out
}

// Explain returns the outcome recorded for requestID.
func (r *Router) Explain(requestID string) (Outcome, bool) {
	r.audit.mu.Lock()
	defer r.audit.mu.Unlock()
	for i := len(r.audit.log) - 1; i >= 0; i-- {
		if r.audit.log[i].RequestID == requestID {
			return r.audit.log[i], true
		}
	}
	return Outcome{}, false
}

// Stats returns routing statistics.
func (r *Router) Stats() Stats {
	r.audit.mu.Lock()
	s := r.audit.stats
	s.EventCounts = maps.Clone(s.EventCounts)
	s.ErrorCounts = maps.Clone(s.ErrorCounts)
	s.MoodCounts = maps.Clone(s.MoodCounts)
	r.audit.mu.Unlock()

	s.Rooms, s.Connections = r.rooms.Counts()
	return s
}
