package contexts

import (
	"maps"
	"time"
)

// Selection reasons.
const (
	ReasonNoContexts      = "no_contexts"
	ReasonAboveThreshold  = "above_threshold"
	ReasonBelowThreshold  = "below_threshold"
	ReasonAllScoresFailed = "all_scores_failed"
)

// Selection records why a context was chosen for a message.
type Selection struct {
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id"`
	ContextID string    `json:"context_id"`
	Created   bool      `json:"created"`

	Candidates int                `json:"candidates"`
	Scores     map[string]float64 `json:"scores,omitempty"`
	Failures   int                `json:"failures,omitempty"`
	Best       float64            `json:"best"`
	Threshold  float64            `json:"threshold"`
	Reason     string             `json:"reason"`

	ElapsedMs int64 `json:"elapsed_ms"`
}

// Stats are cumulative registry counters.
type Stats struct {
	Selections      int64          `json:"selections"`
	Reused          int64          `json:"reused"`
	Created         int64          `json:"created"`
	ScoreFailures   int64          `json:"score_failures"`
	LoadFailures    int64          `json:"load_failures"`
	PersistFailures int64          `json:"persist_failures"`
	Turns           int64          `json:"turns"`
	Reasons         map[string]int `json:"reasons"`
	CachedUsers     int            `json:"cached_users"`
	CachedContexts  int            `json:"cached_contexts"`
	Locks           int            `json:"locks"`
}

// recordSelection appends to the bounded audit log and updates stats.
func (r *Registry) recordSelection(s Selection) {
	r.auditMu.Lock()
	defer r.auditMu.Unlock()

	if len(r.audit) >= r.cfg.MaxAuditLog {
		r.audit = r.audit[1:]
	}
	r.audit = append(r.audit, s)

	r.stats.Selections++
	if s.Created {
		r.stats.Created++
	} else {
		r.stats.Reused++
	}
	r.stats.ScoreFailures += int64(s.Failures)
	r.stats.Reasons[s.Reason]++
}

func (r *Registry) countFailure(load bool) {
	r.auditMu.Lock()
	defer r.auditMu.Unlock()
	if load {
		r.stats.LoadFailures++
	} else {
		r.stats.PersistFailures++
	}
}

func (r *Registry) countTurn() {
	r.auditMu.Lock()
	r.stats.Turns++
	r.auditMu.Unlock()
}

// Recent returns up to n of the latest selections, oldest first. n <= 0
// returns the whole log.
func (r *Registry) Recent(n int) []Selection {
	r.auditMu.Lock()
	defer r.auditMu.Unlock()

	if n <= 0 || n > len(r.audit) {
		n = len(r.audit)
	}
	out := make([]Selection, n)
	copy(out, r.audit[len(r.audit)-n:])
	return out
}

// Explain returns the latest selection that picked contextID.
func (r *Registry) Explain(contextID string) (Selection, bool) {
	r.auditMu.Lock()
	defer r.auditMu.Unlock()
	for i := len(r.audit) - 1; i >= 0; i-- {
		if r.audit[i].ContextID == contextID {
			return r.audit[i], true
		}
	}
	return Selection{}, false
}

// Stats returns a copy of the counters plus current cache sizes.
func (r *Registry) Stats() Stats {
	r.auditMu.Lock()
	s := r.stats
	s.Reasons = maps.Clone(r.stats.Reasons)
	r.auditMu.Unlock()

	r.mu.RLock()
	s.CachedUsers = len(r.users)
	for _, u := range r.users {
		s.CachedContexts += len(u.contexts)
	}
	r.mu.RUnlock()

	s.Locks = r.locks.Len()
	return s
}
