package dispatch

import (
	"sync"
	"time"

	"github.com/Linzell/BrokeAgent-sub001/internal/backend"
)

// Health is a point-in-time snapshot of one backend's breaker state.
type Health struct {
	Backend             backend.ID `json:"backend"`
	Available           bool       `json:"available"`
	UnavailableReason   Reason     `json:"unavailable_reason,omitempty"`
	UnavailableUntil    *time.Time `json:"unavailable_until,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
}

// healthRecord is the mutable per-backend state. Guarded by its own mutex so
// unrelated backends never serialize on each other.
type healthRecord struct {
	mu sync.Mutex

	available           bool
	unavailableReason   Reason
	unavailableUntil    time.Time
	consecutiveFailures int
	lastSuccess         time.Time
	lastFailure         time.Time
	lastError           string
}

// expire flips the record back to available once the cooldown has passed.
// Consecutive failures are not reset by expiry; only a real success does that.
// Must be called with mu held.
func (r *healthRecord) expire(now time.Time) {
	if !r.available && !now.Before(r.unavailableUntil) {
		r.available = true
		r.unavailableReason = ""
		r.unavailableUntil = time.Time{}
	}
}

// HealthTracker keeps a time-based cooling breaker per backend. A backend
// enters cooling on failure and becomes eligible again purely by time passing;
// there is no probe request gating the return.
type HealthTracker struct {
	mu      sync.RWMutex
	records map[backend.ID]*healthRecord

	maxConsecutiveFailures int
	extendedCooldown       time.Duration

	now func() time.Time
}

// NewHealthTracker creates a health tracker. After maxConsecutiveFailures
// consecutive failures the extendedCooldown replaces the classifier's default.
func NewHealthTracker(maxConsecutiveFailures int, extendedCooldown time.Duration) *HealthTracker {
	if maxConsecutiveFailures <= 0 {
		maxConsecutiveFailures = 3
	}
	if extendedCooldown <= 0 {
		extendedCooldown = 5 * time.Minute
	}
	return &HealthTracker{
		records:                make(map[backend.ID]*healthRecord),
		maxConsecutiveFailures: maxConsecutiveFailures,
		extendedCooldown:       extendedCooldown,
		now:                    time.Now,
	}
}

// record returns (or lazily creates) the health record for a backend.
func (ht *HealthTracker) record(id backend.ID) *healthRecord {
	ht.mu.RLock()
	r, ok := ht.records[id]
	ht.mu.RUnlock()
	if ok {
		return r
	}

	ht.mu.Lock()
	defer ht.mu.Unlock()
	// Double-check after acquiring write lock
	if r, ok := ht.records[id]; ok {
		return r
	}
	r = &healthRecord{available: true}
	ht.records[id] = r
	return r
}

// IsAvailable reports whether the backend may be attempted, applying lazy
// cooldown expiry.
func (ht *HealthTracker) IsAvailable(id backend.ID) bool {
	r := ht.record(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expire(ht.now())
	return r.available
}

// RecordSuccess marks the backend healthy and resets its failure streak.
func (ht *HealthTracker) RecordSuccess(id backend.ID) {
	r := ht.record(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.available = true
	r.unavailableReason = ""
	r.unavailableUntil = time.Time{}
	r.consecutiveFailures = 0
	r.lastSuccess = ht.now()
}

// RecordFailure classifies the error and puts the backend into cooling.
// Returns the classified reason and the cooldown actually applied.
func (ht *HealthTracker) RecordFailure(id backend.ID, err error) (Reason, time.Duration) {
	return ht.RecordFailureWith(id, err, 0, 0)
}

// RecordFailureWith is RecordFailure with per-call overrides for the
// escalation threshold and extended cooldown. Zero values fall back to the
// tracker's defaults.
func (ht *HealthTracker) RecordFailureWith(id backend.ID, err error, threshold int, extended time.Duration) (Reason, time.Duration) {
	if threshold <= 0 {
		threshold = ht.maxConsecutiveFailures
	}
	if extended <= 0 {
		extended = ht.extendedCooldown
	}

	reason, cooldown := Classify(err)

	r := ht.record(id)
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consecutiveFailures++
	if r.consecutiveFailures >= threshold {
		cooldown = extended
	}

	now := ht.now()
	r.available = false
	r.unavailableReason = reason
	r.unavailableUntil = now.Add(cooldown)
	r.lastFailure = now
	if err != nil {
		r.lastError = err.Error()
	}
	return reason, cooldown
}

// Reset forces a backend back to available. Operator override.
func (ht *HealthTracker) Reset(id backend.ID) {
	r := ht.record(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.available = true
	r.unavailableReason = ""
	r.unavailableUntil = time.Time{}
	r.consecutiveFailures = 0
}

// ResetAll drops every health record, forgetting cooldowns and failure streaks.
func (ht *HealthTracker) ResetAll() {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	ht.records = make(map[backend.ID]*healthRecord)
}

// Snapshot returns the backend's health, applying lazy expiry first.
func (ht *HealthTracker) Snapshot(id backend.ID) Health {
	r := ht.record(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expire(ht.now())

	h := Health{
		Backend:             id,
		Available:           r.available,
		UnavailableReason:   r.unavailableReason,
		ConsecutiveFailures: r.consecutiveFailures,
		LastError:           r.lastError,
	}
	if !r.unavailableUntil.IsZero() {
		until := r.unavailableUntil
		h.UnavailableUntil = &until
	}
	if !r.lastSuccess.IsZero() {
		ts := r.lastSuccess
		h.LastSuccess = &ts
	}
	if !r.lastFailure.IsZero() {
		ts := r.lastFailure
		h.LastFailure = &ts
	}
	return h
}

// SnapshotAll returns health for every backend seen so far.
func (ht *HealthTracker) SnapshotAll() []Health {
	ht.mu.RLock()
	ids := make([]backend.ID, 0, len(ht.records))
	for id := range ht.records {
		ids = append(ids, id)
	}
	ht.mu.RUnlock()

	out := make([]Health, 0, len(ids))
	for _, id := range ids {
		out = append(out, ht.Snapshot(id))
	}
	return out
}
