// Package alert decides when a status snapshot warrants a notification.
//
// Each alert category is either absent or armed with the time its last
// notification was sent. An unhealthy snapshot notifies when its category is
// absent or the cooldown has strictly elapsed; a healthy snapshot disarms
// every category so the next fault always notifies.
package alert

import (
	"maps"
	"time"

	"github.com/skobkin/gpumon/internal/telemetry"
)

// DefaultCooldown is the minimum spacing between repeated notifications of
// the same category.
const DefaultCooldown = time.Hour

// Category is the deduplication key.
type Category string

const (
	// CategoryError is used when telemetry could not be retrieved.
	CategoryError Category = "error"
	// CategoryThreshold is used when one or more devices breached a limit.
	CategoryThreshold Category = "threshold"
)

// Categories lists every category in evaluation order.
var Categories = []Category{CategoryError, CategoryThreshold}

// CategoryOf returns the category an unhealthy snapshot falls into. The
// error entry takes precedence over threshold issues.
func CategoryOf(snapshot telemetry.Snapshot) Category {
	if snapshot.Err() != "" {
		return CategoryError
	}
	return CategoryThreshold
}

// Decision is the outcome of one evaluation.
type Decision struct {
	// Notify is set when a notification must be sent for Category now.
	Notify bool `json:"notify"`
	// Category is empty for healthy snapshots.
	Category Category `json:"category,omitempty"`
	// Suppressed is set when the category is armed and still cooling down.
	Suppressed bool `json:"suppressed"`
	// Recovered is set when a healthy snapshot disarmed at least one category.
	Recovered bool `json:"recovered"`
	// LastSent is the previous notification time for Category, if any.
	LastSent time.Time `json:"last_sent,omitzero"`
}

// Deduplicator holds the armed categories. It is not safe for concurrent use;
// the monitor loop is its only caller.
type Deduplicator struct {
	cooldown time.Duration
	lastSent map[Category]time.Time
}

// NewDeduplicator returns a Deduplicator with all categories absent. A
// non-positive cooldown selects DefaultCooldown.
func NewDeduplicator(cooldown time.Duration) *Deduplicator {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Deduplicator{
		cooldown: cooldown,
		lastSent: make(map[Category]time.Time),
	}
}

// Cooldown returns the configured spacing.
func (d *Deduplicator) Cooldown() time.Duration { return d.cooldown }

// Evaluate applies snapshot at now and reports whether to notify. The state
// is updated as a side effect.
func (d *Deduplicator) Evaluate(snapshot telemetry.Snapshot, now time.Time) Decision {
	if snapshot.Healthy {
		recovered := len(d.lastSent) > 0
		clear(d.lastSent)
		return Decision{Recovered: recovered}
	}

	category := CategoryOf(snapshot)
	last, armed := d.lastSent[category]
	decision := Decision{Category: category, LastSent: last}

	if armed && now.Sub(last) <= d.cooldown {
		decision.Suppressed = true
		return decision
	}

	d.lastSent[category] = now
	decision.Notify = true
	return decision
}

// Open returns a copy of the armed categories and their last-sent times.
func (d *Deduplicator) Open() map[Category]time.Time {
	return maps.Clone(d.lastSent)
}
