package monitor

import (
	"maps"
	"sync"
	"time"

	"github.com/skobkin/gpumon/internal/alert"
	"github.com/skobkin/gpumon/internal/telemetry"
)

// LastAlert describes the most recent notification the loop fired.
type LastAlert struct {
	ID       string         `json:"id"`
	Category alert.Category `json:"category"`
	Message  string         `json:"message"`
	SentAt   time.Time      `json:"sent_at"`
}

// Status is what the loop publishes after every cycle.
type Status struct {
	Cycle      uint64                       `json:"cycle"`
	Snapshot   telemetry.Snapshot           `json:"snapshot"`
	Decision   alert.Decision               `json:"decision"`
	OpenAlerts map[alert.Category]time.Time `json:"open_alerts"`
	LastAlert  *LastAlert                   `json:"last_alert,omitempty"`
}

func (m *Monitor) publish(cycle uint64, snapshot telemetry.Snapshot, decision alert.Decision, fired *LastAlert) {
	m.mu.Lock()
	if fired != nil {
		m.lastAlert = fired
	}
	status := Status{
		Cycle:      cycle,
		Snapshot:   snapshot,
		Decision:   decision,
		OpenAlerts: m.dedup.Open(),
		LastAlert:  m.lastAlert,
	}
	m.latest = &status

	targets := make([]*subscriber, 0, len(m.subscribers))
	for sub := range m.subscribers {
		targets = append(targets, sub)
	}
	m.mu.Unlock()

	for _, sub := range targets {
		sub.send(status.clone())
	}
}

// Latest returns the most recent status.
func (m *Monitor) Latest() (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return Status{}, false
	}
	return m.latest.clone(), true
}

// Ready reports whether at least one cycle completed.
func (m *Monitor) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest != nil
}

// Subscribe registers a listener. The channel holds one status; a slow
// reader only ever sees the newest. The channel is closed when Run returns
// or unsubscribe is called.
func (m *Monitor) Subscribe() (<-chan Status, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := newSubscriber()
	if m.closed {
		sub.close()
		return sub.channel(), func() {}
	}
	m.subscribers[sub] = struct{}{}
	if m.latest != nil {
		sub.send(m.latest.clone())
	}

	return sub.channel(), func() { m.removeSubscriber(sub) }
}

// Subscribers reports the number of active listeners.
func (m *Monitor) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers)
}

func (m *Monitor) removeSubscriber(sub *subscriber) {
	m.mu.Lock()
	delete(m.subscribers, sub)
	m.mu.Unlock()
	sub.close()
}

func (m *Monitor) closeSubscribers() {
	m.mu.Lock()
	m.closed = true
	subs := m.subscribers
	m.subscribers = make(map[*subscriber]struct{})
	m.mu.Unlock()

	for sub := range subs {
		sub.close()
	}
}

func (s Status) clone() Status {
	s.OpenAlerts = maps.Clone(s.OpenAlerts)
	if s.LastAlert != nil {
		last := *s.LastAlert
		s.LastAlert = &last
	}
	return s
}

type subscriber struct {
	ch     chan Status
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{ch: make(chan Status, 1)}
}

func (s *subscriber) channel() <-chan Status {
	return s.ch
}

func (s *subscriber) send(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- status:
		return
	default:
		// Drop the stale status.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- status:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
