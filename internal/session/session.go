// Package session owns the one session the controller runs at a time.
//
// The Manager is the meeting point of two independent cadences: the
// recognition sampler, which pushes noisy identity observations, and the
// command loop, which blocks on user input while someone is logged in. All
// state lives behind a single mutex; commands execute under the same mutex
// (Exec) so a recognition event can never downgrade the session while a
// device side effect is in flight, and an observation can never interleave
// with a half-applied transition.
//
// State machine: anonymous → authenticating → active → logging_out →
// anonymous. Debounced login, grace-period and timeout logout, and an
// explicit logout command that short-circuits from active.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearthctl/hearth/internal/device"
	"github.com/hearthctl/hearth/internal/recognition"
)

// State is the session lifecycle state.
type State string

const (
	StateAnonymous      State = "anonymous"
	StateAuthenticating State = "authenticating"
	StateActive         State = "active"
	StateLoggingOut     State = "logging_out"
)

// ErrNoSession is returned by Exec when no user is logged in.
var ErrNoSession = errors.New("no active session")

// EventType distinguishes session lifecycle events.
type EventType string

const (
	EventLoggedIn  EventType = "logged_in"
	EventLoggedOut EventType = "logged_out"
)

// Event is delivered to the command loop when the session changes hands.
type Event struct {
	Type   EventType
	User   string
	Reason string
}

// Logout reasons.
const (
	ReasonCommand  = "logout command"
	ReasonAbsence  = "face absent beyond grace period"
	ReasonReplaced = "different identity observed"
	ReasonTimeout  = "session timeout"
	ReasonShutdown = "controller shutting down"
)

// Speaker is the slice of the speech adapter the manager needs.
type Speaker interface {
	Say(ctx context.Context, text string) device.Result
}

// Config tunes the session state machine.
type Config struct {
	// Debounce is how many consecutive observations of the same identity
	// are required before the session becomes active. Minimum 1.
	Debounce int

	// GracePeriod is how long the tracked identity may be absent from
	// observations before a forced logout.
	GracePeriod time.Duration

	// Timeout is the maximum session age regardless of presence.
	Timeout time.Duration
}

// Snapshot is a consistent view of the session for health reporting and
// tests. LoggingOut is never observable: it begins and ends within one
// locked transition.
type Snapshot struct {
	ID         string    `json:"id,omitempty"`
	State      State     `json:"state"`
	User       string    `json:"user,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	LastSeenAt time.Time `json:"last_seen_at,omitempty"`
}

// Manager is the session state machine. Exactly one exists per process.
type Manager struct {
	cfg     Config
	speaker Speaker
	logger  *slog.Logger
	events  chan Event

	mu             sync.Mutex
	id             string
	state          State
	user           string
	startedAt      time.Time
	lastSeenAt     time.Time
	candidate      string
	candidateCount int
}

// NewManager creates a manager in the anonymous state.
func NewManager(cfg Config, speaker Speaker) *Manager {
	if cfg.Debounce < 1 {
		cfg.Debounce = 1
	}
	return &Manager{
		cfg:     cfg,
		speaker: speaker,
		logger:  slog.With("component", "session"),
		state:   StateAnonymous,
		events:  make(chan Event, 16),
	}
}

// Events returns the channel of login/logout events consumed by the
// command loop.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Snapshot returns a consistent view of the session.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		ID:         m.id,
		State:      m.state,
		User:       m.user,
		StartedAt:  m.startedAt,
		LastSeenAt: m.lastSeenAt,
	}
}

// Run consumes observations until the context is cancelled. A one-second
// housekeeping tick enforces the grace period and session timeout even when
// no observations arrive (for example after the camera is lost).
func (m *Manager) Run(ctx context.Context, observations <-chan recognition.Observation) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Logout(context.Background(), ReasonShutdown)
			return
		case obs, ok := <-observations:
			if !ok {
				// Camera lost. Keep the housekeeping tick running so the
				// grace period and timeout still drain any active session.
				observations = nil
				continue
			}
			m.HandleObservation(ctx, obs)
		case <-ticker.C:
			m.expire(ctx, time.Now())
		}
	}
}

// HandleObservation applies one recognition sample to the state machine.
func (m *Manager) HandleObservation(ctx context.Context, obs recognition.Observation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateAnonymous:
		if !obs.Matched() {
			return
		}
		m.state = StateAuthenticating
		m.candidate = obs.BestMatch
		m.candidateCount = 1
		m.logger.Debug("authenticating", "candidate", m.candidate, "distance", obs.Distance)
		if m.candidateCount >= m.cfg.Debounce {
			m.activateLocked(ctx, obs.At)
		}

	case StateAuthenticating:
		if obs.BestMatch != m.candidate {
			// Unknown face or a different identity mid-debounce: start over.
			m.logger.Debug("authentication reset", "candidate", m.candidate, "observed", obs.BestMatch)
			m.resetLocked()
			return
		}
		m.candidateCount++
		if m.candidateCount >= m.cfg.Debounce {
			m.activateLocked(ctx, obs.At)
		}

	case StateActive:
		switch {
		case obs.BestMatch == m.user:
			m.lastSeenAt = obs.At
		case obs.Matched():
			// A different known identity is confidently in frame: the
			// current user is logged out; the newcomer authenticates from
			// scratch rather than taking over the session.
			m.logoutLocked(ctx, ReasonReplaced)
		default:
			if m.cfg.GracePeriod > 0 && obs.At.Sub(m.lastSeenAt) > m.cfg.GracePeriod {
				m.logoutLocked(ctx, ReasonAbsence)
			}
		}
	}
}

// Exec runs fn attributed to the logged-in user, holding the session lock
// so no concurrent recognition event can log the user out while the
// command's side effect is in flight. Returns ErrNoSession when nobody is
// logged in.
func (m *Manager) Exec(ctx context.Context, fn func(ctx context.Context, user string) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive {
		return ErrNoSession
	}
	return fn(ctx, m.user)
}

// Logout forces active → logging_out → anonymous, regardless of
// recognition state. No-op unless a session is active.
func (m *Manager) Logout(ctx context.Context, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateActive {
		m.logoutLocked(ctx, reason)
	}
}

// expire enforces the grace period and the absolute session timeout.
func (m *Manager) expire(ctx context.Context, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive {
		return
	}
	if m.cfg.Timeout > 0 && now.Sub(m.startedAt) > m.cfg.Timeout {
		m.logoutLocked(ctx, ReasonTimeout)
		return
	}
	if m.cfg.GracePeriod > 0 && now.Sub(m.lastSeenAt) > m.cfg.GracePeriod {
		m.logoutLocked(ctx, ReasonAbsence)
	}
}

// activateLocked commits authenticating → active. Caller holds the lock.
func (m *Manager) activateLocked(ctx context.Context, seenAt time.Time) {
	user := m.candidate
	m.id = uuid.NewString()
	m.state = StateActive
	m.user = user
	m.startedAt = seenAt
	m.lastSeenAt = seenAt
	m.candidate = ""
	m.candidateCount = 0

	m.logger.Info("user logged in", "user", user, "session_id", m.id)
	if res := m.speaker.Say(ctx, fmt.Sprintf("Hello %s", user)); !res.OK {
		m.logger.Warn("greeting failed", "user", user, "detail", res.Detail)
	}
	m.emit(Event{Type: EventLoggedIn, User: user})
}

// logoutLocked commits active → logging_out → anonymous. Caller holds the
// lock; the logging_out state is never externally observable.
func (m *Manager) logoutLocked(ctx context.Context, reason string) {
	user := m.user
	m.state = StateLoggingOut

	m.logger.Info("user logged out", "user", user, "reason", reason, "session_id", m.id)
	if res := m.speaker.Say(ctx, fmt.Sprintf("Goodbye %s", user)); !res.OK {
		m.logger.Warn("farewell failed", "user", user, "detail", res.Detail)
	}

	m.user = ""
	m.id = ""
	m.startedAt = time.Time{}
	m.lastSeenAt = time.Time{}
	m.resetLocked()
	m.emit(Event{Type: EventLoggedOut, User: user, Reason: reason})
}

// resetLocked returns to anonymous and clears any debounce progress.
func (m *Manager) resetLocked() {
	m.state = StateAnonymous
	m.candidate = ""
	m.candidateCount = 0
}

// emit delivers an event without blocking: a saturated consumer loses the
// event but can always recover the truth from Snapshot.
func (m *Manager) emit(evt Event) {
	select {
	case m.events <- evt:
	default:
		m.logger.Warn("event dropped, consumer busy", "type", evt.Type, "user", evt.User)
	}
}
