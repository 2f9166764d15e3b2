// Package session manages the lifecycle of caller sessions in Redis:
// creation, activity tracking, idle/timeout detection, bounded chat history,
// and background housekeeping.
//
// Layout in the store:
//
//	session:{id}         hash    session row
//	sessions:active      set     ids of non-closed sessions
//	session:{id}:history list    JSON messages, newest first, capped at 50
//
// Session rows carry a TTL so abandoned sessions vanish on their own; closed
// sessions are retained for a day of observation before expiring.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// State is the lifecycle state of a session.
type State string

const (
	StateNew    State = "NEW"
	StateActive State = "ACTIVE"
	StateIdle   State = "IDLE"
	StateClosed State = "CLOSED"
)

// ParseState validates a stored session state string.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateNew, StateActive, StateIdle, StateClosed:
		return State(s), nil
	default:
		return "", fmt.Errorf("session: unknown state %q", s)
	}
}

// Defaults for lifecycle timing, in seconds.
const (
	DefaultIdleTimeout = 30
	DefaultMaxDuration = 600

	// closedRetention keeps closed sessions around for observation.
	closedRetention = 86400 * time.Second

	// activeTTLSlack is added to max duration for the active-row TTL so
	// housekeeping gets a chance to close the session first.
	activeTTLSlack = 60 * time.Second
)

// historyLimit caps the stored chat history per session.
const historyLimit = 50

// ErrNotFound is returned when a session id is unknown or expired.
var ErrNotFound = errors.New("session: not found")

// Session is one caller session row.
type Session struct {
	ID           string
	State        State
	CreatedAt    time.Time
	LastActivity time.Time
	IdleTimeout  time.Duration
	MaxDuration  time.Duration
	UserID       string
	Metadata     map[string]string
}

// HistoryEntry is one chat message in the session history.
type HistoryEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Option is a functional option for configuring a Manager.
type Option func(*Manager)

// WithIdleTimeout sets the idle threshold for new sessions.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) { m.idleTimeout = d }
}

// WithMaxDuration sets the lifetime cap for new sessions.
func WithMaxDuration(d time.Duration) Option {
	return func(m *Manager) { m.maxDuration = d }
}

// Manager owns session rows in Redis. All methods are safe for concurrent
// use; per-session writes are disjoint by key.
type Manager struct {
	rdb         *redis.Client
	idleTimeout time.Duration
	maxDuration time.Duration
	now         func() time.Time
}

// NewManager builds a session manager on top of the given Redis client.
func NewManager(rdb *redis.Client, opts ...Option) *Manager {
	m := &Manager{
		rdb:         rdb,
		idleTimeout: DefaultIdleTimeout * time.Second,
		maxDuration: DefaultMaxDuration * time.Second,
		now:         time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Ping verifies store connectivity.
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("session: ping store: %w", err)
	}
	return nil
}

func sessionKey(id string) string { return "session:" + id }
func historyKey(id string) string { return "session:" + id + ":history" }

const activeSetKey = "sessions:active"

// Create registers a new session and returns its id. userID may be empty.
func (m *Manager) Create(ctx context.Context, userID string) (string, error) {
	id := uuid.NewString()
	now := m.now().UTC().Format(time.RFC3339Nano)

	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, sessionKey(id), map[string]any{
		"session_id":    id,
		"state":         string(StateNew),
		"created_at":    now,
		"last_activity": now,
		"idle_timeout":  fmt.Sprintf("%d", int(m.idleTimeout.Seconds())),
		"max_duration":  fmt.Sprintf("%d", int(m.maxDuration.Seconds())),
		"user_id":       userID,
		"metadata":      "{}",
	})
	pipe.SAdd(ctx, activeSetKey, id)
	pipe.Expire(ctx, sessionKey(id), m.maxDuration+activeTTLSlack)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("session: create: %w", err)
	}
	return id, nil
}

// Get returns a session row, or ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	data, err := m.rdb.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", id, err)
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	return sessionFromHash(id, data)
}

// GetState returns the lifecycle state of a session, or ErrNotFound.
func (m *Manager) GetState(ctx context.Context, id string) (State, error) {
	s, err := m.rdb.HGet(ctx, sessionKey(id), "state").Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("session: get state %s: %w", id, err)
	}
	return ParseState(s)
}

// UpdateState stores a new lifecycle state. Closing removes the session from
// the active set.
func (m *Manager) UpdateState(ctx context.Context, id string, state State) error {
	if err := m.rdb.HSet(ctx, sessionKey(id), "state", string(state)).Err(); err != nil {
		return fmt.Errorf("session: update state %s: %w", id, err)
	}
	if state == StateClosed {
		if err := m.rdb.SRem(ctx, activeSetKey, id).Err(); err != nil {
			return fmt.Errorf("session: leave active set %s: %w", id, err)
		}
	}
	return nil
}

// Touch refreshes last_activity and promotes NEW/IDLE sessions to ACTIVE.
// Returns ErrNotFound for unknown sessions.
func (m *Manager) Touch(ctx context.Context, id string) error {
	state, err := m.GetState(ctx, id)
	if err != nil {
		return err
	}

	now := m.now().UTC().Format(time.RFC3339Nano)
	if err := m.rdb.HSet(ctx, sessionKey(id), "last_activity", now).Err(); err != nil {
		return fmt.Errorf("session: touch %s: %w", id, err)
	}
	if state == StateNew || state == StateIdle {
		return m.UpdateState(ctx, id, StateActive)
	}
	return nil
}

// IsIdle reports whether the session has gone without activity for longer
// than its idle timeout.
func (m *Manager) IsIdle(ctx context.Context, id string) (bool, error) {
	sess, err := m.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return m.now().UTC().Sub(sess.LastActivity) >= sess.IdleTimeout, nil
}

// IsExpired reports whether the session has exceeded its maximum duration.
func (m *Manager) IsExpired(ctx context.Context, id string) (bool, error) {
	sess, err := m.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return m.now().UTC().Sub(sess.CreatedAt) >= sess.MaxDuration, nil
}

// Close marks the session CLOSED and shortens its retention to the
// observation window.
func (m *Manager) Close(ctx context.Context, id string) error {
	if err := m.UpdateState(ctx, id, StateClosed); err != nil {
		return err
	}
	pipe := m.rdb.Pipeline()
	pipe.Expire(ctx, sessionKey(id), closedRetention)
	pipe.Expire(ctx, historyKey(id), closedRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: close %s: %w", id, err)
	}
	return nil
}

// AddToHistory prepends a chat message and trims the history to its cap.
func (m *Manager) AddToHistory(ctx context.Context, id, role, content string) error {
	entry, err := json.Marshal(HistoryEntry{
		Role:      role,
		Content:   content,
		Timestamp: m.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("session: marshal history entry: %w", err)
	}

	pipe := m.rdb.TxPipeline()
	pipe.LPush(ctx, historyKey(id), entry)
	pipe.LTrim(ctx, historyKey(id), 0, historyLimit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: append history %s: %w", id, err)
	}
	return nil
}

// History returns up to limit most recent messages in chronological order.
// Entries that fail to decode are skipped.
func (m *Manager) History(ctx context.Context, id string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	raw, err := m.rdb.LRange(ctx, historyKey(id), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("session: history %s: %w", id, err)
	}

	entries := make([]HistoryEntry, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var e HistoryEntry
		if err := json.Unmarshal([]byte(raw[i]), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Cleanup is one housekeeping pass over the active-session set: ACTIVE
// sessions past their idle timeout become IDLE, and any session past its
// maximum duration is closed. Errors on individual sessions are logged and
// do not stop the pass.
func (m *Manager) Cleanup(ctx context.Context) error {
	ids, err := m.rdb.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return fmt.Errorf("session: list active: %w", err)
	}

	for _, id := range ids {
		idle, err := m.IsIdle(ctx, id)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				slog.Warn("session housekeeping: idle check failed", "session_id", id, "error", err)
			} else {
				// Row expired under us; drop the dangling set member.
				m.rdb.SRem(ctx, activeSetKey, id)
			}
			continue
		}
		if idle {
			state, err := m.GetState(ctx, id)
			if err == nil && state == StateActive {
				if err := m.UpdateState(ctx, id, StateIdle); err != nil {
					slog.Warn("session housekeeping: idle transition failed", "session_id", id, "error", err)
				}
			}
		}

		expired, err := m.IsExpired(ctx, id)
		if err != nil {
			continue
		}
		if expired {
			if err := m.Close(ctx, id); err != nil {
				slog.Warn("session housekeeping: close failed", "session_id", id, "error", err)
			} else {
				slog.Info("session closed by housekeeping", "session_id", id)
			}
		}
	}
	return nil
}

// sessionFromHash decodes a session row. Unknown states are refused.
func sessionFromHash(id string, data map[string]string) (*Session, error) {
	state, err := ParseState(data["state"])
	if err != nil {
		return nil, err
	}
	created, err := time.Parse(time.RFC3339Nano, data["created_at"])
	if err != nil {
		return nil, fmt.Errorf("session: decode created_at for %s: %w", id, err)
	}
	activity, err := time.Parse(time.RFC3339Nano, data["last_activity"])
	if err != nil {
		return nil, fmt.Errorf("session: decode last_activity for %s: %w", id, err)
	}

	sess := &Session{
		ID:           id,
		State:        state,
		CreatedAt:    created,
		LastActivity: activity,
		UserID:       data["user_id"],
		Metadata:     map[string]string{},
	}
	if v := data["metadata"]; v != "" {
		// Metadata is advisory; a bad blob should not make the row unreadable.
		_ = json.Unmarshal([]byte(v), &sess.Metadata)
	}

	var idleSec, maxSec int
	fmt.Sscanf(data["idle_timeout"], "%d", &idleSec)
	fmt.Sscanf(data["max_duration"], "%d", &maxSec)
	if idleSec <= 0 {
		idleSec = DefaultIdleTimeout
	}
	if maxSec <= 0 {
		maxSec = DefaultMaxDuration
	}
	sess.IdleTimeout = time.Duration(idleSec) * time.Second
	sess.MaxDuration = time.Duration(maxSec) * time.Second
	return sess, nil
}
