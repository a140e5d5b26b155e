// Package session implements the daily room that gates dashboard access.
//
// There is exactly one room per process. The first operator of the day opens
// it by choosing a mode and a shared password; everyone else joins with that
// password. TEAM rooms admit a bounded number of live connections. A reset
// wipes the room back to its empty state.
//
// The room never owns connections. It only keeps the ids of admitted ones and
// asks a LivenessChecker (the transport) which of them are still open.
package session

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/crypto/argon2"
)

// Mode is the room mode chosen by its creator.
type Mode string

const (
	// ModeSolo is a single-operator room with no capacity bound.
	ModeSolo Mode = "individual"
	// ModeTeam is a shared room bounded by Capacity live members.
	ModeTeam Mode = "team"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeSolo || m == ModeTeam
}

// DefaultTeamCapacity bounds TEAM room membership.
const DefaultTeamCapacity = 3

// Argon2id parameters for the shared secret hash. The room lives for a day
// in memory, so these are lighter than at-rest settings.
const (
	argonTime    = 1
	argonMemory  = 16 * 1024
	argonThreads = 2
	argonKeyLen  = 32
	saltLen      = 16
)

// Errors.
var (
	ErrRoomFull    = fmt.Errorf("room is full")
	ErrBadSecret   = fmt.Errorf("wrong password")
	ErrNoSession   = fmt.Errorf("no session has been created")
	ErrInvalidMode = fmt.Errorf("invalid session mode")
)

// Status is the public view of the room, safe to send before authentication.
type Status struct {
	Initialized bool `json:"isInitialized"`
	Mode        Mode `json:"mode"`
}

// LivenessChecker reports whether a connection id is still open.
type LivenessChecker interface {
	IsLive(connID string) bool
}

// Config configures the room.
type Config struct {
	TeamCapacity int `yaml:"team_capacity" split_words:"true"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{TeamCapacity: DefaultTeamCapacity}
}

// Manager is the room. All mutations happen under one mutex so that two
// connections racing to create the room cannot both succeed.
type Manager struct {
	cfg    Config
	live   LivenessChecker
	logger *slog.Logger

	mu          sync.Mutex
	initialized bool
	mode        Mode
	salt        []byte
	secretHash  []byte
	members     map[string]struct{}

	// epoch changes whenever the room is created or cleared, so a login
	// that hashed outside the lock can tell the room it checked is gone.
	epoch uint64

	// hash derives the stored secret. Replaced in tests.
	hash func(secret string, salt []byte) []byte
}

// NewManager creates an empty room.
func NewManager(cfg Config, live LivenessChecker, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TeamCapacity <= 0 {
		cfg.TeamCapacity = DefaultTeamCapacity
	}
	return &Manager{
		cfg:     cfg,
		live:    live,
		logger:  logger.With("component", "session"),
		members: make(map[string]struct{}),
		hash:    hashSecret,
	}
}

// Status returns whether a room exists and its mode. No side effects.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{Initialized: m.initialized, Mode: m.mode}
}

// Create opens the room and admits connID. It returns false without touching
// state when a room already exists; the caller is expected to re-query Status.
func (m *Manager) Create(connID string, mode Mode, secret string) (bool, error) {
	if !mode.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	if m.Status().Initialized {
		return false, nil
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return false, fmt.Errorf("generating salt: %w", err)
	}
	hash := m.hash(secret, salt)

	m.mu.Lock()
	defer m.mu.Unlock()

	// Another connection may have won the race while we were hashing.
	if m.initialized {
		return false, nil
	}
	m.epoch++
	m.initialized = true
	m.mode = mode
	m.salt = salt
	m.secretHash = hash
	m.admitLocked(connID)

	m.logger.Info("session created", "mode", mode, "conn", connID)
	return true, nil
}

// Login admits connID when secret matches. In TEAM mode dead members are
// pruned first and the room rejects every login once Capacity live members
// are present.
func (m *Manager) Login(connID, secret string) (Mode, error) {
	m.mu.Lock()
	if err := m.checkAdmissionLocked(connID); err != nil {
		m.mu.Unlock()
		return "", err
	}
	epoch, salt, want := m.epoch, m.salt, m.secretHash
	m.mu.Unlock()

	if subtle.ConstantTimeCompare(m.hash(secret, salt), want) != 1 {
		m.logger.Info("login rejected, wrong password", "conn", connID)
		return "", ErrBadSecret
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.epoch != epoch {
		// The room was cleared or replaced while hashing.
		if !m.initialized {
			return "", ErrNoSession
		}
		return "", ErrBadSecret
	}
	if err := m.checkAdmissionLocked(connID); err != nil {
		return "", err
	}
	m.admitLocked(connID)
	m.logger.Info("login accepted", "conn", connID, "members", len(m.members))
	return m.mode, nil
}

// checkAdmissionLocked reports why connID cannot join right now, if at all.
func (m *Manager) checkAdmissionLocked(connID string) error {
	if !m.initialized {
		return ErrNoSession
	}
	if m.mode == ModeTeam {
		m.pruneLocked()
		if len(m.members) >= m.cfg.TeamCapacity {
			m.logger.Info("login rejected, room full", "conn", connID, "members", len(m.members))
			return ErrRoomFull
		}
	}
	return nil
}

// Release removes connID from the membership. Called on every disconnect,
// authenticated or not.
func (m *Manager) Release(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members, connID)
}

// Capacity returns the TEAM membership bound.
func (m *Manager) Capacity() int { return m.cfg.TeamCapacity }

// Members returns the number of admitted connections, live or not.
func (m *Manager) Members() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.members)
}

// Reset clears the room to its empty state and reports whether a room existed.
func (m *Manager) Reset() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	was := m.initialized
	m.epoch++
	m.initialized = false
	m.mode = ""
	m.salt = nil
	m.secretHash = nil
	m.members = make(map[string]struct{})
	if was {
		m.logger.Info("session cleared")
	}
	return was
}

// admitLocked adds connID to the membership. Idempotent.
func (m *Manager) admitLocked(connID string) {
	m.members[connID] = struct{}{}
}

// pruneLocked drops members whose connection is gone.
func (m *Manager) pruneLocked() {
	if m.live == nil {
		return
	}
	for id := range m.members {
		if !m.live.IsLive(id) {
			delete(m.members, id)
		}
	}
}

func hashSecret(secret string, salt []byte) []byte {
	return argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}
