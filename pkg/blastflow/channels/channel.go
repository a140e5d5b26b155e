// Package channels defines the vocabulary shared between BlastFlow and the
// chat-network engine that delivers its messages: the Engine contract, the
// engine status tokens sent to dashboards, and the lifecycle events an engine
// reports upward.
package channels

import (
	"context"
	"fmt"
	"time"
)

// Status is the engine status token sent to dashboards in the "status" event.
type Status string

const (
	// StatusScan means the engine waits for a login code scan (or lost its link).
	StatusScan Status = "scan"
	// StatusAuthenticated means the code was accepted and the engine is syncing.
	StatusAuthenticated Status = "authenticated"
	// StatusReady means messages can be sent.
	StatusReady Status = "ready"
	// StatusReset is announced when a full system reset begins.
	StatusReset Status = "reset"
)

// State is the engine adapter's lifecycle state.
type State string

const (
	StateUninitialized  State = "uninitialized"
	StateInitializing   State = "initializing"
	StateScanPending    State = "scan_pending"
	StateAuthenticating State = "authenticating"
	StateReady          State = "ready"
	StateDisconnected   State = "disconnected"
)

// Status derives the wire token for a lifecycle state. Everything that is not
// authenticating or ready asks the operator to scan.
func (s State) Status() Status {
	switch s {
	case StateAuthenticating:
		return StatusAuthenticated
	case StateReady:
		return StatusReady
	default:
		return StatusScan
	}
}

// EventType identifies a lifecycle event reported by an engine.
type EventType string

const (
	EventLoginCode     EventType = "login_code"
	EventAuthenticated EventType = "authenticated"
	EventReady         EventType = "ready"
	EventDisconnected  EventType = "disconnected"
	EventAuthFailure   EventType = "auth_failure"
)

// Event is a lifecycle notification from the engine.
type Event struct {
	Type EventType

	// State is the adapter state after the event was applied.
	State State

	// LoginImage is the login code rendered as a data URL (EventLoginCode only).
	LoginImage string

	// Reason carries a short human description for failures and disconnects.
	Reason string

	Timestamp time.Time
}

// EventHandler receives engine events. Implementations must not block.
type EventHandler func(Event)

// Engine is the single shared automation client.
type Engine interface {
	// Start (re)initializes the engine. Any previous client and its listeners
	// are torn down first, so at most one listener set is active.
	Start(ctx context.Context) error

	// Destroy tears down the current client. Safe to call when not started.
	Destroy() error

	// SendText delivers text to a fully-qualified destination address.
	SendText(ctx context.Context, destination, text string) error

	// State returns the current lifecycle state.
	State() State

	// LastLoginImage returns the most recent login code image while a scan is
	// pending, or "".
	LastLoginImage() string
}

// Errors.
var (
	ErrEngineNotReady = fmt.Errorf("engine is not ready")
	ErrEngineClosed   = fmt.Errorf("engine has been destroyed")
)
