// Package command defines the persisted command record and the stores that
// hold it.
//
// A Command is created pending by the operator path and reaches exactly one
// of the terminal states acknowledged or failed when a device reports its
// outcome. Stores apply outcomes with a compare-and-set on the state column,
// so racing or duplicated acknowledgments never produce a torn record.
package command

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cmdrelay/cmdrelay/pkg/deviceid"
)

// Store errors.
var (
	ErrNotFound         = errors.New("command not found")
	ErrExists           = errors.New("command already exists")
	ErrStoreUnavailable = errors.New("command store unavailable")
	ErrContention       = errors.New("command update contention")
	ErrInvalidCommand   = errors.New("invalid command")
)

// State is the lifecycle state of a command.
type State string

const (
	StatePending      State = "pending"
	StateAcknowledged State = "acknowledged"
	StateFailed       State = "failed"
)

// IsTerminal reports whether no further transition is expected.
func (s State) IsTerminal() bool {
	return s == StateAcknowledged || s == StateFailed
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateAcknowledged, StateFailed:
		return true
	}
	return false
}

// Command is a queued unit of work for a device.
type Command struct {
	ID            string         `json:"id" cbor:"1,keyasint"`
	DeviceID      deviceid.ID    `json:"deviceId" cbor:"2,keyasint"`
	Action        string         `json:"action" cbor:"3,keyasint"`
	Payload       map[string]any `json:"payload,omitempty" cbor:"4,keyasint,omitempty"`
	State         State          `json:"state" cbor:"5,keyasint"`
	CreatedAt     time.Time      `json:"createdAt" cbor:"6,keyasint"`
	ExecutedAt    *time.Time     `json:"executedAt,omitempty" cbor:"7,keyasint,omitempty"`
	ResultCode    string         `json:"resultCode,omitempty" cbor:"8,keyasint,omitempty"`
	ResultMessage string         `json:"resultMessage,omitempty" cbor:"9,keyasint,omitempty"`
	Error         string         `json:"error,omitempty" cbor:"10,keyasint,omitempty"`
}

// New creates a pending command for the raw device identifier.
// The identifier is normalized so that stored commands and live sessions
// agree on the device key.
func New(rawDeviceID, action string, payload map[string]any, now time.Time) (Command, error) {
	id, err := deviceid.Normalize(rawDeviceID)
	if err != nil {
		return Command{}, err
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return Command{}, fmt.Errorf("%w: action is required", ErrInvalidCommand)
	}
	return Command{
		ID:        uuid.NewString(),
		DeviceID:  id,
		Action:    action,
		Payload:   maps.Clone(payload),
		State:     StatePending,
		CreatedAt: now.UTC().Truncate(time.Millisecond),
	}, nil
}

// Outcome is a device-reported execution result.
type Outcome struct {
	Success       bool
	ResultCode    string
	ResultMessage string
	Error         string
	ExecutedAt    time.Time
}

// TargetState returns the terminal state the outcome drives a command to.
func (o Outcome) TargetState() State {
	if o.Success {
		return StateAcknowledged
	}
	return StateFailed
}

// matches reports whether c already records outcome o.
// ExecutedAt is not compared: a re-sent ack carries a new timestamp.
func (o Outcome) matches(c Command) bool {
	return c.State == o.TargetState() &&
		c.ResultCode == o.ResultCode &&
		c.ResultMessage == o.ResultMessage &&
		c.Error == o.Error
}

// apply writes the outcome into c.
func (o Outcome) apply(c *Command) {
	at := o.ExecutedAt.UTC().Truncate(time.Millisecond)
	c.State = o.TargetState()
	c.ExecutedAt = &at
	c.ResultCode = o.ResultCode
	c.ResultMessage = o.ResultMessage
	c.Error = o.Error
}

// ConflictPolicy decides what happens when an outcome differs from the one
// already recorded on a terminal command.
type ConflictPolicy int

const (
	// LastWriteWins replaces the recorded outcome. This is the default.
	LastWriteWins ConflictPolicy = iota

	// FirstWriteWins keeps the first recorded outcome.
	FirstWriteWins
)

// String returns the configuration name of the policy.
func (p ConflictPolicy) String() string {
	switch p {
	case LastWriteWins:
		return "last-write-wins"
	case FirstWriteWins:
		return "first-write-wins"
	default:
		return fmt.Sprintf("ConflictPolicy(%d)", int(p))
	}
}

// ParseConflictPolicy parses a configuration name. The empty string selects
// LastWriteWins.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "last-write-wins", "lww":
		return LastWriteWins, nil
	case "first-write-wins", "fww":
		return FirstWriteWins, nil
	}
	return 0, fmt.Errorf("unknown conflict policy %q", s)
}

// ApplyResult describes what ApplyOutcome did.
type ApplyResult int

const (
	// ResultApplied means the command moved from pending to a terminal state.
	ResultApplied ApplyResult = iota

	// ResultDuplicate means the same outcome was already recorded. Nothing
	// was written.
	ResultDuplicate

	// ResultOverwritten means a different terminal outcome was replaced
	// under LastWriteWins.
	ResultOverwritten

	// ResultRejected means a different terminal outcome was kept under
	// FirstWriteWins.
	ResultRejected
)

func (r ApplyResult) String() string {
	switch r {
	case ResultApplied:
		return "applied"
	case ResultDuplicate:
		return "duplicate"
	case ResultOverwritten:
		return "overwritten"
	case ResultRejected:
		return "rejected"
	default:
		return fmt.Sprintf("ApplyResult(%d)", int(r))
	}
}

// Filter selects commands in List. Zero fields match everything.
type Filter struct {
	DeviceID deviceid.ID
	State    State
	Limit    int
}

// DefaultListLimit caps List when Filter.Limit is zero.
const DefaultListLimit = 100

// maxCASAttempts bounds the overwrite retry loop under LastWriteWins.
const maxCASAttempts = 5

// Store persists commands.
//
// All list operations return commands newest-first by CreatedAt.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create inserts a new command. Returns ErrExists if the ID is taken.
	Create(ctx context.Context, cmd Command) error

	// Get returns the command with the given ID or ErrNotFound.
	Get(ctx context.Context, id string) (Command, error)

	// List returns commands matching the filter.
	List(ctx context.Context, f Filter) ([]Command, error)

	// ListPending returns up to limit pending commands for the device.
	ListPending(ctx context.Context, id deviceid.ID, limit int) ([]Command, error)

	// ApplyOutcome records a device outcome with compare-and-set semantics
	// and returns the resulting stored command.
	ApplyOutcome(ctx context.Context, id string, o Outcome, policy ConflictPolicy) (Command, ApplyResult, error)

	// Close releases the store's resources.
	Close() error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

func validate(cmd Command) error {
	if cmd.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidCommand)
	}
	if cmd.DeviceID.IsZero() {
		return fmt.Errorf("%w: missing device id", ErrInvalidCommand)
	}
	if cmd.Action == "" {
		return fmt.Errorf("%w: missing action", ErrInvalidCommand)
	}
	if cmd.State == "" {
		return nil
	}
	if !cmd.State.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidCommand, cmd.State)
	}
	return nil
}
