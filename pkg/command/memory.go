package command

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/cmdrelay/cmdrelay/pkg/deviceid"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	commands map[string]*memoryEntry
	seq      uint64
}

type memoryEntry struct {
	cmd Command
	seq uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		commands: make(map[string]*memoryEntry),
	}
}

var _ Store = (*MemoryStore)(nil)

// Create inserts a new command.
func (s *MemoryStore) Create(ctx context.Context, cmd Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validate(cmd); err != nil {
		return err
	}
	if cmd.State == "" {
		cmd.State = StatePending
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.commands[cmd.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, cmd.ID)
	}
	s.seq++
	s.commands[cmd.ID] = &memoryEntry{cmd: clone(cmd), seq: s.seq}
	return nil
}

// Get returns a command by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (Command, error) {
	if err := ctx.Err(); err != nil {
		return Command{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.commands[id]
	if !ok {
		return Command{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return clone(e.cmd), nil
}

// List returns commands matching f, newest first.
func (s *MemoryStore) List(ctx context.Context, f Filter) ([]Command, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	s.mu.RLock()
	entries := make([]*memoryEntry, 0, len(s.commands))
	for _, e := range s.commands {
		if f.DeviceID != "" && e.cmd.DeviceID != f.DeviceID {
			continue
		}
		if f.State != "" && e.cmd.State != f.State {
			continue
		}
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.cmd.CreatedAt.Equal(b.cmd.CreatedAt) {
			return a.cmd.CreatedAt.After(b.cmd.CreatedAt)
		}
		return a.seq > b.seq
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}

	out := make([]Command, len(entries))
	for i, e := range entries {
		out[i] = clone(e.cmd)
	}
	return out, nil
}

// ListPending returns up to limit pending commands for the device.
func (s *MemoryStore) ListPending(ctx context.Context, id deviceid.ID, limit int) ([]Command, error) {
	return s.List(ctx, Filter{DeviceID: id, State: StatePending, Limit: limit})
}

// ApplyOutcome records an outcome. The store lock makes every check and
// write below a single atomic step.
func (s *MemoryStore) ApplyOutcome(ctx context.Context, id string, o Outcome, policy ConflictPolicy) (Command, ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return Command{}, 0, err
	}
	if o.ExecutedAt.IsZero() {
		o.ExecutedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.commands[id]
	if !ok {
		return Command{}, 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var result ApplyResult
	switch {
	case e.cmd.State == StatePending:
		o.apply(&e.cmd)
		result = ResultApplied
	case o.matches(e.cmd):
		result = ResultDuplicate
	case policy == FirstWriteWins:
		result = ResultRejected
	default:
		o.apply(&e.cmd)
		result = ResultOverwritten
	}
	return clone(e.cmd), result, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

func clone(c Command) Command {
	c.Payload = maps.Clone(c.Payload)
	if c.ExecutedAt != nil {
		at := *c.ExecutedAt
		c.ExecutedAt = &at
	}
	return c
}
