package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cmdrelay/cmdrelay/pkg/clock"
	"github.com/cmdrelay/cmdrelay/pkg/command"
	"github.com/cmdrelay/cmdrelay/pkg/deviceid"
	"github.com/cmdrelay/cmdrelay/pkg/log"
	"github.com/cmdrelay/cmdrelay/pkg/wire"
)

// AckProcessor applies device-reported outcomes to the command store.
// It keeps no in-memory state and is safe to call from any goroutine.
type AckProcessor struct {
	store  command.Store
	clock  clock.Clock
	policy command.ConflictPolicy
	logger *slog.Logger
	plog   log.Logger
}

// NewAckProcessor creates a processor. A nil logger disables logging.
func NewAckProcessor(store command.Store, clk clock.Clock, policy command.ConflictPolicy, logger *slog.Logger, plog log.Logger) *AckProcessor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &AckProcessor{
		store:  store,
		clock:  clk,
		policy: policy,
		logger: logger,
		plog:   log.OrNoop(plog),
	}
}

// Apply records the outcome reported by connection connID.
//
// Unknown commands return command.ErrNotFound and malformed acks return
// ErrInvalidAck. Both are logged here; callers may ignore the error.
func (p *AckProcessor) Apply(ctx context.Context, connID string, ack wire.AckPayload) (command.ApplyResult, error) {
	if err := ack.Validate(); err != nil {
		p.logger.Warn("ignoring invalid ack", "connID", connID, "error", err)
		return 0, fmt.Errorf("%w: %w", ErrInvalidAck, err)
	}

	outcome := command.Outcome{
		Success:       ack.Success,
		ResultCode:    ack.ResultCode,
		ResultMessage: ack.ResultMessage,
		Error:         ack.Error,
		ExecutedAt:    p.clock.Now(),
	}

	cmd, result, err := p.store.ApplyOutcome(ctx, ack.CommandID, outcome, p.policy)
	if err != nil {
		if errors.Is(err, command.ErrNotFound) {
			p.logger.Warn("ack for unknown command", "connID", connID, "commandID", ack.CommandID)
		} else {
			p.logger.Error("failed to apply ack", "connID", connID, "commandID", ack.CommandID, "error", err)
		}
		p.plog.Log(log.Event{
			Timestamp:    p.clock.Now(),
			ConnectionID: connID,
			CommandID:    ack.CommandID,
			Direction:    log.DirectionIn,
			Layer:        log.LayerRelay,
			Category:     log.CategoryError,
			Error:        &log.ErrorEventData{Layer: log.LayerRelay, Message: err.Error(), Context: "apply ack"},
		})
		return 0, err
	}

	if ack.DeviceID != "" {
		reported, nerr := deviceid.Normalize(ack.DeviceID)
		if nerr != nil || reported != cmd.DeviceID {
			p.logger.Warn("ack device does not match command device",
				"connID", connID, "commandID", cmd.ID,
				"reported", ack.DeviceID, "deviceID", cmd.DeviceID)
		}
	}

	switch result {
	case command.ResultApplied:
		p.logger.Info("command completed",
			"commandID", cmd.ID, "deviceID", cmd.DeviceID, "state", cmd.State, "resultCode", cmd.ResultCode)
	case command.ResultOverwritten:
		p.logger.Warn("conflicting ack overwrote outcome",
			"commandID", cmd.ID, "deviceID", cmd.DeviceID, "state", cmd.State)
	case command.ResultRejected:
		p.logger.Warn("conflicting ack rejected",
			"commandID", cmd.ID, "deviceID", cmd.DeviceID, "state", cmd.State)
	default:
		p.logger.Debug("duplicate ack ignored", "commandID", cmd.ID)
	}

	p.plog.Log(log.Event{
		Timestamp:    p.clock.Now(),
		ConnectionID: connID,
		DeviceID:     string(cmd.DeviceID),
		CommandID:    cmd.ID,
		Direction:    log.DirectionIn,
		Layer:        log.LayerRelay,
		Category:     log.CategoryAck,
		Ack: &log.AckEvent{
			Success:    ack.Success,
			Result:     result.String(),
			State:      string(cmd.State),
			ResultCode: cmd.ResultCode,
			Error:      cmd.Error,
		},
	})
	return result, nil
}
