package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cmdrelay/cmdrelay/pkg/clock"
	"github.com/cmdrelay/cmdrelay/pkg/command"
	"github.com/cmdrelay/cmdrelay/pkg/deviceid"
	"github.com/cmdrelay/cmdrelay/pkg/log"
	"github.com/cmdrelay/cmdrelay/pkg/session"
	"github.com/cmdrelay/cmdrelay/pkg/wire"
)

// Dispatcher delivers a device's pending commands to its room.
//
// Dispatch, DeliverNow and every scheduled step run on the control loop.
// Only the store query runs elsewhere.
type Dispatcher struct {
	store     command.Store
	transport Transport
	clock     clock.Clock
	registry  *session.Registry
	submit    func(func()) bool
	spawn     func(func())

	pacing      time.Duration
	verifyDelay time.Duration
	limit       int

	logger *slog.Logger
	plog   log.Logger

	// passes counts unfinished passes per device, from Dispatch until
	// verification or an early abort.
	passes map[deviceid.ID]int
}

// Running reports whether a pass for id has not yet been verified.
func (d *Dispatcher) Running(id deviceid.ID) bool {
	return d.passes[id] > 0
}

func (d *Dispatcher) finish(id deviceid.ID) {
	if d.passes[id]--; d.passes[id] <= 0 {
		delete(d.passes, id)
	}
}

// Dispatch starts a delivery pass for id. It returns immediately; a store
// failure aborts only this pass.
func (d *Dispatcher) Dispatch(ctx context.Context, id deviceid.ID) {
	if d.passes == nil {
		d.passes = make(map[deviceid.ID]int)
	}
	d.passes[id]++
	d.spawn(func() {
		cmds, err := d.store.ListPending(ctx, id, d.limit)
		d.submit(func() {
			d.startPass(id, cmds, err)
		})
	})
}

func (d *Dispatcher) startPass(id deviceid.ID, cmds []command.Command, err error) {
	if err != nil {
		d.finish(id)
		d.logger.Error("dispatch aborted: pending query failed",
			"deviceID", id, "error", err)
		d.plog.Log(log.Event{
			Timestamp: d.clock.Now(),
			DeviceID:  string(id),
			Direction: log.DirectionOut,
			Layer:     log.LayerRelay,
			Category:  log.CategoryError,
			Error:     &log.ErrorEventData{Layer: log.LayerRelay, Message: err.Error(), Context: "list pending"},
		})
		return
	}
	if len(cmds) == 0 {
		d.finish(id)
		d.logger.Debug("dispatch: no pending commands", "deviceID", id)
		return
	}

	d.logger.Info("dispatching pending commands",
		"deviceID", id, "count", len(cmds), "pacing", d.pacing)

	batch := len(cmds)
	for i, cmd := range cmds {
		if i == 0 {
			d.deliver(id, cmd, i, batch)
			continue
		}
		d.clock.AfterFunc(time.Duration(i)*d.pacing, func() {
			d.submit(func() {
				d.deliver(id, cmd, i, batch)
			})
		})
	}

	d.clock.AfterFunc(d.verifyDelay, func() {
		d.submit(func() {
			d.verify(id, batch)
		})
	})
}

// deliver emits cmd to the room if it still has members.
func (d *Dispatcher) deliver(id deviceid.ID, cmd command.Command, index, batch int) bool {
	members := d.registry.MembersOf(id)
	ev := &log.DeliveryEvent{
		Index:   index,
		Batch:   batch,
		Members: len(members),
		Action:  cmd.Action,
	}

	if len(members) == 0 {
		ev.Outcome = log.DeliverySkipped
		d.logDelivery(id, cmd.ID, ev)
		d.logger.Warn("delivery skipped: device room is empty",
			"deviceID", id, "commandID", cmd.ID, "index", index)
		return false
	}

	var partial *PartialEmitError
	if err := d.transport.EmitToRoom(string(id), wire.EventCommand, cmd); errors.As(err, &partial) {
		d.logger.Warn("delivery reached only part of the room",
			"deviceID", id, "commandID", cmd.ID, "delivered", partial.Delivered, "error", partial.Err)
	} else if err != nil {
		d.logger.Error("delivery failed", "deviceID", id, "commandID", cmd.ID, "error", err)
		return false
	}
	if err := d.transport.EmitToRoom(string(id), wire.EventNewCommand, cmd); err != nil {
		d.logger.Warn("legacy delivery failed", "deviceID", id, "commandID", cmd.ID, "error", err)
	}

	ev.Outcome = log.DeliveryEmitted
	d.logDelivery(id, cmd.ID, ev)
	d.logger.Debug("command delivered",
		"deviceID", id, "commandID", cmd.ID, "action", cmd.Action,
		"index", index, "members", len(members))
	return true
}

func (d *Dispatcher) verify(id deviceid.ID, batch int) {
	d.finish(id)
	members := d.registry.MembersOf(id)
	ev := &log.DeliveryEvent{Batch: batch, Members: len(members)}

	if len(members) == 0 {
		ev.Outcome = log.DeliveryAtRisk
		d.logDelivery(id, "", ev)
		d.logger.Warn("delivery at risk: device left before verification",
			"deviceID", id, "batch", batch)
		return
	}
	ev.Outcome = log.DeliveryVerified
	d.logDelivery(id, "", ev)
	d.logger.Debug("delivery verified", "deviceID", id, "members", len(members))
}

// DeliverNow emits a freshly enqueued command if its device is online.
// Returns false if the device has no live connection; the command then waits
// for the next registration.
func (d *Dispatcher) DeliverNow(cmd command.Command) bool {
	if !d.registry.HasMembers(cmd.DeviceID) {
		d.logger.Debug("device offline, command queued",
			"deviceID", cmd.DeviceID, "commandID", cmd.ID)
		return false
	}
	return d.deliver(cmd.DeviceID, cmd, 0, 1)
}

func (d *Dispatcher) logDelivery(id deviceid.ID, commandID string, ev *log.DeliveryEvent) {
	d.plog.Log(log.Event{
		Timestamp: d.clock.Now(),
		DeviceID:  string(id),
		CommandID: commandID,
		Direction: log.DirectionOut,
		Layer:     log.LayerRelay,
		Category:  log.CategoryDelivery,
		Delivery:  ev,
	})
}
