package commands

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/cmdrelay/cmdrelay/pkg/log"
)

// record is the flattened form of an event used by the exporters.
type record struct {
	Timestamp    string `json:"timestamp"`
	ConnectionID string `json:"connectionId,omitempty"`
	Direction    string `json:"direction"`
	Layer        string `json:"layer"`
	Category     string `json:"category"`
	Role         string `json:"role"`
	RemoteAddr   string `json:"remoteAddr,omitempty"`
	DeviceID     string `json:"deviceId,omitempty"`
	CommandID    string `json:"commandId,omitempty"`
	Type         string `json:"type"`

	Frame       *log.FrameEvent `json:"frame,omitempty"`
	Event       string          `json:"event,omitempty"`
	Codec       string          `json:"codec,omitempty"`
	Payload     any             `json:"payload,omitempty"`
	StateChange *stateRecord    `json:"stateChange,omitempty"`
	CloseCode   *int            `json:"closeCode,omitempty"`
	Delivery    *deliveryRecord `json:"delivery,omitempty"`
	Ack         *log.AckEvent   `json:"ack,omitempty"`
	Error       *errorRecord    `json:"error,omitempty"`
}

type stateRecord struct {
	Entity   string `json:"entity"`
	OldState string `json:"oldState,omitempty"`
	NewState string `json:"newState"`
	Reason   string `json:"reason,omitempty"`
}

type deliveryRecord struct {
	Outcome string `json:"outcome"`
	Index   int    `json:"index"`
	Batch   int    `json:"batch"`
	Members int    `json:"members"`
	Action  string `json:"action,omitempty"`
}

type errorRecord struct {
	Layer   string `json:"layer"`
	Message string `json:"message"`
	Context string `json:"context,omitempty"`
}

func toRecord(e log.Event) record {
	r := record{
		Timestamp:    e.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z"),
		ConnectionID: e.ConnectionID,
		Direction:    e.Direction.String(),
		Layer:        e.Layer.String(),
		Category:     e.Category.String(),
		Role:         e.LocalRole.String(),
		RemoteAddr:   e.RemoteAddr,
		DeviceID:     e.DeviceID,
		CommandID:    e.CommandID,
		Type:         typeLabel(e),
		Frame:        e.Frame,
		Ack:          e.Ack,
	}
	if m := e.Message; m != nil {
		r.Event = m.Event
		r.Codec = m.Codec
		r.Payload = jsonSafe(m.Payload)
	}
	if sc := e.StateChange; sc != nil {
		r.StateChange = &stateRecord{
			Entity:   sc.Entity.String(),
			OldState: sc.OldState,
			NewState: sc.NewState,
			Reason:   sc.Reason,
		}
	}
	if c := e.ControlMsg; c != nil {
		r.CloseCode = c.CloseCode
	}
	if d := e.Delivery; d != nil {
		r.Delivery = &deliveryRecord{
			Outcome: d.Outcome.String(),
			Index:   d.Index,
			Batch:   d.Batch,
			Members: d.Members,
			Action:  d.Action,
		}
	}
	if er := e.Error; er != nil {
		r.Error = &errorRecord{Layer: er.Layer.String(), Message: er.Message, Context: er.Context}
	}
	return r
}

// RunExport writes the log at path to output (stdout when empty) in the
// given format: jsonl or csv.
func RunExport(path, format, output string) error {
	var export func(*log.Reader, io.Writer) error
	switch format {
	case "jsonl":
		export = exportJSONL
	case "csv":
		export = exportCSV
	default:
		return fmt.Errorf("unknown format: %s (supported: jsonl, csv)", format)
	}

	reader, err := openReader(path, log.Filter{})
	if err != nil {
		return err
	}
	defer reader.Close()

	if output == "" {
		return export(reader, os.Stdout)
	}
	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	if err := export(reader, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func exportJSONL(reader *log.Reader, w io.Writer) error {
	enc := json.NewEncoder(w)
	return eachEvent(reader, func(event log.Event) error {
		if err := enc.Encode(toRecord(event)); err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		return nil
	})
}

var csvHeader = []string{
	"timestamp", "connection_id", "direction", "layer", "category",
	"device_id", "command_id", "type", "detail",
}

func exportCSV(reader *log.Reader, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	err := eachEvent(reader, func(event log.Event) error {
		r := toRecord(event)
		row := []string{
			r.Timestamp, r.ConnectionID, r.Direction, r.Layer, r.Category,
			r.DeviceID, r.CommandID, r.Type, csvDetail(event),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// csvDetail condenses the event body into one column.
func csvDetail(e log.Event) string {
	switch {
	case e.Frame != nil:
		return strconv.Itoa(e.Frame.Size)
	case e.StateChange != nil:
		return e.StateChange.OldState + "->" + e.StateChange.NewState
	case e.Delivery != nil:
		return fmt.Sprintf("%d/%d members=%d", e.Delivery.Index+1, e.Delivery.Batch, e.Delivery.Members)
	case e.Ack != nil:
		return e.Ack.Result
	case e.Error != nil:
		return e.Error.Message
	}
	return ""
}
