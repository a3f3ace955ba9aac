// Package protocol parses messages from the detection service and encodes the
// client's outbound messages.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	iface "DetStreamClient/interface"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindAuthAck
	KindDetections
	KindInterval
)

func (k Kind) String() string {
	switch k {
	case KindAuthAck:
		return "auth_ack"
	case KindDetections:
		return "detections"
	case KindInterval:
		return "interval"
	default:
		return "unknown"
	}
}

const (
	StatusSuccess   = "success"
	TypeSetInterval = "set_interval"
	FrameEvent      = "frame"
)

type AuthAck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (a AuthAck) OK() bool { return a.Status == StatusSuccess }

// IntervalControl carries the server's requested capture interval in
// milliseconds, unclamped.
type IntervalControl struct {
	Type     string  `json:"type"`
	Interval float64 `json:"interval"`
}

// Message is exactly one parsed inbound message. Err is set (wrapping
// iface.ErrMalformedMessage) when the payload could not be understood; such a
// message is reported as an empty detection batch.
type Message struct {
	Kind     Kind
	Ack      AuthAck
	Interval IntervalControl
	Batch    iface.DetectionBatch
	Err      error
}

func malformed(format string, args ...any) Message {
	return Message{
		Kind:  KindDetections,
		Batch: iface.DetectionBatch{},
		Err:   fmt.Errorf("%w: %s", iface.ErrMalformedMessage, fmt.Sprintf(format, args...)),
	}
}

// Parse classifies one inbound payload. It never fails: anything it cannot
// read becomes an empty batch with Err set.
func Parse(data []byte) Message {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return malformed("empty payload")
	}
	switch trimmed[0] {
	case '{':
		return parseObject(trimmed)
	case '[':
		return parseBatch(trimmed)
	default:
		return malformed("unexpected leading byte %q", trimmed[0])
	}
}

func parseObject(data []byte) Message {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return malformed("%v", err)
	}
	if raw, ok := fields["status"]; ok {
		var ack AuthAck
		if err := json.Unmarshal(raw, &ack.Status); err != nil {
			// a non-string status is still a status, and it is not "success"
			ack.Status = string(raw)
		}
		if msg, ok := fields["message"]; ok {
			_ = json.Unmarshal(msg, &ack.Message)
		}
		return Message{Kind: KindAuthAck, Ack: ack}
	}
	if raw, ok := fields["type"]; ok {
		var typ string
		if err := json.Unmarshal(raw, &typ); err != nil || typ != TypeSetInterval {
			return Message{Kind: KindUnknown}
		}
		var ctl IntervalControl
		if err := json.Unmarshal(data, &ctl); err != nil {
			return malformed("set_interval: %v", err)
		}
		if math.IsNaN(ctl.Interval) || math.IsInf(ctl.Interval, 0) {
			return malformed("set_interval: interval is not finite")
		}
		return Message{Kind: KindInterval, Interval: ctl}
	}
	return malformed("object without status or type")
}

func parseBatch(data []byte) Message {
	var rows [][]float64
	if err := json.Unmarshal(data, &rows); err != nil {
		return malformed("%v", err)
	}
	batch := make(iface.DetectionBatch, 0, len(rows))
	var err error
	for i, row := range rows {
		item := iface.DetectionItem(row)
		if !item.Valid() && err == nil {
			err = fmt.Errorf("%w: item %d has %d values, want %d", iface.ErrMalformedMessage, i, len(row), iface.DetectionArity)
		}
		batch = append(batch, item)
	}
	// wrong-arity items stay in the batch so item 0 still drives the detected state
	return Message{Kind: KindDetections, Batch: batch, Err: err}
}

// EncodeAuth builds the first-message credential used by the message-auth shape.
func EncodeAuth(token string) ([]byte, error) {
	return json.Marshal(struct {
		Token string `json:"token"`
	}{Token: token})
}

// FrameEnvelope is a named event carrying one encoded frame. []byte is
// marshalled as base64.
type FrameEnvelope struct {
	Event string `json:"event"`
	Data  []byte `json:"data"`
}

func EncodeFrameEvent(payload []byte) ([]byte, error) {
	return json.Marshal(FrameEnvelope{Event: FrameEvent, Data: payload})
}
