package emitter

import (
	"context"
	"encoding/json"
	"time"

	iface "DetStreamClient/interface"
	"DetStreamClient/logger"
	"DetStreamClient/session"

	"go.uber.org/zap"
)

const (
	TopicStatus   = "status"
	TopicDetected = "detected"
)

// Publisher is the sink Forward writes to. MQTTEmitter implements it.
type Publisher interface {
	Publish(sub string, payload []byte) error
}

type StatusMessage struct {
	Status    string    `json:"status"`
	AttemptID uint64    `json:"attemptId"`
	TraceID   string    `json:"traceId,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

type DetectedMessage struct {
	iface.DetectedState
	AttemptID uint64    `json:"attemptId"`
	Boxes     int       `json:"boxes"`
	At        time.Time `json:"at"`
}

// Encode turns one session event into its topic and JSON payload.
func Encode(ev session.Event) (string, []byte, error) {
	if ev.Kind == session.EventStatus {
		msg := StatusMessage{
			Status:    ev.Session.Status.String(),
			AttemptID: ev.Session.AttemptID,
			TraceID:   ev.Session.TraceID,
			At:        ev.At,
		}
		if ev.Err != nil {
			msg.Error = ev.Err.Error()
		}
		payload, err := json.Marshal(msg)
		return TopicStatus, payload, err
	}
	payload, err := json.Marshal(DetectedMessage{
		DetectedState: ev.Detected,
		AttemptID:     ev.Session.AttemptID,
		Boxes:         ev.Boxes,
		At:            ev.At,
	})
	return TopicDetected, payload, err
}

// Forwarder relays session events to a Publisher.
type Forwarder struct {
	mgr    *session.Manager
	pub    Publisher
	events chan session.Event
	log    *zap.Logger
}

// Attach subscribes to mgr right away so no event after it returns is missed.
func Attach(mgr *session.Manager, pub Publisher) (*Forwarder, error) {
	f := &Forwarder{
		mgr:    mgr,
		pub:    pub,
		events: make(chan session.Event, 64),
		log:    logger.Named("emitter"),
	}
	if err := mgr.Subscribe("emitter", f.events); err != nil {
		return nil, err
	}
	return f, nil
}

// Run publishes every event until ctx is done, then detaches. Publish
// failures are logged and the event is dropped.
func (f *Forwarder) Run(ctx context.Context) error {
	defer func() { _ = f.mgr.Unsubscribe("emitter") }()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-f.events:
			topic, payload, err := Encode(ev)
			if err != nil {
				f.log.Warn("event encode failed", zap.Error(err))
				continue
			}
			if err := f.pub.Publish(topic, payload); err != nil {
				f.log.Debug("event publish failed", zap.String("topic", topic), zap.Error(err))
			}
		}
	}
}
