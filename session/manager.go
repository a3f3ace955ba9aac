// Package session owns the connection to the detection service: one live
// attempt at a time, the auth handshake, the status machine and the state
// derived from inbound detections.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"DetStreamClient/capture"
	iface "DetStreamClient/interface"
	"DetStreamClient/logger"
	"DetStreamClient/overlay"
	"DetStreamClient/protocol"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultDialTimeout = 10 * time.Second

var (
	ErrSubscriberExists   = errors.New("subscriber id already exists")
	ErrSubscriberNotFound = errors.New("subscriber id not found")
)

type EventKind int

const (
	EventStatus EventKind = iota
	EventDetection
)

// Event is published to subscribers after every status change and every
// accepted detection batch.
type Event struct {
	Kind     EventKind
	Session  iface.Session
	Detected iface.DetectedState
	Boxes    int
	Err      error
	At       time.Time
}

// Snapshot is a consistent copy of the manager's published state.
type Snapshot struct {
	Session   iface.Session
	Detected  iface.DetectedState
	Overlay   *overlay.Frame
	LastError error
	Interval  time.Duration
	Width     int
	Height    int
	Mode      iface.VisionMode
}

// Recorder receives message and status counts. monitor.Metrics implements it.
type Recorder interface {
	MessageReceived(kind string)
	StatusChanged(status iface.Status)
}

type nopRecorder struct{}

func (nopRecorder) MessageReceived(string)      {}
func (nopRecorder) StatusChanged(iface.Status) {}

type attempt struct {
	id        uint64
	transport iface.Transport
	cancel    context.CancelFunc
}

// attemptHandler tags transport callbacks with the attempt they belong to.
type attemptHandler struct {
	m  *Manager
	id uint64
}

func (h attemptHandler) OnMessage(data []byte) { h.m.handleMessage(h.id, data) }
func (h attemptHandler) OnClose(err error)     { h.m.handleClose(h.id, err) }

// Manager is the session reducer. Every mutation of status, detected state
// and overlay happens under mu and only for the live attempt; callbacks from
// superseded attempts are dropped.
type Manager struct {
	DialTimeout time.Duration
	Recorder    Recorder

	newTransport func() iface.Transport
	renderer     *overlay.Renderer
	interval     *capture.Interval
	log          *zap.Logger

	mu        sync.Mutex
	attemptID uint64
	live      *attempt
	session   iface.Session
	detected  iface.DetectedState
	lastBatch iface.DetectionBatch
	frame     *overlay.Frame
	lastErr   error
	width     int
	height    int
	mode      iface.VisionMode

	subMu sync.RWMutex
	subs  map[string]chan<- Event
}

func NewManager(newTransport func() iface.Transport, renderer *overlay.Renderer, interval *capture.Interval) *Manager {
	return &Manager{
		DialTimeout:  DefaultDialTimeout,
		Recorder:     nopRecorder{},
		newTransport: newTransport,
		renderer:     renderer,
		interval:     interval,
		log:          logger.Named("session"),
		session:      iface.Session{Status: iface.Disconnected},
		detected:     iface.NeutralState,
		width:        iface.DetectorSize,
		height:       iface.DetectorSize,
		subs:         make(map[string]chan<- Event),
	}
}

// Connect tears down any live attempt and starts a new one. It returns the
// new attempt id immediately; the dial and handshake complete asynchronously.
func (m *Manager) Connect(endpoint, credential string) uint64 {
	m.mu.Lock()
	old := m.live
	if old != nil {
		old.cancel()
	}
	m.attemptID++
	id := m.attemptID
	ctx, cancel := context.WithCancel(context.Background())
	a := &attempt{id: id, transport: m.newTransport(), cancel: cancel}
	m.live = a
	m.session = iface.Session{
		AttemptID:  id,
		TraceID:    uuid.NewString(),
		Endpoint:   endpoint,
		Credential: credential,
	}
	m.lastErr = nil
	m.transitionLocked(iface.Connecting, nil)
	trace := m.session.TraceID
	m.mu.Unlock()

	if old != nil {
		m.closeTransport(old)
	}
	m.log.Info("connecting", zap.Uint64("attempt", id), zap.String("trace", trace), zap.String("endpoint", endpoint))
	go m.dial(ctx, a, endpoint, credential)
	return id
}

func (m *Manager) dial(ctx context.Context, a *attempt, endpoint, credential string) {
	dctx, cancel := context.WithTimeout(ctx, m.DialTimeout)
	defer cancel()
	err := a.transport.Open(dctx, endpoint, credential, attemptHandler{m: m, id: a.id})
	if err != nil {
		m.fail(a.id, fmt.Errorf("%w: %v", iface.ErrTransport, err))
		return
	}
	m.mu.Lock()
	stale := !m.isLiveLocked(a.id)
	m.mu.Unlock()
	if stale {
		// superseded while dialing; the socket must not outlive its attempt
		m.closeTransport(a)
		return
	}
	m.log.Debug("transport open", zap.Uint64("attempt", a.id))
}

// Disconnect ends the live attempt on purpose. The close that follows is
// never reported as an error. Safe to call at any time.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	a := m.live
	m.live = nil
	if a != nil {
		a.cancel()
	}
	if m.session.Status != iface.Disconnected {
		m.lastErr = nil
		m.transitionLocked(iface.Disconnected, nil)
	}
	m.mu.Unlock()
	if a != nil {
		m.closeTransport(a)
		m.log.Info("disconnected", zap.Uint64("attempt", a.id))
	}
}

// Send hands one encoded frame to the live transport. It is a no-op unless
// the session is Connected and never queues.
func (m *Manager) Send(payload []byte) bool {
	m.mu.Lock()
	if m.live == nil || m.session.Status != iface.Connected {
		m.mu.Unlock()
		return false
	}
	t, id := m.live.transport, m.live.id
	m.mu.Unlock()
	if err := t.Send(payload); err != nil {
		m.log.Debug("frame send failed", zap.Uint64("attempt", id), zap.Error(err))
		return false
	}
	return true
}

func (m *Manager) Connected() bool {
	return m.Status() == iface.Connected
}

func (m *Manager) Status() iface.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Status
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Session:   m.session,
		Detected:  m.detected,
		Overlay:   m.frame,
		LastError: m.lastErr,
		Interval:  m.interval.Get(),
		Width:     m.width,
		Height:    m.height,
		Mode:      m.mode,
	}
}

// SetViewport changes the overlay canvas size and re-renders the last batch.
func (m *Manager) SetViewport(width, height int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.width, m.height = width, height
	m.frame = m.renderer.Render(m.lastBatch, m.width, m.height, m.mode)
}

// SetVisionMode switches the palette and re-renders the last batch.
func (m *Manager) SetVisionMode(mode iface.VisionMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
	m.frame = m.renderer.Render(m.lastBatch, m.width, m.height, m.mode)
}

// ResetDetections clears detected state and overlay without touching the
// connection, e.g. when capture is switched off.
func (m *Manager) ResetDetections() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearLocked()
}

// Subscribe registers ch for events. Sends never block: an event is dropped
// for a subscriber whose channel is full.
func (m *Manager) Subscribe(id string, ch chan<- Event) error {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if _, ok := m.subs[id]; ok {
		return ErrSubscriberExists
	}
	m.subs[id] = ch
	return nil
}

func (m *Manager) Unsubscribe(id string) error {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrSubscriberNotFound
	}
	delete(m.subs, id)
	return nil
}

func (m *Manager) handleMessage(id uint64, data []byte) {
	msg := protocol.Parse(data)

	m.mu.Lock()
	if !m.isLiveLocked(id) {
		m.mu.Unlock()
		return
	}
	m.Recorder.MessageReceived(msg.Kind.String())
	var closeAfter *attempt
	switch msg.Kind {
	case protocol.KindAuthAck:
		if msg.Ack.OK() {
			if m.session.Status == iface.Connecting {
				m.transitionLocked(iface.Connected, nil)
				m.log.Info("authenticated", zap.Uint64("attempt", id))
			}
			break
		}
		err := fmt.Errorf("%w: status %q: %s", iface.ErrAuthRejected, msg.Ack.Status, msg.Ack.Message)
		closeAfter = m.finishLocked(err)
		m.log.Warn("auth rejected", zap.Uint64("attempt", id), zap.String("status", msg.Ack.Status), zap.String("message", msg.Ack.Message))
	case protocol.KindInterval:
		d := m.interval.SetMillis(msg.Interval.Interval)
		m.log.Debug("capture interval set", zap.Float64("requested_ms", msg.Interval.Interval), zap.Duration("effective", d))
	case protocol.KindDetections:
		if msg.Err != nil {
			m.log.Warn("malformed message", zap.Uint64("attempt", id), zap.Error(msg.Err))
		}
		if m.session.Status != iface.Connected {
			m.log.Debug("detections before auth ack ignored", zap.Uint64("attempt", id))
			break
		}
		m.applyBatchLocked(msg.Batch)
	default:
		m.log.Debug("unknown message ignored", zap.Uint64("attempt", id))
	}
	m.mu.Unlock()
	if closeAfter != nil {
		m.closeTransport(closeAfter)
	}
}

func (m *Manager) handleClose(id uint64, cause error) {
	m.mu.Lock()
	if !m.isLiveLocked(id) {
		m.mu.Unlock()
		return
	}
	err := fmt.Errorf("%w: %v", iface.ErrUnexpectedClose, cause)
	a := m.finishLocked(err)
	m.mu.Unlock()
	m.log.Warn("connection lost", zap.Uint64("attempt", id), zap.Error(cause))
	m.closeTransport(a)
}

func (m *Manager) fail(id uint64, err error) {
	m.mu.Lock()
	if !m.isLiveLocked(id) {
		m.mu.Unlock()
		return
	}
	a := m.finishLocked(err)
	m.mu.Unlock()
	m.log.Warn("connect failed", zap.Uint64("attempt", id), zap.Error(err))
	m.closeTransport(a)
}

// finishLocked ends the live attempt in Error. No further callback of that
// attempt is honoured.
func (m *Manager) finishLocked(err error) *attempt {
	a := m.live
	m.live = nil
	if a != nil {
		a.cancel()
	}
	m.lastErr = err
	m.transitionLocked(iface.Error, err)
	return a
}

func (m *Manager) isLiveLocked(id uint64) bool {
	return m.live != nil && m.live.id == id
}

func (m *Manager) applyBatchLocked(batch iface.DetectionBatch) {
	m.lastBatch = batch
	m.detected = iface.DeriveState(batch)
	m.frame = m.renderer.Render(batch, m.width, m.height, m.mode)
	boxes := 0
	if m.frame != nil {
		boxes = len(m.frame.Boxes)
	}
	m.publishLocked(Event{Kind: EventDetection, Session: m.session, Detected: m.detected, Boxes: boxes, At: time.Now()})
}

func (m *Manager) clearLocked() {
	m.detected = iface.NeutralState
	m.lastBatch = nil
	m.frame = nil
}

// transitionLocked moves to status. Every transition except into Connected
// resets the detected state and overlay.
func (m *Manager) transitionLocked(status iface.Status, err error) {
	m.session.Status = status
	if status != iface.Connected {
		m.clearLocked()
	}
	m.Recorder.StatusChanged(status)
	m.publishLocked(Event{Kind: EventStatus, Session: m.session, Detected: m.detected, Err: err, At: time.Now()})
}

func (m *Manager) publishLocked(ev Event) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for id, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.log.Debug("event dropped for slow subscriber", zap.String("subscriber", id))
		}
	}
}

func (m *Manager) closeTransport(a *attempt) {
	if a == nil {
		return
	}
	if err := a.transport.Close(); err != nil {
		m.log.Debug("transport close", zap.Uint64("attempt", a.id), zap.Error(err))
	}
}
