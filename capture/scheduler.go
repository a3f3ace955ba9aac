package capture

import (
	"context"
	"image"
	"sync"
	"sync/atomic"

	iface "DetStreamClient/interface"
	"DetStreamClient/logger"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Drop reasons reported to the Recorder.
const (
	DropBusy         = "busy"
	DropNotConnected = "not_connected"
	DropCapture      = "capture_error"
	DropEncode       = "encode_error"
)

// Recorder receives per-frame outcomes. monitor.Metrics implements it.
type Recorder interface {
	FrameSent(bytes int)
	FrameDropped(reason string)
}

type nopRecorder struct{}

func (nopRecorder) FrameSent(int)        {}
func (nopRecorder) FrameDropped(string) {}

// Scheduler is the capture loop: on every tick, while capture is enabled and
// the sink is connected, it grabs one frame, encodes it and hands it to the
// sink. A tick that finds the previous frame still in flight is dropped.
type Scheduler struct {
	Clock    clock.Clock
	Recorder Recorder
	// OnFrame, when set, sees every captured frame before encoding.
	OnFrame func(image.Image)

	source   iface.FrameSource
	encoder  *Encoder
	sink     iface.FrameSender
	interval *Interval
	log      *zap.Logger

	enabled atomic.Bool
	busy    atomic.Bool

	mu       sync.Mutex
	cancel   context.CancelFunc
	loopDone chan struct{}
	inflight sync.WaitGroup
}

func NewScheduler(source iface.FrameSource, encoder *Encoder, sink iface.FrameSender, interval *Interval) *Scheduler {
	return &Scheduler{
		Clock:    clock.New(),
		Recorder: nopRecorder{},
		source:   source,
		encoder:  encoder,
		sink:     sink,
		interval: interval,
		log:      logger.Named("capture"),
	}
}

func (s *Scheduler) Enable()       { s.enabled.Store(true) }
func (s *Scheduler) Disable()      { s.enabled.Store(false) }
func (s *Scheduler) Enabled() bool { return s.enabled.Load() }

// Start launches the loop. Calling Start on a running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	go s.loop(loopCtx, s.loopDone)
}

// Stop cancels the loop and waits for any in-flight frame, so nothing is
// captured after it returns. Safe to call at any time, any number of times.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.loopDone
	s.inflight.Wait()
	s.cancel = nil
	s.loopDone = nil
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		// re-read every tick so interval control applies without a restart
		timer := s.Clock.Timer(s.interval.Get())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.tick(ctx)
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.enabled.Load() || !s.sink.Connected() {
		return
	}
	if !s.busy.CompareAndSwap(false, true) {
		s.Recorder.FrameDropped(DropBusy)
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer s.busy.Store(false)
		s.captureAndSend(ctx)
	}()
}

func (s *Scheduler) captureAndSend(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	img, err := s.source.Frame()
	if err != nil {
		s.log.Debug("frame capture failed", zap.Error(err))
		s.Recorder.FrameDropped(DropCapture)
		return
	}
	if s.OnFrame != nil {
		s.OnFrame(img)
	}
	payload, err := s.encoder.Encode(img)
	if err != nil {
		s.log.Warn("frame encode failed", zap.Error(err))
		s.Recorder.FrameDropped(DropEncode)
		return
	}
	if ctx.Err() != nil {
		return
	}
	if !s.sink.Send(payload) {
		s.Recorder.FrameDropped(DropNotConnected)
		return
	}
	s.Recorder.FrameSent(len(payload))
}
