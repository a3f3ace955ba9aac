package iface

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// DetectorSize is the side of the square space the detector works in. Frames are
// encoded at this size and detection coordinates are reported in it.
const DetectorSize = 640

const (
	LabelNone    = "none"
	LabelError   = "error"
	LabelUnknown = "unknown"
)

// Labels maps a detector class index to its semantic colour class.
var Labels = []string{"green/clear", "red/alert", "yellow/caution"}

var (
	ErrPermissionDenied  = errors.New("camera permission denied")
	ErrAuthRejected      = errors.New("auth rejected by detection service")
	ErrTransport         = errors.New("transport error")
	ErrUnexpectedClose   = errors.New("connection closed unexpectedly")
	ErrMalformedMessage  = errors.New("malformed message")
	ErrNotConnected      = errors.New("not connected")
	ErrMissingRegistry   = errors.New("registry base url is not configured")
	ErrUnknownVisionMode = errors.New("unknown vision mode")
)

type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Error
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return "disconnected"
	}
}

// Session describes one logical connection attempt.
type Session struct {
	Status     Status
	AttemptID  uint64
	TraceID    string
	Endpoint   string
	Credential string
}

// DetectionItem is one detector row: [x1, y1, x2, y2, confidence, labelIndex].
// DetectionArity is the number of values in a well-formed detection item.
const DetectionArity = 6

// Rows arrive untrusted, so the arity is only checked by Valid.
type DetectionItem []float64

func (d DetectionItem) Valid() bool { return len(d) == DetectionArity }

func (d DetectionItem) X1() float64         { return d[0] }
func (d DetectionItem) Y1() float64         { return d[1] }
func (d DetectionItem) X2() float64         { return d[2] }
func (d DetectionItem) Y2() float64         { return d[3] }
func (d DetectionItem) Confidence() float64 { return d[4] }

// LabelIndex floors the raw class value.
func (d DetectionItem) LabelIndex() int {
	v := math.Floor(d[5])
	if math.IsNaN(v) || v < math.MinInt32 || v > math.MaxInt32 {
		return -1
	}
	return int(v)
}

// DetectionBatch is every detection for one frame, in detector order. An empty
// batch means nothing was detected.
type DetectionBatch []DetectionItem

// DetectedState is the summary shown to the user.
type DetectedState struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// NeutralState is the "nothing detected" value.
var NeutralState = DetectedState{Label: LabelNone, Confidence: 0}

// LabelName maps a class index through the lexicon.
func LabelName(index int) string {
	if index < 0 || index >= len(Labels) {
		return LabelUnknown
	}
	return Labels[index]
}

// DeriveState summarises a batch. The first item is authoritative.
func DeriveState(batch DetectionBatch) (state DetectedState) {
	if len(batch) == 0 {
		return NeutralState
	}
	defer func() {
		if r := recover(); r != nil {
			state = DetectedState{Label: LabelError, Confidence: 0}
		}
	}()
	first := batch[0]
	if !first.Valid() {
		return DetectedState{Label: LabelError, Confidence: 0}
	}
	return DetectedState{Label: LabelName(first.LabelIndex()), Confidence: first.Confidence()}
}

type VisionMode int

const (
	Normal VisionMode = iota
	Protanomaly
	Deuteranomaly
	Tritanomaly
	Achromatopsia
)

var visionModeNames = map[VisionMode]string{
	Normal:        "normal",
	Protanomaly:   "protanomaly",
	Deuteranomaly: "deuteranomaly",
	Tritanomaly:   "tritanomaly",
	Achromatopsia: "achromatopsia",
}

func (m VisionMode) String() string {
	if name, ok := visionModeNames[m]; ok {
		return name
	}
	return "unknown"
}

// ParseVisionMode accepts the lower-case mode names; empty means normal.
func ParseVisionMode(s string) (VisionMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Normal, nil
	}
	for mode, name := range visionModeNames {
		if name == s {
			return mode, nil
		}
	}
	return Normal, fmt.Errorf("%w: %q", ErrUnknownVisionMode, s)
}
