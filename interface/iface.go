package iface

import (
	"context"
	"image"
)

// FrameSource owns a capture device and hands out the current frame on demand.
type FrameSource interface {
	Open(ctx context.Context) error
	Frame() (image.Image, error)
	Close() error
}

// TransportHandler receives the lifecycle of one opened transport. Calls come
// from the transport's read goroutine.
type TransportHandler interface {
	OnMessage(data []byte)
	OnClose(err error)
}

// Transport is one socket to the detection service. Open blocks until the
// socket is usable (including any first-message auth) and then delivers
// inbound messages to h until Close or a read error.
type Transport interface {
	Open(ctx context.Context, endpoint, credential string, h TransportHandler) error
	Send(payload []byte) error
	Close() error
}

// FrameSender is what the capture loop needs from a session.
type FrameSender interface {
	Connected() bool
	Send(payload []byte) bool
}
