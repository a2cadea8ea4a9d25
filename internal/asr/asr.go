// Package asr defines the streaming speech-recognition contract and the
// per-call worker that pumps caller audio into a provider stream and routes
// results back to the dialogue engine.
package asr

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Result is one recognition hypothesis from the provider.
type Result struct {
	Text  string
	Final bool
}

// Stream is a single live recognition session. Send and Recv may be used
// concurrently; Recv returns io.EOF after a clean close.
type Stream interface {
	// Send pushes one chunk of LINEAR16 mono 16 kHz audio. An empty chunk
	// is a keepalive.
	Send(pcm []byte) error
	// CloseSend signals the end of audio.
	CloseSend() error
	// Recv blocks for the next result.
	Recv() (Result, error)
}

// Provider opens recognition streams.
type Provider interface {
	NewStream(ctx context.Context) (Stream, error)
}

// ErrPermanent wraps provider errors that a reconnect cannot fix, such as
// rejected credentials. The worker does not restart after one of these.
var ErrPermanent = errors.New("asr: permanent provider error")

// IsPermanent reports whether err rules out a stream restart.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return true
	}
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied, codes.NotFound, codes.InvalidArgument:
		return true
	}
	return false
}
