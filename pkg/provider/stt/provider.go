// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram, or
// a local Whisper server) and exposes a uniform streaming interface. The
// central abstraction is SessionHandle: once opened, a session accepts raw
// PCM audio chunks and emits two streams of Transcript values — low-latency
// partials for responsiveness and authoritative finals for the durable
// transcript.
//
// Streaming providers impose a hard maximum session duration. When a session
// hits that limit its Err channel yields an error matching
// [ErrSessionDurationLimit]; the caller is expected to open a fresh session
// (see internal/recognition for the paired restart protocol).
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"
	"errors"

	"github.com/callpilot/callpilot/pkg/types"
)

// ErrSessionDurationLimit is the terminal session error reported when the
// provider closed the stream because its maximum session lifetime was
// reached. It is recoverable: open a new session and resume sending audio.
var ErrSessionDurationLimit = errors.New("stt: provider session duration limit reached")

// ErrSessionClosed is returned by SendAudio after Close (or after the
// provider terminated the stream).
var ErrSessionClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio format for a new STT session. All fields
// must be compatible with what the underlying provider supports.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The capture pipeline runs at
	// 16000.
	SampleRate int

	// Channels is the number of audio channels. Always 1 here — the
	// demultiplexer splits the capture feed before it reaches a session.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect, if supported.
	Language string
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without a live provider
// connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider for
	// transcription. The chunk must match the SampleRate, Channels, and
	// bit-depth agreed in StreamConfig. Returns [ErrSessionClosed] after
	// Close.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel that emits low-latency interim
	// Transcript values. These drive live UI previews but must never be
	// written to the durable transcript. Closed when the session ends.
	Partials() <-chan types.Transcript

	// Finals returns a read-only channel that emits authoritative Transcript
	// values once the provider has committed to a recognition result. Closed
	// when the session ends.
	Finals() <-chan types.Transcript

	// Err returns a channel that yields the terminal session error, if any,
	// and is then closed. A session that ends cleanly (caller Close) closes
	// the channel without sending. A duration-limit shutdown yields an error
	// matching [ErrSessionDurationLimit].
	Err() <-chan error

	// Close terminates the session, flushes any pending audio, and releases
	// all associated resources. After Close returns, the Partials and Finals
	// channels will be closed. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (two per connection: operator and counter-party).
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format. The returned SessionHandle is ready to accept audio
	// immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Close when
	// done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
