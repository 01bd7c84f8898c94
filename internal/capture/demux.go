// Package capture splits the interleaved PCM stream of an aggregate capture
// device into one mono stream per call role.
//
// The console captures both call legs through a single multi-channel device:
// the operator's microphone on one channel, the counter-party's line audio on
// another. The Demux receives that device's raw byte stream in chunks of
// arbitrary length, slices it into whole frames, and routes each role's sample
// bytes to its recognition session.
//
// A trailing partial frame is retained and prepended to the next chunk, so
// output is identical no matter how the input is sliced.
package capture

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/callpilot/callpilot/internal/callerr"
	"github.com/callpilot/callpilot/pkg/types"
)

// bytesPerSample is fixed at 2 for 16-bit signed little-endian PCM.
const bytesPerSample = 2

// ChannelAssignment maps the two call roles onto channel indices of the
// capture device.
type ChannelAssignment struct {
	// Channels is the interleaved channel count the device delivers.
	Channels int

	// Operator is the zero-based channel index of the operator's microphone.
	Operator int

	// Counterparty is the zero-based channel index of the other call leg.
	Counterparty int
}

// Validate rejects assignments that can never demultiplex correctly. Called
// before capture starts; a failure here is fatal to session start.
func (a ChannelAssignment) Validate() error {
	if a.Channels < 2 {
		return callerr.Configuration("device_channels",
			fmt.Sprintf("capture device reports %d channel(s); at least 2 are required", a.Channels)).
			WithDetails(map[string]any{"channels": a.Channels})
	}
	if a.Operator < 0 || a.Counterparty < 0 {
		return callerr.Configuration("channel_negative",
			fmt.Sprintf("channel indices must not be negative (operator=%d, counterparty=%d)", a.Operator, a.Counterparty))
	}
	if a.Operator == a.Counterparty {
		return callerr.Configuration("channel_conflict",
			fmt.Sprintf("operator and counterparty are both mapped to channel %d", a.Operator)).
			WithDetails(map[string]any{"channel": a.Operator})
	}
	if a.Operator >= a.Channels || a.Counterparty >= a.Channels {
		return callerr.Configuration("channel_out_of_range",
			fmt.Sprintf("channel mapping (operator=%d, counterparty=%d) exceeds the device's %d channels", a.Operator, a.Counterparty, a.Channels))
	}
	return nil
}

// bytesPerFrame returns the size of one interleaved frame.
func (a ChannelAssignment) bytesPerFrame() int {
	return a.Channels * bytesPerSample
}

// Sink receives one role's mono PCM bytes. Implemented by the recognition
// session pair.
type Sink interface {
	WriteAudio(role types.Role, pcm []byte)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(role types.Role, pcm []byte)

// WriteAudio implements Sink.
func (f SinkFunc) WriteAudio(role types.Role, pcm []byte) { f(role, pcm) }

// Option configures a Demux.
type Option func(*Demux)

// WithWarmupTimeout sets how long after Start the watchdog waits for the
// first byte of audio before reporting a silent device. Defaults to 5s.
func WithWarmupTimeout(d time.Duration) Option {
	return func(d2 *Demux) { d2.warmup = d }
}

// WithWarningFunc sets the callback invoked with non-fatal typed errors
// (silent device, skipped frame). Defaults to logging only.
func WithWarningFunc(fn func(*callerr.Error)) Option {
	return func(d *Demux) { d.warn = fn }
}

// Demux splits an interleaved capture stream into per-role mono streams.
// Write is safe to call from one goroutine at a time (the transport's audio
// reader); Start, Stop, and the watchdog may run concurrently with Write.
type Demux struct {
	assign ChannelAssignment
	sink   Sink
	warmup time.Duration
	warn   func(*callerr.Error)
	log    *slog.Logger

	mu       sync.Mutex
	leftover []byte
	gotData  bool
	timer    *time.Timer
	started  bool
}

// New creates a Demux for the given channel assignment. Returns a typed
// configuration error if the assignment is invalid; capture must not start in
// that case.
func New(assign ChannelAssignment, sink Sink, opts ...Option) (*Demux, error) {
	if err := assign.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, callerr.Configuration("nil_sink", "capture demux requires a sink")
	}
	d := &Demux{
		assign: assign,
		sink:   sink,
		warmup: 5 * time.Second,
		log:    slog.Default().With("component", "capture"),
	}
	for _, o := range opts {
		o(d)
	}
	if d.warn == nil {
		d.warn = func(e *callerr.Error) { d.log.Warn("capture warning", "err", e) }
	}
	return d, nil
}

// Start arms the warm-up watchdog. A misrouted or disabled device produces
// silence indistinguishable from "just slow to start", so zero bytes within
// the warm-up window is reported as a typed capture error.
func (d *Demux) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	d.timer = time.AfterFunc(d.warmup, func() {
		d.mu.Lock()
		silent := !d.gotData
		d.mu.Unlock()
		if silent {
			d.warn(callerr.Capture("no_audio",
				fmt.Sprintf("no audio received within %s of capture start; check device routing", d.warmup), nil))
		}
	})
}

// Stop disarms the watchdog and discards any leftover bytes.
func (d *Demux) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.leftover = nil
	d.started = false
}

// Write ingests one chunk of raw interleaved PCM. Whole frames are split and
// forwarded; a trailing partial frame is retained for the next call. Empty
// per-role output is not forwarded.
func (d *Demux) Write(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	d.mu.Lock()
	d.gotData = true
	buf := append(d.leftover, chunk...)
	frameSize := d.assign.bytesPerFrame()
	whole := (len(buf) / frameSize) * frameSize
	d.leftover = append([]byte(nil), buf[whole:]...)
	d.mu.Unlock()

	if whole == 0 {
		return
	}

	frames := whole / frameSize
	operator := make([]byte, 0, frames*bytesPerSample)
	counterparty := make([]byte, 0, frames*bytesPerSample)

	opOff := d.assign.Operator * bytesPerSample
	cpOff := d.assign.Counterparty * bytesPerSample

	skipped := 0
	for f := 0; f < frames; f++ {
		base := f * frameSize
		if base+frameSize > whole {
			// Cannot happen with exact frame math; guards against a short
			// frame corrupting both outputs. The frame is skipped.
			skipped++
			continue
		}
		operator = append(operator, buf[base+opOff:base+opOff+bytesPerSample]...)
		counterparty = append(counterparty, buf[base+cpOff:base+cpOff+bytesPerSample]...)
	}

	if skipped > 0 {
		d.warn(callerr.Processing("frame_skipped",
			fmt.Sprintf("%d malformed frame(s) skipped", skipped)))
	}

	if len(operator) > 0 {
		d.sink.WriteAudio(types.RoleOperator, operator)
	}
	if len(counterparty) > 0 {
		d.sink.WriteAudio(types.RoleCounterparty, counterparty)
	}
}

// MarkActive records audio activity without writing any bytes, keeping the
// warm-up watchdog quiet. Used when a client delivers per-source audio
// directly and the demultiplexer never sees the stream.
func (d *Demux) MarkActive() {
	d.mu.Lock()
	d.gotData = true
	d.mu.Unlock()
}

// PendingBytes returns the current leftover length. Test hook.
func (d *Demux) PendingBytes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.leftover)
}
