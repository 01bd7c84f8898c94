package capture

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/callpilot/callpilot/internal/callerr"
	"github.com/callpilot/callpilot/pkg/types"
)

// recordingSink accumulates per-role bytes.
type recordingSink struct {
	mu           sync.Mutex
	operator     []byte
	counterparty []byte
}

func (s *recordingSink) WriteAudio(role types.Role, pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch role {
	case types.RoleOperator:
		s.operator = append(s.operator, pcm...)
	case types.RoleCounterparty:
		s.counterparty = append(s.counterparty, pcm...)
	}
}

// stereoFrames builds n interleaved 2-channel frames where the operator
// channel carries (i, 0) and the counterparty channel carries (i, 1).
func stereoFrames(n int) []byte {
	buf := make([]byte, 0, n*4)
	for i := 0; i < n; i++ {
		buf = append(buf, byte(i), 0, byte(i), 1)
	}
	return buf
}

func TestChannelAssignment_Validate(t *testing.T) {
	tests := []struct {
		name     string
		assign   ChannelAssignment
		wantCode string
	}{
		{"valid stereo", ChannelAssignment{Channels: 2, Operator: 0, Counterparty: 1}, ""},
		{"valid multichannel", ChannelAssignment{Channels: 4, Operator: 2, Counterparty: 3}, ""},
		{"mono device", ChannelAssignment{Channels: 1, Operator: 0, Counterparty: 0}, "device_channels"},
		{"negative index", ChannelAssignment{Channels: 2, Operator: -1, Counterparty: 1}, "channel_negative"},
		{"same channel", ChannelAssignment{Channels: 2, Operator: 1, Counterparty: 1}, "channel_conflict"},
		{"out of range", ChannelAssignment{Channels: 2, Operator: 0, Counterparty: 2}, "channel_out_of_range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.assign.Validate()
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			ce, ok := callerr.As(err)
			if !ok {
				t.Fatalf("Validate() = %v, want typed error", err)
			}
			if ce.Type != callerr.TypeConfiguration {
				t.Errorf("Type = %q, want %q", ce.Type, callerr.TypeConfiguration)
			}
			if ce.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", ce.Code, tt.wantCode)
			}
		})
	}
}

func TestDemux_SplitsRoles(t *testing.T) {
	sink := &recordingSink{}
	d, err := New(ChannelAssignment{Channels: 2, Operator: 0, Counterparty: 1}, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	d.Write(stereoFrames(4))

	wantOp := []byte{0, 0, 1, 0, 2, 0, 3, 0}
	wantCp := []byte{0, 1, 1, 1, 2, 1, 3, 1}
	if !bytes.Equal(sink.operator, wantOp) {
		t.Errorf("operator = %v, want %v", sink.operator, wantOp)
	}
	if !bytes.Equal(sink.counterparty, wantCp) {
		t.Errorf("counterparty = %v, want %v", sink.counterparty, wantCp)
	}
}

func TestDemux_OutputIndependentOfChunking(t *testing.T) {
	input := stereoFrames(50)

	// Whole-stream reference.
	ref := &recordingSink{}
	d1, err := New(ChannelAssignment{Channels: 2, Operator: 0, Counterparty: 1}, ref)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d1.Write(input)

	// Same stream in awkward chunk sizes that never align with frames.
	chunked := &recordingSink{}
	d2, err := New(ChannelAssignment{Channels: 2, Operator: 0, Counterparty: 1}, chunked)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < len(input); {
		end := i + 7
		if end > len(input) {
			end = len(input)
		}
		d2.Write(input[i:end])
		i = end
	}

	if !bytes.Equal(ref.operator, chunked.operator) {
		t.Errorf("operator output differs between chunkings")
	}
	if !bytes.Equal(ref.counterparty, chunked.counterparty) {
		t.Errorf("counterparty output differs between chunkings")
	}
}

func TestDemux_PartialFrameIsRetained(t *testing.T) {
	sink := &recordingSink{}
	d, err := New(ChannelAssignment{Channels: 2, Operator: 0, Counterparty: 1}, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Three bytes of a four-byte frame: nothing forwarded, leftover retained.
	d.Write([]byte{9, 0, 9})
	if len(sink.operator) != 0 || len(sink.counterparty) != 0 {
		t.Fatalf("partial frame was forwarded: op=%v cp=%v", sink.operator, sink.counterparty)
	}
	if got := d.PendingBytes(); got != 3 {
		t.Fatalf("PendingBytes = %d, want 3", got)
	}

	// The final byte completes the frame.
	d.Write([]byte{1})
	if got := d.PendingBytes(); got != 0 {
		t.Errorf("PendingBytes = %d, want 0", got)
	}
	if want := []byte{9, 0}; !bytes.Equal(sink.operator, want) {
		t.Errorf("operator = %v, want %v", sink.operator, want)
	}
	if want := []byte{9, 1}; !bytes.Equal(sink.counterparty, want) {
		t.Errorf("counterparty = %v, want %v", sink.counterparty, want)
	}
}

func TestDemux_SwappedAssignmentSwapsOutputs(t *testing.T) {
	sink := &recordingSink{}
	d, err := New(ChannelAssignment{Channels: 2, Operator: 1, Counterparty: 0}, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	d.Write(stereoFrames(2))

	if want := []byte{0, 1, 1, 1}; !bytes.Equal(sink.operator, want) {
		t.Errorf("operator = %v, want %v", sink.operator, want)
	}
	if want := []byte{0, 0, 1, 0}; !bytes.Equal(sink.counterparty, want) {
		t.Errorf("counterparty = %v, want %v", sink.counterparty, want)
	}
}

func TestDemux_SilentDeviceWatchdog(t *testing.T) {
	warnings := make(chan *callerr.Error, 1)
	d, err := New(ChannelAssignment{Channels: 2, Operator: 0, Counterparty: 1},
		&recordingSink{},
		WithWarmupTimeout(20*time.Millisecond),
		WithWarningFunc(func(e *callerr.Error) { warnings <- e }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.Start()
	defer d.Stop()

	select {
	case e := <-warnings:
		if e.Type != callerr.TypeCapture || e.Code != "no_audio" {
			t.Errorf("warning = %s/%s, want capture/no_audio", e.Type, e.Code)
		}
	case <-time.After(time.Second):
		t.Fatal("watchdog never fired for a silent device")
	}
}

func TestDemux_WatchdogQuietWhenAudioFlows(t *testing.T) {
	warnings := make(chan *callerr.Error, 1)
	d, err := New(ChannelAssignment{Channels: 2, Operator: 0, Counterparty: 1},
		&recordingSink{},
		WithWarmupTimeout(20*time.Millisecond),
		WithWarningFunc(func(e *callerr.Error) { warnings <- e }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.Start()
	defer d.Stop()
	d.Write(stereoFrames(1))

	select {
	case e := <-warnings:
		t.Fatalf("unexpected warning: %v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDemux_MarkActiveQuietsWatchdog(t *testing.T) {
	sink := &recordingSink{}
	warnings := make(chan *callerr.Error, 1)
	d, err := New(ChannelAssignment{Channels: 2, Operator: 0, Counterparty: 1},
		sink,
		WithWarmupTimeout(20*time.Millisecond),
		WithWarningFunc(func(e *callerr.Error) { warnings <- e }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.Start()
	defer d.Stop()
	d.MarkActive()

	select {
	case e := <-warnings:
		t.Fatalf("unexpected warning: %v", e)
	case <-time.After(100 * time.Millisecond):
	}
	if len(sink.operator) != 0 || len(sink.counterparty) != 0 {
		t.Error("MarkActive forwarded bytes to the sink")
	}
}

func TestNew_NilSink(t *testing.T) {
	_, err := New(ChannelAssignment{Channels: 2, Operator: 0, Counterparty: 1}, nil)
	ce, ok := callerr.As(err)
	if !ok || ce.Code != "nil_sink" {
		t.Fatalf("New(nil sink) = %v, want configuration/nil_sink", err)
	}
}
