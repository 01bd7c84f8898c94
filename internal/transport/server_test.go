package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/callpilot/callpilot/internal/callerr"
	"github.com/callpilot/callpilot/internal/capture"
	"github.com/callpilot/callpilot/internal/config"
	"github.com/callpilot/callpilot/internal/conversation"
	"github.com/callpilot/callpilot/internal/pronounce"
	"github.com/callpilot/callpilot/internal/recognition"
	"github.com/callpilot/callpilot/internal/suggest"
	llmmock "github.com/callpilot/callpilot/pkg/provider/llm/mock"
	"github.com/callpilot/callpilot/pkg/provider/stt"
	sttmock "github.com/callpilot/callpilot/pkg/provider/stt/mock"
	"github.com/callpilot/callpilot/pkg/types"
)

func TestHandleWS_RejectsMissingToken(t *testing.T) {
	s := NewServer(NewAuthenticator("test-secret", time.Hour), nil)

	rec := httptest.NewRecorder()
	s.HandleWS(rec, httptest.NewRequest("GET", "/ws", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestHandleWS_RejectsForeignToken(t *testing.T) {
	s := NewServer(NewAuthenticator("test-secret", time.Hour), nil)

	tok, err := NewAuthenticator("other-secret", time.Hour).IssueToken("op-1")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	rec := httptest.NewRecorder()
	s.HandleWS(rec, httptest.NewRequest("GET", "/ws?token="+tok, nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	raw, err := json.Marshal(Envelope{Type: EventStartRecognition, Payload: json.RawMessage(`{"mode":"sales","lead_ref":"lead-7"}`)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != EventStartRecognition {
		t.Errorf("Type = %q", env.Type)
	}
	var p StartRecognitionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.Mode != "sales" || p.LeadRef != "lead-7" {
		t.Errorf("payload = %+v", p)
	}
}

func TestAudioChunkPayload_Base64(t *testing.T) {
	var p AudioChunkPayload
	if err := json.Unmarshal([]byte(`{"audio_source":"operator","data":"AQID"}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Source != types.RoleOperator {
		t.Errorf("Source = %q, want operator", p.Source)
	}
	if len(p.Data) != 3 || p.Data[0] != 1 || p.Data[2] != 3 {
		t.Errorf("Data = %v, want [1 2 3]", p.Data)
	}
}

// newTestFactory builds a real per-call assembly over mocked providers: two
// pre-created recognition sessions so the test can inspect which one received
// which audio.
func newTestFactory(opSess, cpSess *sttmock.Session) OrchestratorFactory {
	return func(_ context.Context, mode types.Mode, leadRef, operatorID string, notifier conversation.Notifier) (*conversation.Orchestrator, error) {
		sttProv := &sttmock.Provider{NextSessions: []stt.SessionHandle{opSess, cpSess}}
		pair := recognition.NewPair(sttProv, stt.StreamConfig{SampleRate: 16000, Channels: 1})
		demux, err := capture.New(capture.ChannelAssignment{Channels: 2, Operator: 0, Counterparty: 1}, pair,
			capture.WithWarningFunc(notifier.Warning))
		if err != nil {
			return nil, err
		}
		pipeline := suggest.NewPipeline(&llmmock.Provider{}, suggest.NewPricer(config.PricingConfig{
			BaseRate:          175,
			EstimatedUnitCost: 95,
			MinimumMargin:     50,
			DefaultTaxRate:    0.0825,
		}), 0)
		return conversation.NewOrchestrator(conversation.Deps{
			Context:            conversation.NewContext(mode, leadRef, operatorID),
			Demux:              demux,
			Pair:               pair,
			Pipeline:           pipeline,
			Scorer:             pronounce.NewScorer(),
			Notifier:           notifier,
			MinTranscriptLines: 3,
		}), nil
	}
}

func TestWS_AudioChunkRoutesToNamedSourceOnly(t *testing.T) {
	opSess := sttmock.NewSession()
	cpSess := sttmock.NewSession()

	auth := NewAuthenticator("test-secret", time.Hour)
	s := NewServer(auth, newTestFactory(opSess, cpSess))
	srv := httptest.NewServer(http.HandlerFunc(s.HandleWS))
	defer srv.Close()

	tok, err := auth.IssueToken("op-1")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, srv.URL+"?token="+tok, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.CloseNow()

	writeEvent := func(typ EventType, payload any) {
		t.Helper()
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		data, err := json.Marshal(Envelope{Type: typ, Payload: raw})
		if err != nil {
			t.Fatalf("marshal envelope: %v", err)
		}
		if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
			t.Fatalf("write %s: %v", typ, err)
		}
	}
	readEvent := func() Envelope {
		t.Helper()
		_, data, err := ws.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		return env
	}
	waitFor := func(what string, cond func() bool) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if cond() {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatalf("timed out waiting for %s", what)
	}

	writeEvent(EventStartRecognition, StartRecognitionPayload{Mode: types.ModeSales})
	if env := readEvent(); env.Type != EventRecognitionStarted {
		t.Fatalf("first event = %s, want recognition-started", env.Type)
	}

	// A fallback chunk is mono audio for one role: it must arrive intact at
	// that role's session and nowhere else.
	mono := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	writeEvent(EventAudioChunk, AudioChunkPayload{Source: types.RoleOperator, Data: mono})

	waitFor("operator fallback chunk", func() bool { return opSess.SendAudioCallCount() == 1 })
	if got := opSess.SendAudioCalls[0].Chunk; !bytes.Equal(got, mono) {
		t.Errorf("operator chunk = %v, want %v", got, mono)
	}
	if got := cpSess.SendAudioCallCount(); got != 0 {
		t.Errorf("counterparty SendAudio calls = %d, operator fallback audio leaked", got)
	}

	// Binary frames stay on the aggregate path: one interleaved stereo frame
	// reaches both sessions through the demultiplexer.
	if err := ws.Write(ctx, websocket.MessageBinary, []byte{9, 0, 9, 1}); err != nil {
		t.Fatalf("write binary frame: %v", err)
	}
	waitFor("demultiplexed frame", func() bool {
		return opSess.SendAudioCallCount() == 2 && cpSess.SendAudioCallCount() == 1
	})
	if got := opSess.SendAudioCalls[1].Chunk; !bytes.Equal(got, []byte{9, 0}) {
		t.Errorf("operator demuxed chunk = %v, want [9 0]", got)
	}
	if got := cpSess.SendAudioCalls[0].Chunk; !bytes.Equal(got, []byte{9, 1}) {
		t.Errorf("counterparty demuxed chunk = %v, want [9 1]", got)
	}

	// An unknown source is rejected with a typed error and no audio moves.
	writeEvent(EventAudioChunk, AudioChunkPayload{Source: "mixer", Data: []byte{1}})
	env := readEvent()
	if env.Type != EventError {
		t.Fatalf("event = %s, want error", env.Type)
	}
	var ep ErrorPayload
	if err := json.Unmarshal(env.Payload, &ep); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if ep.Code != "bad_payload" {
		t.Errorf("error code = %q, want bad_payload", ep.Code)
	}
	if got := opSess.SendAudioCallCount(); got != 2 {
		t.Errorf("operator SendAudio calls = %d after rejected chunk, want 2", got)
	}
}

func TestErrorPayload_CarriesFullClassification(t *testing.T) {
	e := callerr.Processing("transcript_too_short", "too short to save").
		WithDetails(map[string]any{"lines": 1})

	p := errorPayload(e)
	if p.Type != callerr.TypeProcessing || p.Code != "transcript_too_short" {
		t.Errorf("payload = %+v", p)
	}
	if p.Severity != callerr.SeverityWarning {
		t.Errorf("Severity = %q, want warning", p.Severity)
	}
	if p.Details["lines"] != 1 {
		t.Errorf("Details = %v", p.Details)
	}

	// The wrapped cause never crosses the wire.
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := fields["cause"]; ok {
		t.Error("cause leaked into the wire payload")
	}
}
