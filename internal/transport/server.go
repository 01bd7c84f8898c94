// Package transport is the websocket event channel between the operator
// console and the server: credentialed upgrade, JSON event envelopes in both
// directions, and binary frames for the audio path.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/callpilot/callpilot/internal/callerr"
	"github.com/callpilot/callpilot/internal/conversation"
	"github.com/callpilot/callpilot/internal/observe"
	"github.com/callpilot/callpilot/internal/pronounce"
	"github.com/callpilot/callpilot/pkg/types"
)

// maxMessageBytes caps one websocket frame. Audio arrives in sub-second
// chunks, so this is generous.
const maxMessageBytes = 1 << 20

// writeTimeout bounds one outbound frame write.
const writeTimeout = 10 * time.Second

// OrchestratorFactory assembles the per-call orchestrator when
// start-recognition arrives. The transport owns the Notifier side.
type OrchestratorFactory func(ctx context.Context, mode types.Mode, leadRef, operatorID string, notifier conversation.Notifier) (*conversation.Orchestrator, error)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics sets the metrics sink. Defaults to the process-wide instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server accepts operator-console websocket connections. Each connection
// carries at most one call at a time; the orchestrator is created lazily on
// start-recognition.
type Server struct {
	auth    *Authenticator
	factory OrchestratorFactory
	log     *slog.Logger
	metrics *observe.Metrics
}

// NewServer creates a websocket Server.
func NewServer(auth *Authenticator, factory OrchestratorFactory, opts ...Option) *Server {
	s := &Server{
		auth:    auth,
		factory: factory,
		log:     slog.Default().With("component", "transport"),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// HandleWS upgrades one console connection. The session token is verified
// before the upgrade; nothing is processed without it.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	claims, err := s.auth.Verify(tokenFromRequest(r))
	if err != nil {
		s.log.Warn("websocket upgrade rejected", "remote", r.RemoteAddr, "err", err)
		http.Error(w, "invalid session token", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(maxMessageBytes)

	// The connection logger carries the upgrade request's trace IDs so every
	// event on this connection can be joined with the trace.
	c := &conn{
		ws:         ws,
		server:     s,
		operatorID: claims.OperatorID,
		log:        observe.Logger(r.Context()).With("component", "transport", "operator_id", claims.OperatorID),
	}

	s.metrics.ActiveConnections.Add(r.Context(), 1)
	s.log.Info("console connected", "operator_id", claims.OperatorID, "remote", r.RemoteAddr)

	c.serve(r.Context())

	s.metrics.ActiveConnections.Add(context.Background(), -1)
	s.log.Info("console disconnected", "operator_id", claims.OperatorID)
}

// conn is one live console connection. It implements [conversation.Notifier];
// writeMu serialises frames since orchestrator callbacks arrive from several
// goroutines.
type conn struct {
	ws         *websocket.Conn
	server     *Server
	operatorID string
	log        *slog.Logger

	writeMu sync.Mutex

	mu   sync.Mutex
	orch *conversation.Orchestrator
	// ended marks end-recognition: the call is torn down but the orchestrator
	// stays around so a save can still follow.
	ended bool
}

// serve runs the read loop until the peer disconnects, then tears down any
// live call.
func (c *conn) serve(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		orch := c.orch
		c.mu.Unlock()
		if orch != nil {
			orch.Close()
		}
		_ = c.ws.CloseNow()
	}()

	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				c.log.Debug("websocket read ended", "err", err)
			}
			return
		}

		switch typ {
		case websocket.MessageBinary:
			c.writeAudio(ctx, data)
		case websocket.MessageText:
			c.dispatch(ctx, data)
		}
	}
}

// writeAudio forwards one chunk of interleaved PCM to the live call.
func (c *conn) writeAudio(ctx context.Context, pcm []byte) {
	c.mu.Lock()
	orch := c.orch
	ended := c.ended
	c.mu.Unlock()
	if orch == nil || ended {
		return
	}
	c.server.metrics.AudioBytes.Add(ctx, int64(len(pcm)))
	orch.WriteAudio(pcm)
}

// writeSourceAudio forwards one per-source fallback chunk of mono PCM to a
// single role's recognition session, bypassing the demultiplexer.
func (c *conn) writeSourceAudio(ctx context.Context, role types.Role, pcm []byte) {
	c.mu.Lock()
	orch := c.orch
	ended := c.ended
	c.mu.Unlock()
	if orch == nil || ended {
		return
	}
	c.server.metrics.AudioBytes.Add(ctx, int64(len(pcm)))
	orch.WriteSourceAudio(role, pcm)
}

// dispatch routes one text-frame event.
func (c *conn) dispatch(ctx context.Context, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.sendError(callerr.Processing("bad_envelope", "unparsable event envelope"))
		return
	}

	switch env.Type {
	case EventStartRecognition:
		c.handleStart(ctx, env.Payload)
	case EventAudioChunk:
		var p AudioChunkPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.sendError(callerr.Processing("bad_payload", "unparsable audio-chunk payload"))
			return
		}
		if !p.Source.IsValid() {
			c.sendError(callerr.Processing("bad_payload", "audio_source must be \"operator\" or \"counterparty\""))
			return
		}
		c.writeSourceAudio(ctx, p.Source, p.Data)
	case EventSuggest:
		c.handleSuggest(ctx)
	case EventSaveConversation:
		c.handleSave(ctx, env.Payload)
	case EventEndRecognition:
		c.handleEnd()
	default:
		c.sendError(callerr.Processing("unknown_event", "unknown event type: "+string(env.Type)))
	}
}

func (c *conn) handleStart(ctx context.Context, payload json.RawMessage) {
	var p StartRecognitionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.sendError(callerr.Processing("bad_payload", "unparsable start-recognition payload"))
		return
	}
	if !p.Mode.IsValid() {
		c.sendError(callerr.Configuration("invalid_mode", "mode must be \"sales\" or \"vendor\""))
		return
	}

	c.mu.Lock()
	if c.orch != nil && !c.ended {
		c.mu.Unlock()
		c.sendError(callerr.Processing("already_started", "recognition is already running on this connection"))
		return
	}
	c.mu.Unlock()

	orch, err := c.server.factory(ctx, p.Mode, p.LeadRef, c.operatorID, c)
	if err != nil {
		c.sendError(callerr.FromError(err))
		return
	}
	if err := orch.Start(ctx); err != nil {
		orch.Close()
		c.sendError(callerr.Capture("start_failed", "could not start recognition", err))
		return
	}

	c.mu.Lock()
	c.orch = orch
	c.ended = false
	c.mu.Unlock()

	c.server.metrics.CallsStarted.Add(ctx, 1, observe.ModeAttr(string(p.Mode)))
	c.log.Info("recognition started", "mode", string(p.Mode), "lead_ref", p.LeadRef)
	c.send(EventRecognitionStarted, nil)
}

func (c *conn) handleSuggest(ctx context.Context) {
	c.mu.Lock()
	orch := c.orch
	ended := c.ended
	c.mu.Unlock()
	if orch == nil || ended {
		c.sendError(callerr.Processing("not_started", "no recognition running on this connection"))
		return
	}
	orch.Suggest(ctx)
}

func (c *conn) handleSave(ctx context.Context, payload json.RawMessage) {
	c.mu.Lock()
	orch := c.orch
	c.mu.Unlock()
	if orch == nil {
		c.sendError(callerr.Processing("not_started", "nothing to save on this connection"))
		return
	}

	var p SaveConversationPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			c.sendError(callerr.Processing("bad_payload", "unparsable save-conversation payload"))
			return
		}
	}

	id, err := orch.Save(ctx, conversation.SaveOptions{
		Outcome:   p.Outcome,
		Feedback:  p.Feedback,
		AIHelpful: p.AIHelpful,
	})
	if err != nil {
		c.sendError(callerr.FromError(err))
		return
	}
	c.server.metrics.ConversationsSaved.Add(ctx, 1, observe.ModeAttr(string(orch.Context().Mode())))
	c.send(EventConversationSaved, ConversationSavedPayload{ID: id})
}

func (c *conn) handleEnd() {
	c.mu.Lock()
	orch := c.orch
	ended := c.ended
	c.ended = true
	c.mu.Unlock()
	if orch == nil || ended {
		return
	}
	orch.Close()
	c.log.Info("recognition ended")
	c.send(EventRecognitionEnded, nil)
}

// --- conversation.Notifier ---

// Transcript implements [conversation.Notifier].
func (c *conn) Transcript(role types.Role, speaker, text string, isFinal bool) {
	c.send(EventTranscript, TranscriptPayload{Role: role, Speaker: speaker, Text: text, Final: isFinal})
}

// Suggestion implements [conversation.Notifier].
func (c *conn) Suggestion(res *types.SuggestionResult) {
	c.send(EventOperatorResponse, res)
}

// PronunciationScore implements [conversation.Notifier].
func (c *conn) PronunciationScore(s pronounce.Sample) {
	c.send(EventPronunciationScore, s)
}

// PronunciationSummary implements [conversation.Notifier].
func (c *conn) PronunciationSummary(s pronounce.Summary) {
	c.send(EventPronunciationSummary, s)
}

// StreamRestarted implements [conversation.Notifier].
func (c *conn) StreamRestarted(notice string) {
	c.send(EventStreamRestarted, NoticePayload{Notice: notice})
}

// Warning implements [conversation.Notifier].
func (c *conn) Warning(err *callerr.Error) {
	c.sendError(err)
}

// send marshals and writes one event. Write failures mean the peer is gone;
// the read loop notices independently, so they are only logged.
func (c *conn) send(typ EventType, payload any) {
	env := Envelope{Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			c.log.Error("marshal event payload", "type", string(typ), "err", err)
			return
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		c.log.Error("marshal event envelope", "type", string(typ), "err", err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		c.log.Debug("event write failed", "type", string(typ), "err", err)
	}
}

func (c *conn) sendError(e *callerr.Error) {
	c.send(EventError, errorPayload(e))
}
