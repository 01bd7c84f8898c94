package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/callpilot/callpilot/internal/callerr"
	"github.com/callpilot/callpilot/internal/capture"
	"github.com/callpilot/callpilot/internal/convlog"
	"github.com/callpilot/callpilot/internal/observe"
	"github.com/callpilot/callpilot/internal/pronounce"
	"github.com/callpilot/callpilot/internal/recognition"
	"github.com/callpilot/callpilot/internal/suggest"
	"github.com/callpilot/callpilot/pkg/types"
)

// styleHintCount is how many stored negotiation phrases are retrieved for the
// vendor response prompt.
const styleHintCount = 3

// Notifier receives the orchestrator's outbound events. Implemented by the
// transport connection; every method must be safe for concurrent use.
type Notifier interface {
	// Transcript delivers an interim or final transcript line for display.
	Transcript(role types.Role, speaker, text string, isFinal bool)

	// Suggestion delivers one completed pipeline result.
	Suggestion(res *types.SuggestionResult)

	// PronunciationScore delivers the per-utterance operator score.
	PronunciationScore(s pronounce.Sample)

	// PronunciationSummary delivers the once-per-session aggregate.
	PronunciationSummary(s pronounce.Summary)

	// StreamRestarted signals a transparent recognition restart.
	StreamRestarted(notice string)

	// Warning delivers a non-fatal typed error.
	Warning(err *callerr.Error)
}

// Orchestrator wires one call together: it feeds captured audio into the
// recognition pair, consumes its events, maintains the Context, triggers the
// suggestion pipeline, and persists the conversation at the end.
//
// One Orchestrator per connection. Start launches the event loop; Close tears
// the call down in order (capture, recognition, state) and is safe to call
// more than once.
type Orchestrator struct {
	convCtx  *Context
	demux    *capture.Demux
	pair     *recognition.Pair
	pipeline *suggest.Pipeline
	scorer   *pronounce.Scorer
	store    convlog.Store
	learner  *convlog.Learner
	notifier Notifier
	log      *slog.Logger
	metrics  *observe.Metrics
	minLines int

	done chan struct{}
	wg   sync.WaitGroup

	mu          sync.Mutex
	closed      bool
	summaryOnce sync.Once
}

// Deps are the collaborators an Orchestrator is assembled from. Store and
// Learner may be nil when persistence is not configured; Save then fails with
// a typed persistence error.
type Deps struct {
	Context  *Context
	Demux    *capture.Demux
	Pair     *recognition.Pair
	Pipeline *suggest.Pipeline
	Scorer   *pronounce.Scorer
	Store    convlog.Store
	Learner  *convlog.Learner
	Notifier Notifier
	Logger   *slog.Logger

	// Metrics is the metrics sink. Nil means the process-wide instance.
	Metrics *observe.Metrics

	// MinTranscriptLines is the shortest durable transcript worth saving.
	MinTranscriptLines int
}

// NewOrchestrator assembles an Orchestrator from its collaborators.
func NewOrchestrator(d Deps) *Orchestrator {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	metrics := d.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Orchestrator{
		convCtx:  d.Context,
		demux:    d.Demux,
		pair:     d.Pair,
		pipeline: d.Pipeline,
		scorer:   d.Scorer,
		store:    d.Store,
		learner:  d.Learner,
		notifier: d.Notifier,
		log:      log.With("component", "conversation"),
		metrics:  metrics,
		minLines: d.MinTranscriptLines,
		done:     make(chan struct{}),
	}
}

// Context returns the live call state.
func (o *Orchestrator) Context() *Context { return o.convCtx }

// Start opens the recognition pair, arms the capture watchdog, and launches
// the event loop. ctx bounds the provider stream opens.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.pair.Start(ctx); err != nil {
		return err
	}
	o.demux.Start()

	o.wg.Add(1)
	go o.run(ctx)
	return nil
}

// WriteAudio ingests one chunk of raw interleaved PCM from the transport.
func (o *Orchestrator) WriteAudio(chunk []byte) {
	o.demux.Write(chunk)
}

// WriteSourceAudio ingests one chunk of mono PCM that already belongs to a
// single role, the fallback for clients without an aggregate capture device.
// The chunk goes straight to that role's recognition session; the
// demultiplexer is only told audio is flowing so its watchdog stays quiet.
func (o *Orchestrator) WriteSourceAudio(role types.Role, pcm []byte) {
	o.demux.MarkActive()
	o.pair.WriteAudio(role, pcm)
}

// Suggest runs an operator-initiated pipeline trigger. It bypasses the
// throttle but not the single-flight guard.
func (o *Orchestrator) Suggest(ctx context.Context) {
	o.trigger(ctx, true)
}

// run consumes recognition events until the pair shuts down.
func (o *Orchestrator) run(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-o.done:
			return
		case ev, ok := <-o.pair.Events():
			if !ok {
				return
			}
			o.handleEvent(ctx, ev)
		}
	}
}

func (o *Orchestrator) handleEvent(ctx context.Context, ev recognition.Event) {
	switch ev.Kind {
	case recognition.EventTranscript:
		o.handleTranscript(ctx, ev.Role, ev.Transcript)
	case recognition.EventRestarted:
		o.metrics.StreamRestarts.Add(ctx, 1)
		o.notifier.StreamRestarted(ev.Notice)
	case recognition.EventWarning:
		o.metrics.TypedErrors.Add(ctx, 1, observe.ErrAttr(string(ev.Err.Type), ev.Err.Code))
		o.notifier.Warning(ev.Err)
	}
}

// handleTranscript routes one transcript. Interims are display-only; finals
// become durable lines and drive the role-specific side effects.
func (o *Orchestrator) handleTranscript(ctx context.Context, role types.Role, t types.Transcript) {
	if !t.IsFinal {
		speaker := "Operator"
		if role == types.RoleCounterparty {
			speaker = o.convCtx.Mode().CounterpartyLabel()
		}
		o.notifier.Transcript(role, speaker, t.Text, false)
		return
	}
	if strings.TrimSpace(t.Text) == "" {
		return
	}

	line := o.convCtx.AppendFinal(role, t)
	o.metrics.TranscriptFinals.Add(ctx, 1, observe.RoleAttr(string(role)))
	o.notifier.Transcript(role, line.Speaker, line.Text, true)

	switch role {
	case types.RoleOperator:
		o.notifier.PronunciationScore(o.scorer.Score(t))
	case types.RoleCounterparty:
		o.trigger(ctx, false)
	}
}

// trigger snapshots the call state and runs the pipeline in the background.
// Busy and throttled triggers are dropped silently; a result arriving after
// Close is discarded.
func (o *Orchestrator) trigger(ctx context.Context, force bool) {
	req := suggest.Request{
		Mode:       o.convCtx.Mode(),
		Transcript: o.convCtx.Transcript(),
		Known:      o.convCtx.Known(),
		Force:      force,
	}
	if len(req.Transcript) == 0 {
		return
	}
	if req.Mode == types.ModeVendor && o.learner != nil {
		req.StyleHints = o.learner.StyleHints(ctx, lastCounterpartyText(req.Transcript), styleHintCount)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		result, err := o.pipeline.Generate(ctx, req)
		if err != nil {
			if errors.Is(err, suggest.ErrBusy) || errors.Is(err, suggest.ErrThrottled) {
				o.log.Debug("suggestion trigger dropped", "reason", err)
				return
			}
			if o.isClosed() {
				return
			}
			if ce, ok := callerr.As(err); ok {
				o.notifier.Warning(ce)
			} else {
				o.notifier.Warning(callerr.FromError(err))
			}
			return
		}

		o.convCtx.MergeKnown(result.Extracted)
		if result.Quote != nil {
			o.convCtx.SetQuote(result.Quote)
		}
		if o.isClosed() {
			return
		}
		o.notifier.Suggestion(result)
	}()
}

// SaveOptions carries the operator's wrap-up input for persistence.
type SaveOptions struct {
	// Outcome is the operator-reported result ("booked", "callback", ...).
	Outcome string

	// Feedback is optional free-text operator feedback.
	Feedback string

	// AIHelpful is the operator's verdict on the suggestions. Nil when not
	// answered.
	AIHelpful *bool
}

// Save persists the conversation and returns the durable identifier.
// Conversations below the configured minimum transcript length are rejected
// with a typed processing error and nothing is written. For vendor calls the
// phrase learner is dispatched in the background after a successful save.
func (o *Orchestrator) Save(ctx context.Context, opts SaveOptions) (string, error) {
	if o.store == nil {
		return "", callerr.Persistence("store_unconfigured",
			"conversation persistence is not configured on this server", nil)
	}

	transcript := o.convCtx.Transcript()
	if len(transcript) < o.minLines {
		return "", callerr.Processing("transcript_too_short",
			"conversation too short to save; keep talking or discard it").
			WithDetails(map[string]any{
				"lines":     len(transcript),
				"min_lines": o.minLines,
			})
	}

	rec := convlog.Record{
		ID:         uuid.NewString(),
		Mode:       o.convCtx.Mode(),
		OperatorID: o.convCtx.OperatorID(),
		LeadRef:    o.convCtx.LeadRef(),
		Transcript: transcript,
		Extracted:  o.convCtx.Known(),
		FinalQuote: o.convCtx.LastQuote(),
		Outcome:    opts.Outcome,
		Feedback:   opts.Feedback,
		AIHelpful:  opts.AIHelpful,
		Duration:   o.convCtx.Duration(),
		CreatedAt:  time.Now(),
	}
	if rec.Mode != types.ModeSales {
		rec.FinalQuote = nil
	}

	start := time.Now()
	id, err := o.store.Save(ctx, rec)
	o.metrics.SaveDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return "", callerr.Persistence("save_failed", "could not store the conversation", err)
	}

	o.emitSummary()
	if rec.Mode == types.ModeVendor && o.learner != nil {
		o.learner.Process(id, transcript)
	}
	o.log.Info("conversation saved", "id", id, "mode", string(rec.Mode), "lines", len(transcript))
	return id, nil
}

// Close tears the call down: capture first so no more audio flows, then the
// recognition sessions, then the event loop. A pronunciation summary is
// emitted if one was never sent. Idempotent.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	o.emitSummary()

	o.demux.Stop()
	o.pair.Close()
	close(o.done)
	o.wg.Wait()
}

// emitSummary sends the pronunciation aggregate at most once per session.
func (o *Orchestrator) emitSummary() {
	o.summaryOnce.Do(func() {
		if summary, ok := o.scorer.Summary(); ok {
			o.notifier.PronunciationSummary(summary)
		}
	})
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// lastCounterpartyText returns the most recent counter-party line, used as the
// similarity query for style-hint retrieval.
func lastCounterpartyText(transcript []types.TranscriptLine) string {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == types.RoleCounterparty {
			return transcript[i].Text
		}
	}
	return ""
}
