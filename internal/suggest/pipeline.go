// Package suggest runs the two-stage AI suggestion pipeline: extract
// structured facts from the transcript, then generate the operator's next
// reply (with a price quote in sales mode).
//
// Both stages are calls to an external reasoning service. Neither is retried
// synchronously; a failure surfaces as a typed reasoning error and the guard
// releases so a later utterance can try again.
package suggest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/callpilot/callpilot/internal/callerr"
	"github.com/callpilot/callpilot/internal/observe"
	"github.com/callpilot/callpilot/pkg/provider/llm"
	"github.com/callpilot/callpilot/pkg/types"
)

// ErrBusy is returned when a generation is already in flight for this
// session. The caller simply skips the trigger; the running generation's
// result is on its way.
var ErrBusy = errors.New("suggest: generation already in flight")

// ErrThrottled is returned when the minimum inter-trigger interval has not
// elapsed since the last successful trigger. Manual (forced) triggers bypass
// this check but never the in-flight guard.
var ErrThrottled = errors.New("suggest: throttled")

// Request is one pipeline invocation: a snapshot of the conversation at
// trigger time. The pipeline never reaches back into live session state.
type Request struct {
	// Mode selects the prompt strategy and whether a quote is produced.
	Mode types.Mode

	// Transcript is the durable transcript so far.
	Transcript []types.TranscriptLine

	// Known is the structured info already extracted in earlier runs. Used
	// as-is when the extraction stage fails.
	Known types.ExtractedInfo

	// StyleHints are retrieved negotiation phrases folded into the vendor
	// response prompt as non-binding style guidance.
	StyleHints []string

	// Force bypasses the throttle gate for operator-initiated requests.
	Force bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// WithMetrics sets the metrics sink. Defaults to the process-wide instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline enforces single-flight and throttling per session and runs the two
// stages in order. One Pipeline per connection; the guard state is the
// per-session single-flight contract.
type Pipeline struct {
	llm         llm.Provider
	pricer      *Pricer
	minInterval time.Duration
	log         *slog.Logger
	metrics     *observe.Metrics
	now         func() time.Time

	mu          sync.Mutex
	inFlight    bool
	lastTrigger time.Time
}

// NewPipeline creates a Pipeline over the given reasoning provider and
// pricing rules. minInterval is the throttle gate's minimum spacing between
// successful triggers.
func NewPipeline(provider llm.Provider, pricer *Pricer, minInterval time.Duration, opts ...Option) *Pipeline {
	p := &Pipeline{
		llm:         provider,
		pricer:      pricer,
		minInterval: minInterval,
		log:         slog.Default().With("component", "suggest"),
		now:         time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Generate runs the pipeline once. It returns ErrBusy when a run is already
// in flight and ErrThrottled when the trigger arrives inside the minimum
// interval (unless req.Force). Any stage-2 failure comes back as a typed
// reasoning error; stage-1 failures degrade to req.Known and are logged only.
//
// The returned result carries the merged extracted info, which the caller
// folds back into the conversation context.
func (p *Pipeline) Generate(ctx context.Context, req Request) (*types.SuggestionResult, error) {
	if err := p.acquire(req.Force); err != nil {
		return nil, err
	}
	defer p.release()

	ctx, span := observe.StartSpan(ctx, "suggest.generate",
		trace.WithAttributes(attribute.String("mode", string(req.Mode))))
	defer span.End()

	start := time.Now()
	defer func() {
		p.metrics.SuggestionDuration.Record(ctx, time.Since(start).Seconds())
	}()

	merged := p.runExtraction(ctx, req)
	result, err := p.runResponse(ctx, req, merged)
	if err != nil {
		return nil, err
	}
	result.Extracted = merged
	return result, nil
}

// acquire takes the single-flight guard and, unless forced, checks the
// throttle. The throttle timestamp advances only on successful acquisition.
func (p *Pipeline) acquire(force bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight {
		return ErrBusy
	}
	now := p.now()
	if !force && !p.lastTrigger.IsZero() && now.Sub(p.lastTrigger) < p.minInterval {
		return ErrThrottled
	}
	p.inFlight = true
	p.lastTrigger = now
	return nil
}

func (p *Pipeline) release() {
	p.mu.Lock()
	p.inFlight = false
	p.mu.Unlock()
}

// runExtraction is stage 1. Its failure never blocks stage 2: whatever was
// already known is used instead.
func (p *Pipeline) runExtraction(ctx context.Context, req Request) types.ExtractedInfo {
	ctx, span := observe.StartSpan(ctx, "suggest.extraction")
	defer span.End()

	start := time.Now()
	defer func() {
		p.metrics.StageDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("stage", "extraction")))
	}()

	resp, err := p.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: extractionSystemPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: renderTranscript(req.Transcript)},
		},
		MaxTokens:    300,
		JSONResponse: true,
	})
	if err != nil {
		p.log.Warn("extraction stage failed; continuing with known info", "err", err)
		return req.Known
	}

	var extracted types.ExtractedInfo
	if err := json.Unmarshal(extractJSON(resp.Content), &extracted); err != nil {
		p.log.Warn("extraction stage returned unparsable JSON; continuing with known info", "err", err)
		return req.Known
	}
	return req.Known.Merge(extracted)
}

// responsePayload is the stage-2 JSON contract.
type responsePayload struct {
	Response   string  `json:"response"`
	NextAction string  `json:"next_action"`
	Confidence string  `json:"confidence"`
	UnitRate   float64 `json:"unit_rate"`
	QuoteReady bool    `json:"quote_ready"`
}

// runResponse is stage 2: the literal reply plus, in sales mode, the quote.
func (p *Pipeline) runResponse(ctx context.Context, req Request, info types.ExtractedInfo) (*types.SuggestionResult, error) {
	ctx, span := observe.StartSpan(ctx, "suggest.response")
	defer span.End()

	start := time.Now()
	defer func() {
		p.metrics.StageDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("stage", "response")))
	}()

	user := "Known so far: " + renderKnownInfo(info) + "\n\nTranscript:\n" + renderTranscript(req.Transcript)

	resp, err := p.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: responseSystemPrompt(req.Mode, req.StyleHints),
		Messages: []llm.Message{
			{Role: "user", Content: user},
		},
		Temperature:  0.7,
		MaxTokens:    400,
		JSONResponse: true,
	})
	if err != nil {
		return nil, callerr.Reasoning("response_stage", "could not generate a suggestion for this utterance", err)
	}

	var payload responsePayload
	if err := json.Unmarshal(extractJSON(resp.Content), &payload); err != nil {
		return nil, callerr.Reasoning("response_parse", "reasoning service returned an unparsable suggestion", err)
	}
	if payload.Response == "" {
		return nil, callerr.Reasoning("response_empty", "reasoning service returned an empty suggestion", nil)
	}

	result := &types.SuggestionResult{
		Response:   payload.Response,
		NextAction: payload.NextAction,
		Confidence: confidenceTier(payload.Confidence),
	}

	if req.Mode == types.ModeSales && payload.QuoteReady {
		q := p.pricer.Quote(info, payload.UnitRate, "")
		result.Quote = &q
	}
	return result, nil
}

// confidenceTier normalises the model's confidence string; anything
// unrecognised is low.
func confidenceTier(s string) types.ConfidenceTier {
	switch types.ConfidenceTier(strings.ToLower(strings.TrimSpace(s))) {
	case types.ConfidenceHigh:
		return types.ConfidenceHigh
	case types.ConfidenceMedium:
		return types.ConfidenceMedium
	default:
		return types.ConfidenceLow
	}
}

// extractJSON strips markdown code fences some models wrap around JSON
// despite instructions.
func extractJSON(s string) []byte {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	return []byte(s)
}
