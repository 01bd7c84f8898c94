package suggest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/callpilot/callpilot/internal/callerr"
	"github.com/callpilot/callpilot/pkg/provider/llm"
	"github.com/callpilot/callpilot/pkg/provider/llm/mock"
	"github.com/callpilot/callpilot/pkg/types"
)

const (
	extractionJSON = `{"location":"Dallas","zip":"75201","event_type":"wedding","quantity":4,"intent":"quote request"}`
	responseJSON   = `{"response":"We can do four units for your wedding.","next_action":"confirm dates","confidence":"high","unit_rate":240,"quote_ready":true}`
)

func testTranscript() []types.TranscriptLine {
	return []types.TranscriptLine{
		{Role: types.RoleCounterparty, Speaker: "Customer", Text: "I need four units for a wedding in Dallas, 75201."},
		{Role: types.RoleOperator, Speaker: "Operator", Text: "Happy to help with that."},
	}
}

func newTestPipeline(provider llm.Provider, opts ...Option) *Pipeline {
	return NewPipeline(provider, NewPricer(testPricingConfig()), 1500*time.Millisecond, opts...)
}

func TestGenerate_TwoStagesSalesQuote(t *testing.T) {
	provider := &mock.Provider{CompleteResponses: []*llm.CompletionResponse{
		{Content: extractionJSON},
		{Content: responseJSON},
	}}
	p := newTestPipeline(provider)

	result, err := p.Generate(context.Background(), Request{
		Mode:       types.ModeSales,
		Transcript: testTranscript(),
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if provider.CompleteCallCount() != 2 {
		t.Errorf("Complete calls = %d, want 2", provider.CompleteCallCount())
	}
	if result.Response != "We can do four units for your wedding." {
		t.Errorf("Response = %q", result.Response)
	}
	if result.NextAction != "confirm dates" {
		t.Errorf("NextAction = %q", result.NextAction)
	}
	if result.Confidence != types.ConfidenceHigh {
		t.Errorf("Confidence = %q, want high", result.Confidence)
	}
	if result.Extracted.ZIP != "75201" || result.Extracted.Quantity != 4 {
		t.Errorf("Extracted = %+v, want merged extraction", result.Extracted)
	}

	if result.Quote == nil {
		t.Fatal("Quote = nil, want a sales quote when quote_ready")
	}
	if result.Quote.UnitRate != 240 {
		t.Errorf("Quote.UnitRate = %v, want the proposed 240", result.Quote.UnitRate)
	}
	if result.Quote.Quantity != 4 {
		t.Errorf("Quote.Quantity = %d, want 4", result.Quote.Quantity)
	}
}

func TestGenerate_EmitsStageSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)
	defer tp.Shutdown(context.Background())

	provider := &mock.Provider{CompleteResponses: []*llm.CompletionResponse{
		{Content: extractionJSON},
		{Content: responseJSON},
	}}
	p := newTestPipeline(provider)
	if _, err := p.Generate(context.Background(), Request{Mode: types.ModeSales, Transcript: testTranscript()}); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	names := make(map[string]bool)
	for _, s := range recorder.Ended() {
		names[s.Name()] = true
	}
	for _, want := range []string{"suggest.generate", "suggest.extraction", "suggest.response"} {
		if !names[want] {
			t.Errorf("span %q was never ended; got %v", want, names)
		}
	}
}

func TestGenerate_BothStagesRequestJSON(t *testing.T) {
	provider := &mock.Provider{CompleteResponses: []*llm.CompletionResponse{
		{Content: extractionJSON},
		{Content: responseJSON},
	}}
	p := newTestPipeline(provider)

	if _, err := p.Generate(context.Background(), Request{Mode: types.ModeSales, Transcript: testTranscript()}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for i, call := range provider.CompleteCalls {
		if !call.Req.JSONResponse {
			t.Errorf("call %d JSONResponse = false, want true", i)
		}
	}
}

func TestGenerate_VendorModeNeverQuotes(t *testing.T) {
	provider := &mock.Provider{CompleteResponses: []*llm.CompletionResponse{
		{Content: extractionJSON},
		{Content: responseJSON}, // quote_ready true, but mode is vendor
	}}
	p := newTestPipeline(provider)

	result, err := p.Generate(context.Background(), Request{
		Mode:       types.ModeVendor,
		Transcript: testTranscript(),
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.Quote != nil {
		t.Errorf("Quote = %+v, want nil in vendor mode", result.Quote)
	}
}

func TestGenerate_ExtractionFailureDegradesToKnown(t *testing.T) {
	provider := &mock.Provider{CompleteResponses: []*llm.CompletionResponse{
		{Content: "sorry, I can't do that"}, // unparsable stage 1
		{Content: responseJSON},
	}}
	p := newTestPipeline(provider)

	known := types.ExtractedInfo{Location: "Austin", Quantity: 2}
	result, err := p.Generate(context.Background(), Request{
		Mode:       types.ModeSales,
		Transcript: testTranscript(),
		Known:      known,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.Extracted != known {
		t.Errorf("Extracted = %+v, want the prior known info %+v", result.Extracted, known)
	}
}

func TestGenerate_ExtractionNeverClearsKnownFields(t *testing.T) {
	provider := &mock.Provider{CompleteResponses: []*llm.CompletionResponse{
		{Content: `{"quantity":6}`}, // re-detects only quantity
		{Content: responseJSON},
	}}
	p := newTestPipeline(provider)

	result, err := p.Generate(context.Background(), Request{
		Mode:       types.ModeSales,
		Transcript: testTranscript(),
		Known:      types.ExtractedInfo{Location: "Dallas", ZIP: "75201"},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.Extracted.Location != "Dallas" || result.Extracted.ZIP != "75201" {
		t.Errorf("Extracted = %+v, known fields were cleared", result.Extracted)
	}
	if result.Extracted.Quantity != 6 {
		t.Errorf("Quantity = %d, want 6 from the new extraction", result.Extracted.Quantity)
	}
}

func TestGenerate_ResponseStageErrorIsTyped(t *testing.T) {
	tests := []struct {
		name     string
		second   *llm.CompletionResponse
		err      error
		wantCode string
	}{
		{"provider error", nil, errors.New("rate limited"), "response_stage"},
		{"unparsable", &llm.CompletionResponse{Content: "not json"}, nil, "response_parse"},
		{"empty response", &llm.CompletionResponse{Content: `{"response":""}`}, nil, "response_empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			provider := &mock.Provider{CompleteFn: func(_ context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
				calls++
				if calls == 1 {
					return &llm.CompletionResponse{Content: extractionJSON}, nil
				}
				return tt.second, tt.err
			}}
			p := newTestPipeline(provider)

			_, err := p.Generate(context.Background(), Request{Mode: types.ModeSales, Transcript: testTranscript()})
			ce, ok := callerr.As(err)
			if !ok {
				t.Fatalf("Generate error = %v, want typed reasoning error", err)
			}
			if ce.Type != callerr.TypeReasoning {
				t.Errorf("Type = %q, want reasoning", ce.Type)
			}
			if ce.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", ce.Code, tt.wantCode)
			}
		})
	}
}

func TestGenerate_ThrottleAndForce(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }

	provider := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: responseJSON}}
	p := newTestPipeline(provider, WithClock(clock))

	req := Request{Mode: types.ModeSales, Transcript: testTranscript()}

	if _, err := p.Generate(context.Background(), req); err != nil {
		t.Fatalf("first Generate: %v", err)
	}

	// Inside the minimum interval: throttled.
	now = now.Add(500 * time.Millisecond)
	if _, err := p.Generate(context.Background(), req); !errors.Is(err, ErrThrottled) {
		t.Fatalf("second Generate = %v, want ErrThrottled", err)
	}

	// Force bypasses the throttle.
	forced := req
	forced.Force = true
	if _, err := p.Generate(context.Background(), forced); err != nil {
		t.Fatalf("forced Generate: %v", err)
	}

	// After the interval elapses (from the forced trigger), a normal trigger
	// succeeds again.
	now = now.Add(2 * time.Second)
	if _, err := p.Generate(context.Background(), req); err != nil {
		t.Fatalf("post-interval Generate: %v", err)
	}
}

func TestGenerate_SingleFlightEvenWhenForced(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	provider := &mock.Provider{CompleteFn: func(_ context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return &llm.CompletionResponse{Content: responseJSON}, nil
	}}
	p := newTestPipeline(provider)

	req := Request{Mode: types.ModeSales, Transcript: testTranscript()}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := p.Generate(context.Background(), req); err != nil {
			t.Errorf("in-flight Generate: %v", err)
		}
	}()

	<-started

	forced := req
	forced.Force = true
	if _, err := p.Generate(context.Background(), forced); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent forced Generate = %v, want ErrBusy", err)
	}

	close(release)
	wg.Wait()
}

func TestExtractJSON_StripsMarkdownFences(t *testing.T) {
	fenced := "```json\n" + responseJSON + "\n```"
	provider := &mock.Provider{CompleteResponses: []*llm.CompletionResponse{
		{Content: extractionJSON},
		{Content: fenced},
	}}
	p := newTestPipeline(provider)

	result, err := p.Generate(context.Background(), Request{Mode: types.ModeSales, Transcript: testTranscript()})
	if err != nil {
		t.Fatalf("Generate with fenced JSON: %v", err)
	}
	if result.Response == "" {
		t.Error("fenced JSON produced an empty response")
	}
}

func TestConfidenceTier_UnknownIsLow(t *testing.T) {
	tests := map[string]types.ConfidenceTier{
		"high":     types.ConfidenceHigh,
		" Medium ": types.ConfidenceMedium,
		"LOW":      types.ConfidenceLow,
		"certain":  types.ConfidenceLow,
		"":         types.ConfidenceLow,
	}
	for in, want := range tests {
		if got := confidenceTier(in); got != want {
			t.Errorf("confidenceTier(%q) = %q, want %q", in, got, want)
		}
	}
}
