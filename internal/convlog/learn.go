package convlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/callpilot/callpilot/pkg/provider/embeddings"
	"github.com/callpilot/callpilot/pkg/provider/llm"
	"github.com/callpilot/callpilot/pkg/types"
)

// learnPrompt instructs the insight extraction over a finished vendor call.
const learnPrompt = `You analyse a finished phone negotiation between a rental-company operator and a supplier (vendor).
Return a JSON object:
  "phrases": up to 5 verbatim quotes from either speaker that moved the negotiation forward (concessions, anchors, effective asks)
  "tactics": up to 5 one-line descriptions of negotiation tactics observed
Return empty arrays when nothing stands out.`

// processTimeout bounds one detached extraction run.
const processTimeout = 2 * time.Minute

// Learner runs the asynchronous phrase/tactic extraction over saved vendor
// conversations and serves style hints back to the suggestion pipeline.
//
// Process is fire-and-forget: the save path never waits on it, failures are
// logged and never retried automatically, and the store's processed marker
// keeps a manual re-run from extracting the same conversation twice.
type Learner struct {
	store Store
	llm   llm.Provider
	emb   embeddings.Provider
	log   *slog.Logger

	wg sync.WaitGroup
}

// NewLearner creates a Learner. emb may be nil, in which case extracted
// phrases are stored on the conversation record but not indexed for
// similarity retrieval.
func NewLearner(store Store, provider llm.Provider, emb embeddings.Provider, log *slog.Logger) *Learner {
	if log == nil {
		log = slog.Default()
	}
	return &Learner{
		store: store,
		llm:   provider,
		emb:   emb,
		log:   log.With("component", "convlog.learner"),
	}
}

// Process schedules extraction for a saved vendor conversation and returns
// immediately. The task runs on a background context: it must survive the
// connection that triggered the save.
func (l *Learner) Process(conversationID string, transcript []types.TranscriptLine) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
		defer cancel()
		if err := l.process(ctx, conversationID, transcript); err != nil {
			l.log.Warn("vendor insight extraction failed", "conversation_id", conversationID, "err", err)
		}
	}()
}

// Wait blocks until all scheduled extractions finish. Used in tests and
// during graceful shutdown.
func (l *Learner) Wait() { l.wg.Wait() }

func (l *Learner) process(ctx context.Context, conversationID string, transcript []types.TranscriptLine) error {
	var b strings.Builder
	for _, line := range transcript {
		b.WriteString(line.Speaker)
		b.WriteString(": ")
		b.WriteString(line.Text)
		b.WriteString("\n")
	}

	resp, err := l.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: learnPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: b.String()},
		},
		MaxTokens:    500,
		JSONResponse: true,
	})
	if err != nil {
		return fmt.Errorf("convlog: insight extraction: %w", err)
	}

	var insights VendorInsights
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Content)), &insights); err != nil {
		return fmt.Errorf("convlog: parse insights: %w", err)
	}

	updated, err := l.store.MarkProcessed(ctx, conversationID, insights)
	if err != nil {
		return fmt.Errorf("convlog: mark processed: %w", err)
	}
	if !updated {
		l.log.Info("conversation already processed; skipping", "conversation_id", conversationID)
		return nil
	}

	if l.emb == nil || len(insights.Phrases) == 0 {
		return nil
	}

	vectors, err := l.emb.EmbedBatch(ctx, insights.Phrases)
	if err != nil {
		return fmt.Errorf("convlog: embed phrases: %w", err)
	}
	if err := l.store.InsertPhrases(ctx, conversationID, insights.Phrases, vectors); err != nil {
		return fmt.Errorf("convlog: store phrases: %w", err)
	}

	l.log.Info("vendor insights stored",
		"conversation_id", conversationID,
		"phrases", len(insights.Phrases),
		"tactics", len(insights.Tactics),
	)
	return nil
}

// StyleHints returns up to topK stored negotiation phrases similar to the
// query text, for the vendor response prompt. Failures degrade to no hints.
func (l *Learner) StyleHints(ctx context.Context, query string, topK int) []string {
	if l.emb == nil || strings.TrimSpace(query) == "" {
		return nil
	}
	vec, err := l.emb.Embed(ctx, query)
	if err != nil {
		l.log.Warn("style hint embedding failed", "err", err)
		return nil
	}
	phrases, err := l.store.SimilarPhrases(ctx, vec, topK)
	if err != nil {
		l.log.Warn("style hint retrieval failed", "err", err)
		return nil
	}
	hints := make([]string, 0, len(phrases))
	for _, p := range phrases {
		hints = append(hints, p.Text)
	}
	return hints
}
