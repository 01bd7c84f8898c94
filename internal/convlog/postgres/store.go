package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/callpilot/callpilot/internal/convlog"
	"github.com/callpilot/callpilot/pkg/types"
)

var _ convlog.Store = (*Store)(nil)

// Store is the PostgreSQL conversation-log store. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the database at dsn, registers
// pgvector types on every connection, and runs [Migrate].
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("convlog store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("convlog store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("convlog store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("convlog store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Save implements [convlog.Store]. The target table follows rec.Mode.
func (s *Store) Save(ctx context.Context, rec convlog.Record) (string, error) {
	transcript, err := json.Marshal(rec.Transcript)
	if err != nil {
		return "", fmt.Errorf("convlog store: marshal transcript: %w", err)
	}
	extracted, err := json.Marshal(rec.Extracted)
	if err != nil {
		return "", fmt.Errorf("convlog store: marshal extracted: %w", err)
	}

	switch rec.Mode {
	case types.ModeSales:
		var quote []byte
		if rec.FinalQuote != nil {
			if quote, err = json.Marshal(rec.FinalQuote); err != nil {
				return "", fmt.Errorf("convlog store: marshal quote: %w", err)
			}
		}
		const q = `
			INSERT INTO sales_conversations
			    (id, operator_id, lead_ref, transcript, extracted, final_quote, outcome, feedback, ai_helpful, duration_ns)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
		_, err = s.pool.Exec(ctx, q,
			rec.ID, rec.OperatorID, rec.LeadRef, transcript, extracted,
			quote, rec.Outcome, rec.Feedback, rec.AIHelpful, rec.Duration.Nanoseconds(),
		)
		if err != nil {
			return "", fmt.Errorf("convlog store: save sales conversation: %w", err)
		}
		return rec.ID, nil

	case types.ModeVendor:
		const q = `
			INSERT INTO vendor_conversations
			    (id, operator_id, lead_ref, transcript, extracted, outcome, feedback, ai_helpful, duration_ns)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
		_, err = s.pool.Exec(ctx, q,
			rec.ID, rec.OperatorID, rec.LeadRef, transcript, extracted,
			rec.Outcome, rec.Feedback, rec.AIHelpful, rec.Duration.Nanoseconds(),
		)
		if err != nil {
			return "", fmt.Errorf("convlog store: save vendor conversation: %w", err)
		}
		return rec.ID, nil

	default:
		return "", fmt.Errorf("convlog store: unknown mode %q", rec.Mode)
	}
}

// MarkProcessed implements [convlog.Store]. The processed flag in the WHERE
// clause makes a repeated call a no-op.
func (s *Store) MarkProcessed(ctx context.Context, conversationID string, insights convlog.VendorInsights) (bool, error) {
	phrases, err := json.Marshal(insights.Phrases)
	if err != nil {
		return false, fmt.Errorf("convlog store: marshal phrases: %w", err)
	}
	tactics, err := json.Marshal(insights.Tactics)
	if err != nil {
		return false, fmt.Errorf("convlog store: marshal tactics: %w", err)
	}

	const q = `
		UPDATE vendor_conversations
		SET    processed = true, phrases = $2, tactics = $3
		WHERE  id = $1 AND processed = false`
	tag, err := s.pool.Exec(ctx, q, conversationID, phrases, tactics)
	if err != nil {
		return false, fmt.Errorf("convlog store: mark processed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// InsertPhrases implements [convlog.Store].
func (s *Store) InsertPhrases(ctx context.Context, conversationID string, phrases []string, embeddings [][]float32) error {
	if len(phrases) != len(embeddings) {
		return fmt.Errorf("convlog store: %d phrases but %d embeddings", len(phrases), len(embeddings))
	}

	const q = `
		INSERT INTO vendor_phrases (conversation_id, phrase, embedding)
		VALUES ($1, $2, $3)`
	for i, phrase := range phrases {
		if _, err := s.pool.Exec(ctx, q, conversationID, phrase, pgvector.NewVector(embeddings[i])); err != nil {
			return fmt.Errorf("convlog store: insert phrase: %w", err)
		}
	}
	return nil
}

// SimilarPhrases implements [convlog.Store]. Results are ordered by ascending
// cosine distance (most similar first).
func (s *Store) SimilarPhrases(ctx context.Context, embedding []float32, topK int) ([]convlog.Phrase, error) {
	const q = `
		SELECT phrase, conversation_id, embedding <=> $1 AS distance
		FROM   vendor_phrases
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("convlog store: similar phrases: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (convlog.Phrase, error) {
		var p convlog.Phrase
		if err := row.Scan(&p.Text, &p.ConversationID, &p.Distance); err != nil {
			return convlog.Phrase{}, err
		}
		return p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("convlog store: scan phrases: %w", err)
	}
	return results, nil
}
