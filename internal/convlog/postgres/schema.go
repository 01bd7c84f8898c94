// Package postgres provides the PostgreSQL-backed conversation-log store.
//
// Sales and vendor conversations live in separate tables; vendor phrases are
// indexed with pgvector for nearest-neighbour retrieval. The pgvector
// extension must be available in the target database; [Migrate] installs it
// automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	id, err := store.Save(ctx, rec)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlConversations = `
CREATE TABLE IF NOT EXISTS sales_conversations (
    id           TEXT         PRIMARY KEY,
    operator_id  TEXT         NOT NULL DEFAULT '',
    lead_ref     TEXT         NOT NULL DEFAULT '',
    transcript   JSONB        NOT NULL DEFAULT '[]',
    extracted    JSONB        NOT NULL DEFAULT '{}',
    final_quote  JSONB,
    outcome      TEXT         NOT NULL DEFAULT '',
    feedback     TEXT         NOT NULL DEFAULT '',
    ai_helpful   BOOLEAN,
    duration_ns  BIGINT       NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sales_conversations_created_at
    ON sales_conversations (created_at);

CREATE INDEX IF NOT EXISTS idx_sales_conversations_lead_ref
    ON sales_conversations (lead_ref);

CREATE TABLE IF NOT EXISTS vendor_conversations (
    id           TEXT         PRIMARY KEY,
    operator_id  TEXT         NOT NULL DEFAULT '',
    lead_ref     TEXT         NOT NULL DEFAULT '',
    transcript   JSONB        NOT NULL DEFAULT '[]',
    extracted    JSONB        NOT NULL DEFAULT '{}',
    outcome      TEXT         NOT NULL DEFAULT '',
    feedback     TEXT         NOT NULL DEFAULT '',
    ai_helpful   BOOLEAN,
    duration_ns  BIGINT       NOT NULL DEFAULT 0,
    processed    BOOLEAN      NOT NULL DEFAULT false,
    phrases      JSONB        NOT NULL DEFAULT '[]',
    tactics      JSONB        NOT NULL DEFAULT '[]',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_vendor_conversations_processed
    ON vendor_conversations (processed);

CREATE INDEX IF NOT EXISTS idx_vendor_conversations_created_at
    ON vendor_conversations (created_at);
`

// ddlPhrases returns the vendor_phrases DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlPhrases(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS vendor_phrases (
    id              BIGSERIAL    PRIMARY KEY,
    conversation_id TEXT         NOT NULL,
    phrase          TEXT         NOT NULL,
    embedding       vector(%d),
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_vendor_phrases_conversation_id
    ON vendor_phrases (conversation_id);

CREATE INDEX IF NOT EXISTS idx_vendor_phrases_embedding
    ON vendor_phrases USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required tables and extensions exist. It is
// idempotent and safe to call on every application start.
//
// embeddingDimensions must match the configured embeddings model (e.g., 1536
// for OpenAI text-embedding-3-small). Changing this value after the first
// migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlConversations,
		ddlPhrases(embeddingDimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("convlog migrate: %w", err)
		}
	}
	return nil
}
