package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/hokora/knowledge-rag/internal/core/search"
)

// SearchRepository は core/search.Repository を実装する PostgreSQL リポジトリ。
// 全文検索はtsvector、類似度検索はpgvectorのコサイン距離を使う
type SearchRepository struct {
	pool *pgxpool.Pool
}

// NewSearchRepository は新しい SearchRepository を返す。
func NewSearchRepository(pool *pgxpool.Pool) *SearchRepository {
	return &SearchRepository{pool: pool}
}

var _ search.Repository = (*SearchRepository)(nil)

func (r *SearchRepository) TextSearchChunks(ctx context.Context, query string, limit int) ([]*search.ChunkResult, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT c.id, c.content_id, ct.url, ct.title, c.text, c.headers,
		        ts_rank_cd(to_tsvector('english', c.text), plainto_tsquery('english', $1)) AS score
		 FROM chunks c
		 JOIN contents ct ON ct.id = c.content_id
		 WHERE to_tsvector('english', c.text) @@ plainto_tsquery('english', $1)
		 ORDER BY score DESC
		 LIMIT $2`,
		query,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to text-search chunks: %w", err)
	}
	defer rows.Close()

	return scanChunkResults(rows)
}

func (r *SearchRepository) VectorSearchChunks(ctx context.Context, vector []float32, threshold float64, limit int) ([]*search.ChunkResult, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT c.id, c.content_id, ct.url, ct.title, c.text, c.headers,
		        1 - (c.embedding <=> $1) AS score
		 FROM chunks c
		 JOIN contents ct ON ct.id = c.content_id
		 WHERE c.embedding IS NOT NULL
		   AND 1 - (c.embedding <=> $1) >= $2
		 ORDER BY c.embedding <=> $1
		 LIMIT $3`,
		pgvector.NewVector(vector),
		threshold,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to vector-search chunks: %w", err)
	}
	defer rows.Close()

	return scanChunkResults(rows)
}

func (r *SearchRepository) TextSearchKnowledge(ctx context.Context, query string, limit int) ([]*search.KnowledgeResult, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, slug, title, content,
		        ts_rank_cd(to_tsvector('english', title || ' ' || content), plainto_tsquery('english', $1)) AS score
		 FROM knowledge_entries
		 WHERE to_tsvector('english', title || ' ' || content) @@ plainto_tsquery('english', $1)
		 ORDER BY score DESC
		 LIMIT $2`,
		query,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to text-search knowledge entries: %w", err)
	}
	defer rows.Close()

	return scanKnowledgeResults(rows)
}

func (r *SearchRepository) VectorSearchKnowledge(ctx context.Context, vector []float32, threshold float64, limit int) ([]*search.KnowledgeResult, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, slug, title, content,
		        1 - (embedding <=> $1) AS score
		 FROM knowledge_entries
		 WHERE embedding IS NOT NULL
		   AND 1 - (embedding <=> $1) >= $2
		 ORDER BY embedding <=> $1
		 LIMIT $3`,
		pgvector.NewVector(vector),
		threshold,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to vector-search knowledge entries: %w", err)
	}
	defer rows.Close()

	return scanKnowledgeResults(rows)
}

func scanChunkResults(rows pgx.Rows) ([]*search.ChunkResult, error) {
	results := make([]*search.ChunkResult, 0)
	for rows.Next() {
		var result search.ChunkResult
		var headers []byte
		err := rows.Scan(
			&result.ChunkID,
			&result.ContentID,
			&result.URL,
			&result.Title,
			&result.Text,
			&headers,
			&result.Score,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk result: %w", err)
		}
		result.Headers = StringSliceFromJSONB(headers)
		results = append(results, &result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chunk results: %w", err)
	}
	return results, nil
}

func scanKnowledgeResults(rows pgx.Rows) ([]*search.KnowledgeResult, error) {
	results := make([]*search.KnowledgeResult, 0)
	for rows.Next() {
		var result search.KnowledgeResult
		err := rows.Scan(
			&result.ID,
			&result.Slug,
			&result.Title,
			&result.Content,
			&result.Score,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan knowledge result: %w", err)
		}
		results = append(results, &result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate knowledge results: %w", err)
	}
	return results, nil
}

// UpsertKnowledgeEntry はナレッジエントリを登録・更新する
func (r *SearchRepository) UpsertKnowledgeEntry(ctx context.Context, slug, title, content string, embedding []float32) error {
	var vec any
	if embedding != nil {
		vec = pgvector.NewVector(embedding)
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO knowledge_entries (slug, title, content, embedding)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (slug) DO UPDATE
		     SET title = EXCLUDED.title,
		         content = EXCLUDED.content,
		         embedding = EXCLUDED.embedding,
		         updated_at = now()`,
		slug,
		title,
		content,
		vec,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert knowledge entry: %w", err)
	}
	return nil
}
