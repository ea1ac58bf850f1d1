package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/samber/mo"

	"github.com/hokora/knowledge-rag/internal/core/ingestion"
	"github.com/hokora/knowledge-rag/internal/platform/database"
)

// Repository は ingestion.Repository インターフェースを実装する
// PostgreSQL リポジトリです
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository は新しい Repository を作成します
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// コンパイル時の型チェック
var _ ingestion.Repository = (*Repository)(nil)

const contentColumns = `id, url, title, content, markdown, content_hash, source_type, metadata, created_at`

func scanContent(row pgx.Row) (*ingestion.ContentRecord, error) {
	var record ingestion.ContentRecord
	var metadata []byte
	err := row.Scan(
		&record.ID,
		&record.URL,
		&record.Title,
		&record.Content,
		&record.Markdown,
		&record.ContentHash,
		&record.SourceType,
		&metadata,
		&record.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	record.Metadata = MetadataFromJSONB(metadata)
	return &record, nil
}

// GetContentByHash はコンテンツハッシュの正確一致で既存レコードを探します
func (r *Repository) GetContentByHash(ctx context.Context, hash string) (mo.Option[*ingestion.ContentRecord], error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+contentColumns+` FROM contents WHERE content_hash = $1`,
		hash,
	)

	record, err := scanContent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mo.None[*ingestion.ContentRecord](), nil
		}
		return mo.None[*ingestion.ContentRecord](), fmt.Errorf("failed to get content by hash: %w", err)
	}

	return mo.Some(record), nil
}

// ListSignatures は保存済みの全MinHash署名を返します
func (r *Repository) ListSignatures(ctx context.Context) ([]ingestion.StoredSignature, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT content_id, signature FROM content_signatures`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list signatures: %w", err)
	}
	defer rows.Close()

	var signatures []ingestion.StoredSignature
	for rows.Next() {
		var contentID uuid.UUID
		var raw []int64
		if err := rows.Scan(&contentID, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan signature: %w", err)
		}
		signatures = append(signatures, ingestion.StoredSignature{
			ContentID: contentID,
			Signature: Int64sToSignature(raw),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate signatures: %w", err)
	}

	return signatures, nil
}

// PersistContent はコンテンツ・署名・チャンク列を1トランザクションで保存します。
// 部分的に書かれた取り込み結果を残さないための単位です
func (r *Repository) PersistContent(ctx context.Context, record *ingestion.ContentRecord, signature []uint64, chunks []*ingestion.ChunkRecord) (uuid.UUID, error) {
	return database.Transact(ctx, r.pool, func(tx pgx.Tx) (uuid.UUID, error) {
		// 同一コンテンツの並行取り込みを直列化する
		if err := database.AcquireXactLock(ctx, tx, database.LockID("content", record.ContentHash)); err != nil {
			return uuid.Nil, err
		}

		var contentID uuid.UUID
		err := tx.QueryRow(ctx,
			`INSERT INTO contents (url, title, content, markdown, content_hash, source_type, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING id`,
			record.URL,
			record.Title,
			record.Content,
			record.Markdown,
			record.ContentHash,
			record.SourceType,
			JSONBFromMetadata(record.Metadata),
		).Scan(&contentID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to insert content: %w", err)
		}

		if len(signature) > 0 {
			_, err = tx.Exec(ctx,
				`INSERT INTO content_signatures (content_id, signature) VALUES ($1, $2)`,
				contentID,
				SignatureToInt64s(signature),
			)
			if err != nil {
				return uuid.Nil, fmt.Errorf("failed to insert signature: %w", err)
			}
		}

		if len(chunks) > 0 {
			batch := &pgx.Batch{}
			for _, chunk := range chunks {
				var embedding any
				if chunk.Embedding != nil {
					embedding = pgvector.NewVector(chunk.Embedding)
				}
				batch.Queue(
					`INSERT INTO chunks (content_id, chunk_index, text, chunk_hash, token_count, headers, has_code_block, has_list, embedding, embedding_model)
					 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
					contentID,
					chunk.Index,
					chunk.Text,
					chunk.ChunkHash,
					chunk.TokenCount,
					JSONBFromStringSlice(chunk.Headers),
					chunk.HasCodeBlock,
					chunk.HasList,
					embedding,
					StringToNullableText(chunk.EmbeddingModel),
				)
			}

			results := tx.SendBatch(ctx, batch)
			for range chunks {
				if _, err := results.Exec(); err != nil {
					_ = results.Close()
					return uuid.Nil, fmt.Errorf("failed to insert chunk: %w", err)
				}
			}
			if err := results.Close(); err != nil {
				return uuid.Nil, fmt.Errorf("failed to close chunk batch: %w", err)
			}
		}

		return contentID, nil
	})
}

// ListDueSources は再取得期限を迎えたソースを返します
func (r *Repository) ListDueSources(ctx context.Context, now time.Time) ([]*ingestion.Source, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, url, title, scrape_frequency_minutes, last_scraped_at
		 FROM sources
		 WHERE last_scraped_at IS NULL
		    OR last_scraped_at + (scrape_frequency_minutes * interval '1 minute') <= $1
		 ORDER BY last_scraped_at NULLS FIRST`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list due sources: %w", err)
	}
	defer rows.Close()

	var sources []*ingestion.Source
	for rows.Next() {
		var src ingestion.Source
		var frequencyMinutes int
		if err := rows.Scan(&src.ID, &src.URL, &src.Title, &frequencyMinutes, &src.LastScrapedAt); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		src.ScrapeFrequency = time.Duration(frequencyMinutes) * time.Minute
		sources = append(sources, &src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sources: %w", err)
	}

	return sources, nil
}

// TouchSource はソースの最終取得時刻を更新します
func (r *Repository) TouchSource(ctx context.Context, sourceID uuid.UUID, scrapedAt time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sources SET last_scraped_at = $2 WHERE id = $1`,
		sourceID,
		scrapedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to touch source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("source not found: %s", sourceID)
	}
	return nil
}

// UpsertSource は定期取得の対象ソースを登録します
func (r *Repository) UpsertSource(ctx context.Context, url, title string, frequency time.Duration) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx,
		`INSERT INTO sources (url, title, scrape_frequency_minutes)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (url) DO UPDATE
		     SET title = EXCLUDED.title,
		         scrape_frequency_minutes = EXCLUDED.scrape_frequency_minutes
		 RETURNING id`,
		url,
		title,
		int(frequency.Minutes()),
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to upsert source: %w", err)
	}
	return id, nil
}
