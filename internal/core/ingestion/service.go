package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/hokora/knowledge-rag/internal/core/chunk"
	"github.com/hokora/knowledge-rag/internal/core/dedup"
	"github.com/hokora/knowledge-rag/internal/core/embedding"
)

// Embedder はチャンク列のEmbedding生成インターフェース
type Embedder interface {
	BatchEmbeddings(ctx context.Context, texts []string, inputType embedding.InputType, preferredProvider string) *embedding.BatchResult
}

// Config は取り込みパイプラインの設定
type Config struct {
	// GenerateEmbeddings はチャンクのEmbedding生成を行うかどうか
	GenerateEmbeddings bool
	// NearDuplicateThreshold は近似重複とみなすMinHash類似度のしきい値
	NearDuplicateThreshold float64
	// MaxPages はクロール1回あたりの最大ページ数
	MaxPages int
}

// DefaultConfig はデフォルトの取り込み設定を返す
func DefaultConfig() Config {
	return Config{
		GenerateEmbeddings:     true,
		NearDuplicateThreshold: dedup.DefaultNearThreshold,
		MaxPages:               50,
	}
}

// Service は取り込みのユースケースを提供する。
// 1URLを fetch -> 重複判定 -> チャンク化 -> Embedding -> 永続化 と進め、
// ジョブ単位の統計を記録します
type Service struct {
	repo     Repository
	scraper  Scraper
	fetcher  Fetcher
	embedder Embedder
	chunker  *chunk.Chunker
	config   Config
	logger   *slog.Logger
}

// ServiceOption は Service のオプション設定
type ServiceOption func(*Service)

// WithFetcher はフォールバックの単一ページ取得バックエンドを設定する
func WithFetcher(f Fetcher) ServiceOption {
	return func(s *Service) {
		s.fetcher = f
	}
}

// WithEmbedder はEmbeddingクライアントを設定する
func WithEmbedder(e Embedder) ServiceOption {
	return func(s *Service) {
		s.embedder = e
	}
}

// WithConfig は取り込み設定を上書きする
func WithConfig(cfg Config) ServiceOption {
	return func(s *Service) {
		s.config = cfg
	}
}

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService は新しい Service を作成します
func NewService(repo Repository, scraper Scraper, chunker *chunk.Chunker, opts ...ServiceOption) *Service {
	s := &Service{
		repo:    repo,
		scraper: scraper,
		chunker: chunker,
		config:  DefaultConfig(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// fetchPage は主バックエンドでページを取得し、失敗時はフォールバックへ切り替えます
func (s *Service) fetchPage(ctx context.Context, url string) (*ScrapedPage, error) {
	page, err := s.scraper.Scrape(ctx, url)
	if err == nil && page != nil && (page.Content != "" || page.Markdown != "") {
		return page, nil
	}

	if s.fetcher == nil {
		if err != nil {
			return nil, fmt.Errorf("failed to scrape %s: %w", url, err)
		}
		return nil, fmt.Errorf("no content retrieved from %s", url)
	}

	s.logger.Warn("primary scrape backend failed, falling back to simple fetch",
		"url", url, "error", err)

	page, ferr := s.fetcher.Fetch(ctx, url)
	if ferr != nil {
		return nil, fmt.Errorf("failed to fetch %s (scrape: %v): %w", url, err, ferr)
	}
	if page == nil || (page.Content == "" && page.Markdown == "") {
		return nil, fmt.Errorf("no content retrieved from %s", url)
	}
	return page, nil
}

// ScrapeURL は1URLを取り込みます
func (s *Service) ScrapeURL(ctx context.Context, url string) (*ScrapeResult, error) {
	page, err := s.fetchPage(ctx, url)
	if err != nil {
		return nil, err
	}
	return s.IngestPage(ctx, page)
}

// IngestPage は取得済みページ1件を重複判定から永続化まで進めます。
// Markdownがあればそちらを優先してチャンク化します
func (s *Service) IngestPage(ctx context.Context, page *ScrapedPage) (*ScrapeResult, error) {
	content := page.Markdown
	if content == "" {
		content = page.Content
	}

	hash := dedup.ContentHash(content)

	// 正確ハッシュの短絡: 既存コンテンツならチャンク化もEmbeddingも行わない
	existing, err := s.repo.GetContentByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to look up content hash: %w", err)
	}
	if record, ok := existing.Get(); ok {
		s.logger.Info("exact duplicate detected, skipping",
			"url", page.URL, "contentID", record.ID)
		return &ScrapeResult{
			ContentID:   record.ID,
			URL:         page.URL,
			IsDuplicate: true,
		}, nil
	}

	// 近似重複スキャン
	stored, err := s.repo.ListSignatures(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list signatures: %w", err)
	}
	sigs := make([][]uint64, len(stored))
	for i, st := range stored {
		sigs[i] = st.Signature
	}

	signature := dedup.MinHashSignature(content, dedup.DefaultNumPermutations)
	match, err := dedup.IsNearDuplicate(signature, sigs, s.config.NearDuplicateThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to scan for near duplicates: %w", err)
	}

	record := &ContentRecord{
		URL:         page.URL,
		Title:       page.Title,
		Content:     page.Content,
		Markdown:    page.Markdown,
		ContentHash: hash,
		SourceType:  "scrape",
		Metadata:    page.Metadata,
	}

	result := &ScrapeResult{URL: page.URL}

	// 近似重複: コンテンツと署名は記録するが、チャンク化とEmbeddingの
	// コストは払わない
	if match.IsDuplicate {
		s.logger.Info("near duplicate detected, storing record without chunks",
			"url", page.URL,
			"similarity", match.Similarity,
			"matchContentID", stored[match.MatchIndex].ContentID,
		)
		contentID, err := s.repo.PersistContent(ctx, record, signature, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to persist near-duplicate content: %w", err)
		}
		result.ContentID = contentID
		result.IsNearDuplicate = true
		result.Similarity = match.Similarity
		return result, nil
	}

	// チャンク化（ゼロチャンクは空ページ等で正常）
	chunks := s.chunker.Split(content)
	records := make([]*ChunkRecord, len(chunks))
	for i, ch := range chunks {
		records[i] = &ChunkRecord{
			Index:        ch.Index,
			Text:         ch.Text,
			ChunkHash:    chunkHash(hash, ch.Index, ch.Text),
			TokenCount:   ch.TokenCount,
			Headers:      ch.Headers,
			HasCodeBlock: ch.HasCodeBlock,
			HasList:      ch.HasList,
		}
	}

	// Embedding生成（設定で有効な場合のみ、全チャンクを1回のバッチ呼び出しで）
	if s.config.GenerateEmbeddings && s.embedder != nil && len(records) > 0 {
		texts := make([]string, len(records))
		for i, r := range records {
			texts[i] = r.Text
		}

		batch := s.embedder.BatchEmbeddings(ctx, texts, embedding.InputTypeDocument, "")
		for i, vec := range batch.Embeddings {
			records[i].Embedding = vec
			records[i].EmbeddingModel = batch.Model
		}
		if batch.Err != nil {
			// 部分的な成功は保持し、失敗は統計へ残す
			s.logger.Warn("embedding generation failed partway",
				"url", page.URL,
				"failedBatch", batch.FailedBatch,
				"error", batch.Err,
			)
			result.EmbeddingError = batch.Err.Error()
		}
	}

	contentID, err := s.repo.PersistContent(ctx, record, signature, records)
	if err != nil {
		return nil, fmt.Errorf("failed to persist content: %w", err)
	}

	result.ContentID = contentID
	result.ChunksCreated = len(records)

	s.logger.Info("ingested page",
		"url", page.URL,
		"contentID", contentID,
		"chunks", len(records),
	)
	return result, nil
}

// CrawlSite はルートURLからのクロールを1ジョブとして実行します。
// クロールバックエンド自体の失敗はジョブを失敗させますが、個々のページの
// 失敗は記録した上でジョブを継続します
func (s *Service) CrawlSite(ctx context.Context, rootURL string) *Job {
	job := NewJob(rootURL)
	job.start()

	pages, err := s.scraper.Crawl(ctx, rootURL, s.config.MaxPages)
	if err != nil {
		job.fail(fmt.Sprintf("crawl failed: %v", err))
		return job
	}

	for _, page := range pages {
		res, err := s.IngestPage(ctx, page)
		if err != nil {
			job.Stats.Errors = append(job.Stats.Errors, fmt.Sprintf("%s: %v", page.URL, err))
			continue
		}
		job.Stats.PagesScraped++
		job.Stats.ChunksCreated += res.ChunksCreated
		if res.IsDuplicate || res.IsNearDuplicate {
			job.Stats.DuplicatesFound++
		}
		if res.EmbeddingError != "" {
			job.Stats.Errors = append(job.Stats.Errors, fmt.Sprintf("%s: embedding: %s", page.URL, res.EmbeddingError))
		}
	}

	job.complete()
	return job
}

// IngestSource はGitリポジトリ等のドキュメントソースを1ジョブとして取り込みます
func (s *Service) IngestSource(ctx context.Context, source DocumentSource) *Job {
	job := NewJob(source.Name())
	job.start()

	pages, err := source.FetchDocuments(ctx)
	if err != nil {
		job.fail(fmt.Sprintf("document source failed: %v", err))
		return job
	}

	for _, page := range pages {
		res, err := s.IngestPage(ctx, page)
		if err != nil {
			job.Stats.Errors = append(job.Stats.Errors, fmt.Sprintf("%s: %v", page.URL, err))
			continue
		}
		job.Stats.PagesScraped++
		job.Stats.ChunksCreated += res.ChunksCreated
		if res.IsDuplicate || res.IsNearDuplicate {
			job.Stats.DuplicatesFound++
		}
	}

	job.complete()
	return job
}

// RunScheduled は再取得期限を迎えたソースを順に処理し、ジョブ列を返します
func (s *Service) RunScheduled(ctx context.Context) ([]*Job, error) {
	sources, err := s.repo.ListDueSources(ctx, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to list due sources: %w", err)
	}

	jobs := make([]*Job, 0, len(sources))
	for _, src := range sources {
		job := NewJob(src.URL)
		job.start()

		res, err := s.ScrapeURL(ctx, src.URL)
		if err != nil {
			job.fail(err.Error())
			jobs = append(jobs, job)
			continue
		}

		job.Stats.PagesScraped = 1
		job.Stats.ChunksCreated = res.ChunksCreated
		if res.IsDuplicate || res.IsNearDuplicate {
			job.Stats.DuplicatesFound = 1
		}
		job.complete()

		if err := s.repo.TouchSource(ctx, src.ID, time.Now()); err != nil {
			s.logger.Warn("failed to update source scrape time",
				"sourceID", src.ID, "error", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

// chunkHash はコンテンツハッシュ・チャンク番号・テキストからチャンクの
// コンテンツアドレスを導出します
func chunkHash(contentHash string, index int, text string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%d:%s", contentHash, index, text))
	return hex.EncodeToString(sum[:])
}
