package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hokora/knowledge-rag/internal/core/chunk"
)

const (
	// DefaultLimit はチャンク検索のデフォルト返却件数
	DefaultLimit = 10
	// DefaultKnowledgeLimit はナレッジ検索のデフォルト返却件数
	DefaultKnowledgeLimit = 5
	// DefaultThreshold はベクトル検索のデフォルト類似度しきい値
	DefaultThreshold = 0.7
	// DefaultContextTokens はRAGコンテキストのデフォルトトークン上限
	DefaultContextTokens = 2000

	// charsPerToken はトークン数から文字数への換算係数
	charsPerToken = 4
)

// Embedder はクエリのEmbedding生成インターフェース
type Embedder interface {
	// EmbedQuery は検索クエリ1件のEmbeddingを生成し、使用したモデル名を返す
	EmbedQuery(ctx context.Context, text string) ([]float32, string, error)
}

// Service は検索のビジネスロジックを提供する。
// ベクトル検索はEmbedding生成や検索バックエンドの失敗時に全文検索へ
// 透過的にフォールバックするため、検索自体が失敗として返ることはない
type Service struct {
	repo     Repository
	embedder Embedder
	counter  chunk.TokenCounter
	logger   *slog.Logger
}

// ServiceOption は Service のオプション設定
type ServiceOption func(*Service)

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithTokenCounter はコンテキスト予算の計算に使うトークンカウンタを設定する。
// 未設定時は文字数換算（chars/4）の概算で数える
func WithTokenCounter(counter chunk.TokenCounter) ServiceOption {
	return func(s *Service) {
		s.counter = counter
	}
}

// NewService は新しい Service を作成する。embedder が nil の場合、
// ベクトル検索は常に全文検索へフォールバックする
func NewService(repo Repository, embedder Embedder, opts ...ServiceOption) *Service {
	s := &Service{
		repo:     repo,
		embedder: embedder,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (o Options) withDefaults() Options {
	if o.Limit <= 0 {
		o.Limit = DefaultLimit
	}
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.KnowledgeLimit <= 0 {
		o.KnowledgeLimit = DefaultKnowledgeLimit
	}
	return o
}

// TextSearch はチャンク本文の全文検索を実行する
func (s *Service) TextSearch(ctx context.Context, query string, opts Options) ([]*ChunkResult, error) {
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	opts = opts.withDefaults()

	results, err := s.repo.TextSearchChunks(ctx, query, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("text search failed: %w", err)
	}
	return results, nil
}

// VectorSearch はクエリをEmbeddingに変換して類似度検索を実行する。
// Embedding生成または検索バックエンドが失敗した場合は全文検索へ
// フォールバックする
func (s *Service) VectorSearch(ctx context.Context, query string, opts Options) ([]*ChunkResult, error) {
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	opts = opts.withDefaults()

	vector, ok := s.embedQuery(ctx, query)
	if !ok {
		return s.TextSearch(ctx, query, opts)
	}

	results, err := s.repo.VectorSearchChunks(ctx, vector, opts.Threshold, opts.Limit)
	if err != nil {
		s.logger.Warn("vector search failed, falling back to text search",
			"error", err)
		return s.TextSearch(ctx, query, opts)
	}
	return results, nil
}

// HybridSearch はチャンク検索とナレッジ検索を実行し、2グループのまま返す。
// コーパスが空の場合は両グループとも空で、エラーにはならない
func (s *Service) HybridSearch(ctx context.Context, query string, opts Options) (*HybridResult, error) {
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	opts = opts.withDefaults()

	chunks, err := s.VectorSearch(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("chunk search failed: %w", err)
	}

	knowledge, err := s.searchKnowledge(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("knowledge search failed: %w", err)
	}

	return &HybridResult{Chunks: chunks, Knowledge: knowledge}, nil
}

// searchKnowledge はナレッジエントリをベクトル検索し、失敗時は全文検索へ
// フォールバックする
func (s *Service) searchKnowledge(ctx context.Context, query string, opts Options) ([]*KnowledgeResult, error) {
	if vector, ok := s.embedQuery(ctx, query); ok {
		results, err := s.repo.VectorSearchKnowledge(ctx, vector, opts.Threshold, opts.KnowledgeLimit)
		if err == nil {
			return results, nil
		}
		s.logger.Warn("knowledge vector search failed, falling back to text search",
			"error", err)
	}

	results, err := s.repo.TextSearchKnowledge(ctx, query, opts.KnowledgeLimit)
	if err != nil {
		return nil, fmt.Errorf("knowledge text search failed: %w", err)
	}
	return results, nil
}

// embedQuery はクエリのEmbedding生成を試みる。失敗はフォールバックの
// 合図なのでログに残すだけでエラーとしては伝播しない
func (s *Service) embedQuery(ctx context.Context, query string) ([]float32, bool) {
	if s.embedder == nil {
		return nil, false
	}
	vector, model, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		s.logger.Warn("query embedding failed, falling back to text search",
			"error", err)
		return nil, false
	}
	s.logger.Debug("embedded query", "model", model, "dimension", len(vector))
	return vector, true
}

// BuildRAGContext は検索結果を1つのコンテキスト文字列に連結する。
// キュレーション済みナレッジエントリをスクレイプ由来のチャンクより先に
// 詰め、予算を超える断片で打ち切る貪欲詰め。予算はトークンカウンタ設定時は
// 正確なトークン数、未設定時は文字数換算（maxTokens*4）で数える。
// グループ内の順序は入力順を保つ
func (s *Service) BuildRAGContext(chunks []*ChunkResult, knowledge []*KnowledgeResult, opts ContextOptions) string {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultContextTokens
	}

	budget := maxTokens * charsPerToken
	partCost := func(part string, first bool) int {
		cost := len(part)
		if !first {
			cost += 2 // 区切りの空行
		}
		return cost
	}
	if s.counter != nil {
		budget = maxTokens
		partCost = func(part string, first bool) int {
			cost := s.counter.Count(part)
			if !first {
				cost++ // 区切りの空行
			}
			return cost
		}
	}

	var sb strings.Builder
	used := 0

	appendPart := func(part string) bool {
		cost := partCost(part, sb.Len() == 0)
		if used+cost > budget {
			return false
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(part)
		used += cost
		return true
	}

	for _, entry := range knowledge {
		part := entry.Content
		if opts.IncludeSource && entry.Title != "" {
			part = fmt.Sprintf("[%s]\n%s", entry.Title, part)
		}
		if !appendPart(part) {
			return sb.String()
		}
	}

	for _, chunk := range chunks {
		part := chunk.Text
		if opts.IncludeSource && chunk.URL != "" {
			part = fmt.Sprintf("[%s](%s)\n%s", chunk.Title, chunk.URL, part)
		}
		if !appendPart(part) {
			return sb.String()
		}
	}

	return sb.String()
}

// GetRAGContext は質問1件に対してハイブリッド検索とコンテキスト組み立てを
// まとめて実行し、引用表示用の出典一覧（URL/slugで重複排除済み）を付けて返す
func (s *Service) GetRAGContext(ctx context.Context, question string, opts Options, ctxOpts ContextOptions) (*RAGContext, error) {
	result, err := s.HybridSearch(ctx, question, opts)
	if err != nil {
		return nil, err
	}

	return &RAGContext{
		Context:   s.BuildRAGContext(result.Chunks, result.Knowledge, ctxOpts),
		Sources:   collectSources(result.Chunks, result.Knowledge),
		Chunks:    result.Chunks,
		Knowledge: result.Knowledge,
	}, nil
}

// collectSources は検索結果から出典一覧を作る。ナレッジはslug、チャンクは
// URLをキーに重複を除き、初出順を保つ
func collectSources(chunks []*ChunkResult, knowledge []*KnowledgeResult) []SourceRef {
	seen := make(map[string]struct{})
	sources := make([]SourceRef, 0, len(chunks)+len(knowledge))

	for _, entry := range knowledge {
		key := "knowledge:" + entry.Slug
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		sources = append(sources, SourceRef{Title: entry.Title, Slug: entry.Slug})
	}

	for _, chunk := range chunks {
		key := "url:" + chunk.URL
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		sources = append(sources, SourceRef{Title: chunk.Title, URL: chunk.URL})
	}

	return sources
}
