// Package embedding はプロバイダフォールバック付きのEmbedding生成クライアントです。
// フォールバックは例外的な分岐ではなく、順序付きプロバイダ列を順に試す
// データ駆動のループとして実装されています。
package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"

	"github.com/hokora/knowledge-rag/internal/platform/cache"
)

// InputType はEmbeddingの用途区分。プロバイダによって文書用と検索クエリ用で
// 異なる前処理を行うため、呼び出し側が区別して渡します
type InputType string

const (
	InputTypeDocument InputType = "document"
	InputTypeQuery    InputType = "query"
)

// デフォルト設定
const (
	// DefaultBatchSize は1回のAPI呼び出しに含める最大テキスト数
	DefaultBatchSize = 100
	// defaultBatchRate はバッチ間のペーシング（プロバイダのレート制限への配慮）
	defaultBatchRate = rate.Limit(2) // 2 batches/sec
	// cacheKeyTextLimit はキャッシュキーに使うテキストの最大長
	cacheKeyTextLimit = 256
)

// ProviderResult は1プロバイダのEmbedding生成結果
type ProviderResult struct {
	Embeddings  [][]float32
	TotalTokens int
}

// Provider は単一のEmbeddingプロバイダです。
// internal/infra 配下のHTTPクライアントが実装します
type Provider interface {
	// Name はプロバイダ識別子を返す（"voyage", "openai" 等）
	Name() string
	// Model は生成に使うモデル名を返す
	Model() string
	// Dimension は生成されるベクトルの次元数を返す
	Dimension() int
	// Embed はテキスト列をベクトル化する
	Embed(ctx context.Context, texts []string, inputType InputType) (*ProviderResult, error)
}

// Result はフォールバック解決後のEmbedding生成結果。
// Model はベクトルを生成したモデルを示し、異なるモデルのベクトルを
// 直接比較してはいけません
type Result struct {
	Embeddings  [][]float32
	Model       string
	Provider    string
	TotalTokens int
}

// BatchResult はバッチ生成の結果。FailedBatch が -1 以外の場合、
// そのバッチ以降は処理されておらず Embeddings は部分的な結果です
type BatchResult struct {
	Embeddings  [][]float32
	Model       string
	Provider    string
	TotalTokens int
	FailedBatch int
	Err         error
}

// Client は順序付きプロバイダ列を持つEmbeddingクライアントです
type Client struct {
	providers      []Provider
	cache          *cache.Cache
	batchSize      int
	limiter        *rate.Limiter
	requestLimiter *cache.SlidingWindowLimiter
	logger         *slog.Logger
}

// ClientOption はClientのオプション設定
type ClientOption func(*Client)

// WithCache は単一テキストEmbeddingのキャッシュを設定する
func WithCache(c *cache.Cache) ClientOption {
	return func(cl *Client) {
		cl.cache = c
	}
}

// WithBatchSize はバッチサイズを上書きする
func WithBatchSize(n int) ClientOption {
	return func(cl *Client) {
		if n > 0 {
			cl.batchSize = n
		}
	}
}

// WithRequestLimiter はプロバイダ別キーのレート制限を設定する。
// 上限に達したプロバイダは失敗と同じ扱いで次のプロバイダへフォールバックする
func WithRequestLimiter(l *cache.SlidingWindowLimiter) ClientOption {
	return func(cl *Client) {
		cl.requestLimiter = l
	}
}

// WithBatchRate はバッチ間ペーシングのレートを上書きする
func WithBatchRate(r rate.Limit, burst int) ClientOption {
	return func(cl *Client) {
		cl.limiter = rate.NewLimiter(r, burst)
	}
}

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cl *Client) {
		cl.logger = logger
	}
}

// NewClient は新しいClientを作成します。providers は優先順です
func NewClient(providers []Provider, opts ...ClientOption) (*Client, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("at least one embedding provider is required")
	}

	c := &Client{
		providers: providers,
		batchSize: DefaultBatchSize,
		limiter:   rate.NewLimiter(defaultBatchRate, 1),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// modelNames は構成中プロバイダのモデル名を優先順で返します
func (c *Client) modelNames() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Model()
	}
	return names
}

// orderedProviders は preferred を先頭に並べ替えたプロバイダ列を返します
func (c *Client) orderedProviders(preferred string) []Provider {
	if preferred == "" {
		return c.providers
	}

	ordered := make([]Provider, 0, len(c.providers))
	for _, p := range c.providers {
		if p.Name() == preferred {
			ordered = append(ordered, p)
		}
	}
	for _, p := range c.providers {
		if p.Name() != preferred {
			ordered = append(ordered, p)
		}
	}
	return ordered
}

// GenerateEmbeddings はプロバイダを順に試してEmbeddingを生成します。
// 全プロバイダが失敗した場合のみエラーを返し、呼び出し側に
// フォールバックの分岐を書かせません
func (c *Client) GenerateEmbeddings(ctx context.Context, texts []string, inputType InputType, preferredProvider string) (*Result, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts provided")
	}

	var failures []string
	for _, p := range c.orderedProviders(preferredProvider) {
		if c.requestLimiter != nil && !c.requestLimiter.Allow("embed:"+p.Name()) {
			c.logger.Warn("embedding provider rate limit reached, trying next",
				"provider", p.Name())
			failures = append(failures, fmt.Sprintf("%s: rate limit reached", p.Name()))
			continue
		}

		res, err := p.Embed(ctx, texts, inputType)
		if err != nil {
			c.logger.Warn("embedding provider failed, trying next",
				"provider", p.Name(), "error", err)
			failures = append(failures, fmt.Sprintf("%s: %v", p.Name(), err))
			continue
		}

		if len(res.Embeddings) != len(texts) {
			failures = append(failures, fmt.Sprintf("%s: returned %d embeddings for %d texts", p.Name(), len(res.Embeddings), len(texts)))
			continue
		}

		return &Result{
			Embeddings:  res.Embeddings,
			Model:       p.Model(),
			Provider:    p.Name(),
			TotalTokens: res.TotalTokens,
		}, nil
	}

	return nil, fmt.Errorf("all embedding providers failed: %s", strings.Join(failures, "; "))
}

// EmbedQuery は単一テキストのEmbeddingをキャッシュ付きで生成します。
// 固定テキストのEmbeddingは決定的かつ再生成コストが高いため、長いTTLで保持します
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, string, error) {
	embed := func() (*Result, error) {
		return c.GenerateEmbeddings(ctx, []string{text}, InputTypeQuery, "")
	}

	var res *Result
	var err error
	if c.cache != nil {
		keyText := text
		if len(keyText) > cacheKeyTextLimit {
			keyText = keyText[:cacheKeyTextLimit]
		}
		// キーは構成中の全モデル名を含む。フォールバック側が生成した
		// ベクトルが、別のプロバイダ構成のクライアントへ主モデルの
		// キー経由で混入しないようにするため
		key := cache.Key("embedding", append(c.modelNames(), keyText)...)
		res, err = cache.GetOrCompute(c.cache, key, cache.TTLVeryLong, embed)
	} else {
		res, err = embed()
	}
	if err != nil {
		return nil, "", err
	}
	return res.Embeddings[0], res.Model, nil
}

// BatchEmbeddings は大量のテキストを固定サイズのバッチへ分けて逐次処理します。
// バッチ間はレートリミッタでペーシングします。最初に失敗したバッチで停止し、
// 成功分の部分結果と失敗バッチ番号を報告します（失敗の黙殺はしません）
func (c *Client) BatchEmbeddings(ctx context.Context, texts []string, inputType InputType, preferredProvider string) *BatchResult {
	result := &BatchResult{FailedBatch: -1}
	if len(texts) == 0 {
		return result
	}

	for batchIdx := 0; batchIdx*c.batchSize < len(texts); batchIdx++ {
		start := batchIdx * c.batchSize
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		if batchIdx > 0 {
			if err := c.limiter.Wait(ctx); err != nil {
				result.FailedBatch = batchIdx
				result.Err = fmt.Errorf("batch pacing interrupted: %w", err)
				return result
			}
		}

		res, err := c.GenerateEmbeddings(ctx, texts[start:end], inputType, preferredProvider)
		if err != nil {
			result.FailedBatch = batchIdx
			result.Err = fmt.Errorf("batch %d failed: %w", batchIdx, err)
			return result
		}

		result.Embeddings = append(result.Embeddings, res.Embeddings...)
		result.Model = res.Model
		result.Provider = res.Provider
		result.TotalTokens += res.TotalTokens

		c.logger.Debug("embedded batch",
			"batch", batchIdx,
			"texts", end-start,
			"provider", res.Provider,
			"totalTokens", result.TotalTokens,
		)
	}

	return result
}
