package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/hokora/knowledge-rag/internal/core/embedding"
)

const (
	// ProviderName はフォールバック設定で参照するプロバイダ識別子
	ProviderName = "openai"
	// DefaultEmbeddingModel はモデル未指定時のデフォルトモデル
	DefaultEmbeddingModel = "text-embedding-3-small"
	// DefaultEmbeddingDimension はデフォルトのベクトル次元。
	// chunks.embedding 列は vector(1024) なので、フォールバックで生成した
	// ベクトルも主プロバイダ（Voyage）と同じ次元に揃える必要がある。
	// text-embedding-3-small は dimensions パラメータでの次元削減に対応している
	DefaultEmbeddingDimension = 1024
)

// Provider は OpenAI API を使用してテキストをベクトルに変換する
type Provider struct {
	client    openai.Client
	model     string
	dimension int
}

type providerOptions struct {
	model     string
	dimension int
}

// ProviderOption は Provider のオプション設定
type ProviderOption func(*providerOptions)

// WithEmbeddingModel はモデル名を上書きする
func WithEmbeddingModel(model string) ProviderOption {
	return func(o *providerOptions) {
		o.model = model
	}
}

// WithEmbeddingDimension はベクトル次元を上書きする
func WithEmbeddingDimension(dimension int) ProviderOption {
	return func(o *providerOptions) {
		o.dimension = dimension
	}
}

// NewProvider は新しい Provider を作成する。APIキー未設定は
// デプロイ設定の誤りなので即座にエラーを返す
func NewProvider(apiKey string, opts ...ProviderOption) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key is not configured")
	}

	options := providerOptions{
		model:     DefaultEmbeddingModel,
		dimension: DefaultEmbeddingDimension,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Provider{
		client: openai.NewClient(
			option.WithAPIKey(apiKey),
		),
		model:     options.model,
		dimension: options.dimension,
	}, nil
}

// Name はプロバイダ識別子を返す
func (p *Provider) Name() string {
	return ProviderName
}

// Model はモデル名を返す
func (p *Provider) Model() string {
	return p.model
}

// Dimension はベクトル次元数を返す
func (p *Provider) Dimension() int {
	return p.dimension
}

// Embed はテキスト列の Embedding を生成する。OpenAI APIは入力種別を
// 区別しないため inputType は無視する
func (p *Provider) Embed(ctx context.Context, texts []string, _ embedding.InputType) (*embedding.ProviderResult, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts provided")
	}

	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(p.model),
	}

	if len(texts) == 1 {
		params.Input = openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String(texts[0]),
		}
	} else {
		params.Input = openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		}
	}

	if p.dimension > 0 {
		params.Dimensions = openai.Int(int64(p.dimension))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}

	embeddings := make([][]float32, 0, len(resp.Data))
	for _, data := range resp.Data {
		vector := make([]float32, len(data.Embedding))
		for i, v := range data.Embedding {
			vector[i] = float32(v)
		}
		embeddings = append(embeddings, vector)
	}

	return &embedding.ProviderResult{
		Embeddings:  embeddings,
		TotalTokens: int(resp.Usage.TotalTokens),
	}, nil
}

// インターフェース実装の確認
var _ embedding.Provider = (*Provider)(nil)
