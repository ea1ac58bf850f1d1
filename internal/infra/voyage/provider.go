package voyage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hokora/knowledge-rag/internal/core/embedding"
)

const (
	// ProviderName はフォールバック設定で参照するプロバイダ識別子
	ProviderName = "voyage"
	// DefaultModel はモデル未指定時のデフォルトモデル
	DefaultModel = "voyage-3"
	// DefaultDimension は voyage-3 系モデルのベクトル次元
	DefaultDimension = 1024

	defaultBaseURL = "https://api.voyageai.com/v1"
	defaultTimeout = 60 * time.Second
)

// Provider は Voyage AI API を使用してテキストをベクトルに変換する
type Provider struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	dimension  int
}

// ProviderOption は Provider のオプション設定
type ProviderOption func(*Provider)

// WithModel はモデル名を上書きする
func WithModel(model string) ProviderOption {
	return func(p *Provider) {
		p.model = model
	}
}

// WithDimension はベクトル次元を上書きする
func WithDimension(dimension int) ProviderOption {
	return func(p *Provider) {
		p.dimension = dimension
	}
}

// WithBaseURL はAPIエンドポイントを上書きする（テスト用）
func WithBaseURL(baseURL string) ProviderOption {
	return func(p *Provider) {
		p.baseURL = baseURL
	}
}

// WithHTTPClient はHTTPクライアントを上書きする
func WithHTTPClient(client *http.Client) ProviderOption {
	return func(p *Provider) {
		p.httpClient = client
	}
}

// NewProvider は新しい Provider を作成する。APIキー未設定は
// デプロイ設定の誤りなので即座にエラーを返す
func NewProvider(apiKey string, opts ...ProviderOption) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("voyage api key is not configured")
	}

	p := &Provider{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		model:      DefaultModel,
		dimension:  DefaultDimension,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
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

type embedRequest struct {
	Input     []string `json:"input"`
	Model     string   `json:"model"`
	InputType string   `json:"input_type,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Embed はテキスト列の Embedding を生成する。Voyage APIは文書とクエリで
// 異なる前処理を行うため inputType をそのまま渡す
func (p *Provider) Embed(ctx context.Context, texts []string, inputType embedding.InputType) (*embedding.ProviderResult, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts provided")
	}

	body, err := json.Marshal(embedRequest{
		Input:     texts,
		Model:     p.model,
		InputType: string(inputType),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call voyage api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("voyage api returned status %d: %s", resp.StatusCode, string(data))
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("voyage api returned %d embeddings for %d inputs", len(parsed.Data), len(texts))
	}

	// APIはindex順を保証しないためindexで並べ直す
	embeddings := make([][]float32, len(parsed.Data))
	for _, item := range parsed.Data {
		if item.Index < 0 || item.Index >= len(embeddings) {
			return nil, fmt.Errorf("voyage api returned out-of-range index %d", item.Index)
		}
		embeddings[item.Index] = item.Embedding
	}

	return &embedding.ProviderResult{
		Embeddings:  embeddings,
		TotalTokens: parsed.Usage.TotalTokens,
	}, nil
}

// インターフェース実装の確認
var _ embedding.Provider = (*Provider)(nil)
