package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hokora/knowledge-rag/internal/core/ingestion"
)

const defaultJinaURL = "https://r.jina.ai"

// JinaFetcher は Jina Reader API を使用するフォールバックの単一ページ取得
// バックエンド。クロールは提供しない
type JinaFetcher struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// JinaOption は JinaFetcher のオプション設定
type JinaOption func(*JinaFetcher)

// WithJinaURL はAPIエンドポイントを上書きする（テスト用）
func WithJinaURL(baseURL string) JinaOption {
	return func(f *JinaFetcher) {
		f.baseURL = baseURL
	}
}

// WithJinaHTTPClient はHTTPクライアントを上書きする
func WithJinaHTTPClient(client *http.Client) JinaOption {
	return func(f *JinaFetcher) {
		f.httpClient = client
	}
}

// NewJinaFetcher は新しい JinaFetcher を作成する。
// APIキーは任意（無しでもレート制限付きで動作する）
func NewJinaFetcher(apiKey string, opts ...JinaOption) *JinaFetcher {
	f := &JinaFetcher{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    defaultJinaURL,
		apiKey:     apiKey,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch は1ページを取得してMarkdown相当のテキストに変換する
func (f *JinaFetcher) Fetch(ctx context.Context, url string) (*ingestion.ScrapedPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/"+url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call jina reader: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("jina reader returned status %d: %s", resp.StatusCode, string(data))
	}

	var parsed struct {
		Code int `json:"code"`
		Data struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	pageURL := parsed.Data.URL
	if pageURL == "" {
		pageURL = url
	}

	return &ingestion.ScrapedPage{
		URL:      pageURL,
		Title:    parsed.Data.Title,
		Content:  parsed.Data.Content,
		Markdown: parsed.Data.Content,
	}, nil
}

// インターフェース実装の確認
var _ ingestion.Fetcher = (*JinaFetcher)(nil)
