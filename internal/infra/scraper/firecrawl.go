package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hokora/knowledge-rag/internal/core/ingestion"
)

const (
	defaultFirecrawlURL = "https://api.firecrawl.dev"
	defaultTimeout      = 120 * time.Second
	defaultPollInterval = 2 * time.Second
)

// FirecrawlClient は Firecrawl API を使用する主スクレイピングバックエンド。
// 単一ページ取得とサイトクロールの両方を提供する
type FirecrawlClient struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	pollInterval time.Duration
}

// FirecrawlOption は FirecrawlClient のオプション設定
type FirecrawlOption func(*FirecrawlClient)

// WithFirecrawlURL はAPIエンドポイントを上書きする（セルフホスト用）
func WithFirecrawlURL(baseURL string) FirecrawlOption {
	return func(c *FirecrawlClient) {
		c.baseURL = baseURL
	}
}

// WithFirecrawlHTTPClient はHTTPクライアントを上書きする
func WithFirecrawlHTTPClient(client *http.Client) FirecrawlOption {
	return func(c *FirecrawlClient) {
		c.httpClient = client
	}
}

// WithPollInterval はクロールジョブのポーリング間隔を上書きする
func WithPollInterval(interval time.Duration) FirecrawlOption {
	return func(c *FirecrawlClient) {
		c.pollInterval = interval
	}
}

// NewFirecrawlClient は新しい FirecrawlClient を作成する。APIキー未設定は
// デプロイ設定の誤りなので即座にエラーを返す
func NewFirecrawlClient(apiKey string, opts ...FirecrawlOption) (*FirecrawlClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("firecrawl api key is not configured")
	}

	c := &FirecrawlClient{
		httpClient:   &http.Client{Timeout: defaultTimeout},
		baseURL:      defaultFirecrawlURL,
		apiKey:       apiKey,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type firecrawlDocument struct {
	Markdown string `json:"markdown"`
	HTML     string `json:"html"`
	Metadata struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		SourceURL   string `json:"sourceURL"`
		StatusCode  int    `json:"statusCode"`
	} `json:"metadata"`
}

func (d *firecrawlDocument) toPage(fallbackURL string) *ingestion.ScrapedPage {
	url := d.Metadata.SourceURL
	if url == "" {
		url = fallbackURL
	}
	return &ingestion.ScrapedPage{
		URL:      url,
		Title:    d.Metadata.Title,
		Content:  d.Markdown,
		Markdown: d.Markdown,
		Metadata: map[string]any{
			"description": d.Metadata.Description,
			"statusCode":  d.Metadata.StatusCode,
		},
	}
}

// Scrape は1ページを取得してMarkdownに変換する
func (c *FirecrawlClient) Scrape(ctx context.Context, url string) (*ingestion.ScrapedPage, error) {
	var resp struct {
		Success bool              `json:"success"`
		Error   string            `json:"error"`
		Data    firecrawlDocument `json:"data"`
	}

	body := map[string]any{
		"url":     url,
		"formats": []string{"markdown"},
	}
	if err := c.post(ctx, "/v1/scrape", body, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("firecrawl scrape failed: %s", resp.Error)
	}

	return resp.Data.toPage(url), nil
}

// Crawl はルートURLからリンクをたどってページ列を取得する。
// クロールは非同期ジョブなので、開始後に完了までポーリングする
func (c *FirecrawlClient) Crawl(ctx context.Context, rootURL string, maxPages int) ([]*ingestion.ScrapedPage, error) {
	var started struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
		ID      string `json:"id"`
	}

	body := map[string]any{
		"url":   rootURL,
		"limit": maxPages,
		"scrapeOptions": map[string]any{
			"formats": []string{"markdown"},
		},
	}
	if err := c.post(ctx, "/v1/crawl", body, &started); err != nil {
		return nil, err
	}
	if !started.Success || started.ID == "" {
		return nil, fmt.Errorf("firecrawl crawl failed to start: %s", started.Error)
	}

	return c.waitForCrawl(ctx, started.ID, rootURL)
}

func (c *FirecrawlClient) waitForCrawl(ctx context.Context, jobID, rootURL string) ([]*ingestion.ScrapedPage, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		var status struct {
			Status string              `json:"status"`
			Error  string              `json:"error"`
			Data   []firecrawlDocument `json:"data"`
		}
		if err := c.get(ctx, "/v1/crawl/"+jobID, &status); err != nil {
			return nil, err
		}

		switch status.Status {
		case "completed":
			pages := make([]*ingestion.ScrapedPage, 0, len(status.Data))
			for i := range status.Data {
				pages = append(pages, status.Data[i].toPage(rootURL))
			}
			return pages, nil
		case "failed", "cancelled":
			return nil, fmt.Errorf("firecrawl crawl job %s %s: %s", jobID, status.Status, status.Error)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *FirecrawlClient) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *FirecrawlClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, out)
}

func (c *FirecrawlClient) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call firecrawl api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("firecrawl api returned status %d: %s", resp.StatusCode, string(data))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// インターフェース実装の確認
var _ ingestion.Scraper = (*FirecrawlClient)(nil)
