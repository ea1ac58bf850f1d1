package ingestion

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"
)

// StoredSignature はコーパスに保存済みのMinHash署名です
type StoredSignature struct {
	ContentID uuid.UUID
	Signature []uint64
}

// Repository は取り込み関連の全データアクセスを統合するインターフェース
// テスト時のモック用に消費者側で定義
type Repository interface {
	// GetContentByHash は正確ハッシュでコンテンツを検索する
	GetContentByHash(ctx context.Context, hash string) (mo.Option[*ContentRecord], error)


	// ListSignatures は保存済みの全MinHash署名を返す
	// 近似重複スキャンは線形で、コーパスが大きくなった場合の
	// スケーラビリティ上限になる（LSHバケット化が将来の選択肢）
	ListSignatures(ctx context.Context) ([]StoredSignature, error)

	// PersistContent はコンテンツ・署名・チャンクを単一トランザクションで
	// 永続化し、生成されたコンテンツIDを返す
	PersistContent(ctx context.Context, record *ContentRecord, signature []uint64, chunks []*ChunkRecord) (uuid.UUID, error)

	// ListDueSources は再取得期限を迎えたソースを返す
	ListDueSources(ctx context.Context, now time.Time) ([]*Source, error)

	// TouchSource はソースの最終取得時刻を更新する
	TouchSource(ctx context.Context, sourceID uuid.UUID, scrapedAt time.Time) error
}

// ScrapedPage はスクレイピングバックエンドが返す1ページです
type ScrapedPage struct {
	URL      string
	Title    string
	Content  string
	Markdown string
	Metadata map[string]any
}

// Scraper は主スクレイピングバックエンド（単一ページとサイト全体のクロール）
type Scraper interface {
	Scrape(ctx context.Context, url string) (*ScrapedPage, error)
	Crawl(ctx context.Context, rootURL string, maxPages int) ([]*ScrapedPage, error)
}

// Fetcher は単一ページ取得のみを提供するフォールバックバックエンド
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*ScrapedPage, error)
}

// DocumentSource はスクレイピング以外の経路（Gitリポジトリ等）から
// 執筆済みドキュメントを供給するインターフェース
type DocumentSource interface {
	// Name はソース識別子を返す
	Name() string
	// FetchDocuments はソースからページ列を取得する
	FetchDocuments(ctx context.Context) ([]*ScrapedPage, error)
}
