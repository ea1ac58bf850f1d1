package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/hokora/knowledge-rag/internal/core/chunk"
	"github.com/hokora/knowledge-rag/internal/core/embedding"
	"github.com/hokora/knowledge-rag/internal/core/ingestion"
	"github.com/hokora/knowledge-rag/internal/core/search"
	"github.com/hokora/knowledge-rag/internal/infra/openai"
	"github.com/hokora/knowledge-rag/internal/infra/postgres"
	"github.com/hokora/knowledge-rag/internal/infra/scraper"
	"github.com/hokora/knowledge-rag/internal/infra/voyage"
	"github.com/hokora/knowledge-rag/internal/platform/cache"
	"github.com/hokora/knowledge-rag/internal/platform/config"
	"github.com/hokora/knowledge-rag/internal/platform/database"
	"github.com/hokora/knowledge-rag/internal/platform/logger"
)

// AppContext はコマンド実行に必要な共通コンテキストを保持する
type AppContext struct {
	Config     *config.Config
	Pool       *pgxpool.Pool
	Logger     *slog.Logger
	Cache      *cache.Cache
	Repository *postgres.Repository
	SearchRepo *postgres.SearchRepository
	Embeddings *embedding.Client // プロバイダ未設定の場合は nil
	Ingestion  *ingestion.Service
	Search     *search.Service

	cancelJanitor context.CancelFunc
}

// NewAppContext は設定を読み込み、DBに接続して AppContext を作成する
func NewAppContext(ctx context.Context, envFile string) (*AppContext, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	appLogger := logger.New(logger.Config{
		Level:  logger.ParseLevel(cfg.LogLevel),
		Format: cfg.LogFormat,
	})

	pool, err := database.NewPool(ctx, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	appCache := cache.New(cache.WithLogger(appLogger))
	janitorCtx, cancelJanitor := context.WithCancel(ctx)
	appCache.StartJanitor(janitorCtx, 10*time.Minute)

	embeddings, err := buildEmbeddingClient(cfg, appCache, appLogger)
	if err != nil {
		cancelJanitor()
		pool.Close()
		return nil, err
	}

	repo := postgres.NewRepository(pool)
	searchRepo := postgres.NewSearchRepository(pool)

	chunker := chunk.NewChunker(
		chunk.WithMaxTokens(cfg.Ingestion.ChunkMaxTokens),
		chunk.WithOverlapTokens(cfg.Ingestion.ChunkOverlapTokens),
	)

	ingestOpts := []ingestion.ServiceOption{
		ingestion.WithLogger(appLogger),
		ingestion.WithConfig(ingestion.Config{
			GenerateEmbeddings:     cfg.Ingestion.GenerateEmbeddings,
			NearDuplicateThreshold: cfg.Ingestion.NearDuplicateThreshold,
			MaxPages:               cfg.Scraper.MaxPages,
		}),
	}
	if embeddings != nil {
		ingestOpts = append(ingestOpts, ingestion.WithEmbedder(embeddings))
	}
	if cfg.Scraper.JinaAPIKey != "" {
		ingestOpts = append(ingestOpts, ingestion.WithFetcher(scraper.NewJinaFetcher(cfg.Scraper.JinaAPIKey)))
	}

	var pageScraper ingestion.Scraper
	if cfg.Scraper.FirecrawlAPIKey != "" {
		firecrawlOpts := []scraper.FirecrawlOption{}
		if cfg.Scraper.FirecrawlURL != "" {
			firecrawlOpts = append(firecrawlOpts, scraper.WithFirecrawlURL(cfg.Scraper.FirecrawlURL))
		}
		pageScraper, err = scraper.NewFirecrawlClient(cfg.Scraper.FirecrawlAPIKey, firecrawlOpts...)
		if err != nil {
			cancelJanitor()
			pool.Close()
			return nil, err
		}
	} else {
		// 主バックエンド未設定でもJinaフォールバックだけで単一ページ取得は動く
		pageScraper = unavailableScraper{}
	}

	ingestService := ingestion.NewService(repo, pageScraper, chunker, ingestOpts...)

	var searchEmbedder search.Embedder
	if embeddings != nil {
		searchEmbedder = embeddings
	}
	searchOpts := []search.ServiceOption{search.WithLogger(appLogger)}
	if counter, err := chunk.NewTiktokenCounter(); err == nil {
		searchOpts = append(searchOpts, search.WithTokenCounter(counter))
	} else {
		// エンコーダ未取得時は文字数換算の概算で動作する
		appLogger.Warn("tiktoken encoder unavailable, using heuristic token counting", "error", err)
	}
	searchService := search.NewService(searchRepo, searchEmbedder, searchOpts...)

	return &AppContext{
		Config:        cfg,
		Pool:          pool,
		Logger:        appLogger,
		Cache:         appCache,
		Repository:    repo,
		SearchRepo:    searchRepo,
		Embeddings:    embeddings,
		Ingestion:     ingestService,
		Search:        searchService,
		cancelJanitor: cancelJanitor,
	}, nil
}

// buildEmbeddingClient は設定済みプロバイダを優先順に並べたクライアントを作る。
// Voyageを主、OpenAIをフォールバックとし、どちらも無ければ nil を返す
func buildEmbeddingClient(cfg *config.Config, appCache *cache.Cache, appLogger *slog.Logger) (*embedding.Client, error) {
	var providers []embedding.Provider

	if cfg.Voyage.APIKey != "" {
		opts := []voyage.ProviderOption{}
		if cfg.Voyage.Model != "" {
			opts = append(opts, voyage.WithModel(cfg.Voyage.Model))
		}
		if cfg.Voyage.Dimension > 0 {
			opts = append(opts, voyage.WithDimension(cfg.Voyage.Dimension))
		}
		provider, err := voyage.NewProvider(cfg.Voyage.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		providers = append(providers, provider)
	}

	if cfg.OpenAI.APIKey != "" {
		opts := []openai.ProviderOption{}
		if cfg.OpenAI.Model != "" {
			opts = append(opts, openai.WithEmbeddingModel(cfg.OpenAI.Model))
		}
		if cfg.OpenAI.Dimension > 0 {
			opts = append(opts, openai.WithEmbeddingDimension(cfg.OpenAI.Dimension))
		}
		provider, err := openai.NewProvider(cfg.OpenAI.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		providers = append(providers, provider)
	}

	if len(providers) == 0 {
		appLogger.Warn("no embedding provider configured, vector features are disabled")
		return nil, nil
	}

	clientOpts := []embedding.ClientOption{
		embedding.WithCache(appCache),
		embedding.WithBatchRate(rate.Every(time.Second), 1),
		embedding.WithLogger(appLogger),
	}
	if cfg.RateLimit.RequestsPerMinute > 0 {
		clientOpts = append(clientOpts, embedding.WithRequestLimiter(
			cache.NewSlidingWindowLimiter(cfg.RateLimit.RequestsPerMinute, time.Minute),
		))
	}

	return embedding.NewClient(providers, clientOpts...)
}

// Close はAppContextが保持するリソースをクリーンアップする
func (ac *AppContext) Close() {
	if ac.cancelJanitor != nil {
		ac.cancelJanitor()
	}
	if ac.Pool != nil {
		ac.Pool.Close()
	}
}

// unavailableScraper は主スクレイピングバックエンド未設定時のプレースホルダ
type unavailableScraper struct{}

func (unavailableScraper) Scrape(context.Context, string) (*ingestion.ScrapedPage, error) {
	return nil, fmt.Errorf("firecrawl api key is not configured")
}

func (unavailableScraper) Crawl(context.Context, string, int) ([]*ingestion.ScrapedPage, error) {
	return nil, fmt.Errorf("firecrawl api key is not configured")
}
