package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// Database設定
	Database DatabaseConfig

	// Embedding プロバイダ設定
	Voyage VoyageConfig
	OpenAI OpenAIConfig

	// スクレイピング設定
	Scraper ScraperConfig

	// 取り込み設定
	Ingestion IngestionConfig

	// AI API呼び出しのレート制限設定
	RateLimit RateLimitConfig

	// ログ設定
	LogLevel  string
	LogFormat string
}

// DatabaseConfig はデータベース接続設定
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN はpgx用の接続文字列を返します
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// VoyageConfig はVoyage AI API設定（優先Embeddingプロバイダ）
type VoyageConfig struct {
	APIKey    string
	Model     string
	Dimension int
}

// OpenAIConfig はOpenAI API設定（フォールバックEmbeddingプロバイダ）
type OpenAIConfig struct {
	APIKey    string
	Model     string
	Dimension int
}

// ScraperConfig はスクレイピングバックエンド設定
type ScraperConfig struct {
	FirecrawlAPIKey string
	FirecrawlURL    string
	JinaAPIKey      string
	MaxPages        int
}

// IngestionConfig は取り込みパイプライン設定
type IngestionConfig struct {
	// GenerateEmbeddings はチャンクのEmbedding生成を行うかどうか
	GenerateEmbeddings bool
	// ChunkMaxTokens はチャンクの最大トークン数
	ChunkMaxTokens int
	// ChunkOverlapTokens はチャンク間のオーバーラップトークン数
	ChunkOverlapTokens int
	// NearDuplicateThreshold は近似重複とみなすMinHash類似度のしきい値
	NearDuplicateThreshold float64
}

// RateLimitConfig はAI API呼び出しのレート制限設定
type RateLimitConfig struct {
	// RequestsPerMinute はプロバイダごとの1分あたりの呼び出し上限（0で無効）
	RequestsPerMinute int
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "kbrag"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "kbrag"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Voyage: VoyageConfig{
			APIKey:    getEnv("VOYAGE_API_KEY", ""),
			Model:     getEnv("VOYAGE_EMBEDDING_MODEL", "voyage-3"),
			Dimension: getEnvAsInt("VOYAGE_EMBEDDING_DIMENSION", 1024),
		},
		OpenAI: OpenAIConfig{
			APIKey:    getEnv("OPENAI_API_KEY", ""),
			Model:     getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
			// chunks.embedding 列（vector(1024)）と一致させる。
			// 主プロバイダと異なる次元ではフォールバック時の保存が失敗する
			Dimension: getEnvAsInt("OPENAI_EMBEDDING_DIMENSION", 1024),
		},
		Scraper: ScraperConfig{
			FirecrawlAPIKey: getEnv("FIRECRAWL_API_KEY", ""),
			FirecrawlURL:    getEnv("FIRECRAWL_API_URL", "https://api.firecrawl.dev"),
			JinaAPIKey:      getEnv("JINA_API_KEY", ""),
			MaxPages:        getEnvAsInt("SCRAPER_MAX_PAGES", 50),
		},
		Ingestion: IngestionConfig{
			GenerateEmbeddings:     getEnvAsBool("INGESTION_GENERATE_EMBEDDINGS", true),
			ChunkMaxTokens:         getEnvAsInt("CHUNK_MAX_TOKENS", 256),
			ChunkOverlapTokens:     getEnvAsInt("CHUNK_OVERLAP_TOKENS", 50),
			NearDuplicateThreshold: getEnvAsFloat("NEAR_DUPLICATE_THRESHOLD", 0.8),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: getEnvAsInt("AI_REQUESTS_PER_MINUTE", 60),
		},
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	return cfg, nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します
func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvAsBool は環境変数を真偽値として取得します
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
