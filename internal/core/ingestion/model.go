package ingestion

import (
	"time"

	"github.com/google/uuid"
)

// ContentRecord は取得または執筆された1ドキュメントです
type ContentRecord struct {
	ID          uuid.UUID
	URL         string
	Title       string
	Content     string
	Markdown    string
	ContentHash string
	SourceType  string // "scrape", "git" 等
	Metadata    map[string]any
	CreatedAt   time.Time
}

// ChunkRecord は永続化されるチャンクです。ChunkHash はコンテンツハッシュ・
// チャンク番号・テキストから導出され、将来のチャンク単位の正確重複排除に使えます
type ChunkRecord struct {
	ID             uuid.UUID
	ContentID      uuid.UUID
	Index          int
	Text           string
	ChunkHash      string
	TokenCount     int
	Headers        []string
	HasCodeBlock   bool
	HasList        bool
	Embedding      []float32
	EmbeddingModel string
}

// Source は定期再取得の対象となる登録済みソースです
type Source struct {
	ID              uuid.UUID
	URL             string
	Title           string
	ScrapeFrequency time.Duration
	LastScrapedAt   *time.Time
}

// JobStatus はジョブの状態
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// JobStats はジョブ単位の統計
type JobStats struct {
	PagesScraped    int
	ChunksCreated   int
	DuplicatesFound int
	Errors          []string
}

// Job は1回の取り込み実行を表します。
// pending -> running -> {completed|failed} と遷移し、終端状態から
// running へ戻ることはありません
type Job struct {
	ID         uuid.UUID
	TargetURL  string
	Status     JobStatus
	Stats      JobStats
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// NewJob は新しいpendingジョブを作成します
func NewJob(targetURL string) *Job {
	return &Job{
		ID:        uuid.New(),
		TargetURL: targetURL,
		Status:    JobStatusPending,
	}
}

// start はジョブをrunningへ遷移させます
func (j *Job) start() {
	if j.Status == JobStatusPending {
		j.Status = JobStatusRunning
		j.StartedAt = time.Now()
	}
}

// complete はジョブを完了させます。終端状態からは遷移しません
func (j *Job) complete() {
	if j.Status == JobStatusRunning {
		j.Status = JobStatusCompleted
		now := time.Now()
		j.FinishedAt = &now
	}
}

// fail はジョブを失敗で終端させます
func (j *Job) fail(reason string) {
	if j.Status == JobStatusRunning || j.Status == JobStatusPending {
		j.Status = JobStatusFailed
		j.Error = reason
		now := time.Now()
		j.FinishedAt = &now
	}
}

// ScrapeResult は1URLの取り込み結果です
type ScrapeResult struct {
	ContentID       uuid.UUID
	URL             string
	IsDuplicate     bool
	IsNearDuplicate bool
	Similarity      float64
	ChunksCreated   int
	EmbeddingError  string
}
