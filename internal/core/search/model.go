package search

import (
	"github.com/google/uuid"
)

// ChunkResult は取り込み済みチャンクに対する検索結果1件を表す
type ChunkResult struct {
	ChunkID   uuid.UUID `json:"chunkID"`
	ContentID uuid.UUID `json:"contentID"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	Headers   []string  `json:"headers,omitempty"`
	Score     float64   `json:"score"`
}

// KnowledgeResult はキュレーション済みナレッジエントリに対する検索結果1件を表す
type KnowledgeResult struct {
	ID      uuid.UUID `json:"id"`
	Slug    string    `json:"slug"`
	Title   string    `json:"title"`
	Content string    `json:"content"`
	Score   float64   `json:"score"`
}

// HybridResult はチャンク検索とナレッジ検索の結果を2グループのまま保持する。
// グループ内の順序は検索バックエンドの返却順そのままで、再ソートは行わない
type HybridResult struct {
	Chunks    []*ChunkResult     `json:"chunks"`
	Knowledge []*KnowledgeResult `json:"knowledge"`
}

// Options は検索パラメータを表す
type Options struct {
	// Limit は返却件数の上限。0以下ならデフォルト値を使う
	Limit int
	// Threshold はベクトル検索で結果に含める最小類似度。
	// 0以下ならデフォルト値を使う
	Threshold float64
	// KnowledgeLimit はハイブリッド検索でのナレッジエントリ上限
	KnowledgeLimit int
}

// ContextOptions はRAGコンテキスト組み立てのパラメータを表す
type ContextOptions struct {
	// MaxTokens はコンテキストのトークン上限。文字数換算（1トークン≒4文字）
	// で打ち切る
	MaxTokens int
	// IncludeSource は各断片に出典行を付けるかどうか
	IncludeSource bool
}

// SourceRef は引用表示用の出典1件を表す
type SourceRef struct {
	Title string `json:"title"`
	URL   string `json:"url,omitempty"`
	Slug  string `json:"slug,omitempty"`
}

// RAGContext は質問1件に対する検索・コンテキスト組み立ての最終結果を表す
type RAGContext struct {
	Context   string             `json:"context"`
	Sources   []SourceRef        `json:"sources"`
	Chunks    []*ChunkResult     `json:"chunks"`
	Knowledge []*KnowledgeResult `json:"knowledge"`
}
