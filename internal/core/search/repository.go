package search

import (
	"context"
)

// Repository は検索ストレージへのアクセスを抽象化する。
// 返却順は各検索方式のスコア降順で、呼び出し側は再ソートしない
type Repository interface {
	// TextSearchChunks はチャンク本文を全文検索する
	TextSearchChunks(ctx context.Context, query string, limit int) ([]*ChunkResult, error)

	// VectorSearchChunks はチャンクEmbeddingの類似度検索を行う。
	// threshold 未満の行は含めない
	VectorSearchChunks(ctx context.Context, vector []float32, threshold float64, limit int) ([]*ChunkResult, error)

	// TextSearchKnowledge はナレッジエントリを全文検索する
	TextSearchKnowledge(ctx context.Context, query string, limit int) ([]*KnowledgeResult, error)

	// VectorSearchKnowledge はナレッジエントリEmbeddingの類似度検索を行う
	VectorSearchKnowledge(ctx context.Context, vector []float32, threshold float64, limit int) ([]*KnowledgeResult, error)
}
