package search

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEmbedder struct {
	calls int
	err   error
}

func (e *stubEmbedder) EmbedQuery(_ context.Context, _ string) ([]float32, string, error) {
	e.calls++
	if e.err != nil {
		return nil, "", e.err
	}
	return []float32{0.1, 0.2, 0.3}, "stub-embed-1", nil
}

type stubRepo struct {
	chunks    []*ChunkResult
	knowledge []*KnowledgeResult

	vectorChunkErr  error
	textChunkErr    error
	vectorKnowErr   error
	textKnowErr     error
	textChunkCalls  int
	vectorChunkArgs struct {
		threshold float64
		limit     int
	}
}

func (r *stubRepo) TextSearchChunks(_ context.Context, _ string, _ int) ([]*ChunkResult, error) {
	r.textChunkCalls++
	if r.textChunkErr != nil {
		return nil, r.textChunkErr
	}
	return r.chunks, nil
}

func (r *stubRepo) VectorSearchChunks(_ context.Context, _ []float32, threshold float64, limit int) ([]*ChunkResult, error) {
	r.vectorChunkArgs.threshold = threshold
	r.vectorChunkArgs.limit = limit
	if r.vectorChunkErr != nil {
		return nil, r.vectorChunkErr
	}
	return r.chunks, nil
}

func (r *stubRepo) TextSearchKnowledge(_ context.Context, _ string, _ int) ([]*KnowledgeResult, error) {
	if r.textKnowErr != nil {
		return nil, r.textKnowErr
	}
	return r.knowledge, nil
}

func (r *stubRepo) VectorSearchKnowledge(_ context.Context, _ []float32, _ float64, _ int) ([]*KnowledgeResult, error) {
	if r.vectorKnowErr != nil {
		return nil, r.vectorKnowErr
	}
	return r.knowledge, nil
}

func chunkResult(title, url, text string, score float64) *ChunkResult {
	return &ChunkResult{
		ChunkID:   uuid.New(),
		ContentID: uuid.New(),
		URL:       url,
		Title:     title,
		Text:      text,
		Score:     score,
	}
}

func TestTextSearchRequiresQuery(t *testing.T) {
	svc := NewService(&stubRepo{}, &stubEmbedder{})

	_, err := svc.TextSearch(context.Background(), "", Options{})
	require.Error(t, err)
}

func TestVectorSearchUsesDefaults(t *testing.T) {
	repo := &stubRepo{chunks: []*ChunkResult{chunkResult("A", "https://a", "text a", 0.9)}}
	embedder := &stubEmbedder{}
	svc := NewService(repo, embedder)

	results, err := svc.VectorSearch(context.Background(), "how do appeals work", Options{})
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, 1, embedder.calls)
	assert.Equal(t, DefaultThreshold, repo.vectorChunkArgs.threshold)
	assert.Equal(t, DefaultLimit, repo.vectorChunkArgs.limit)
	assert.Equal(t, 0, repo.textChunkCalls)
}

func TestVectorSearchFallsBackOnEmbeddingFailure(t *testing.T) {
	repo := &stubRepo{chunks: []*ChunkResult{chunkResult("A", "https://a", "text a", 0.9)}}
	embedder := &stubEmbedder{err: errors.New("provider down")}
	svc := NewService(repo, embedder)

	results, err := svc.VectorSearch(context.Background(), "query", Options{})
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, 1, repo.textChunkCalls)
}

func TestVectorSearchFallsBackOnBackendFailure(t *testing.T) {
	repo := &stubRepo{
		chunks:         []*ChunkResult{chunkResult("A", "https://a", "text a", 0.9)},
		vectorChunkErr: errors.New("index unavailable"),
	}
	svc := NewService(repo, &stubEmbedder{})

	results, err := svc.VectorSearch(context.Background(), "query", Options{})
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, 1, repo.textChunkCalls)
}

func TestVectorSearchWithoutEmbedderUsesTextSearch(t *testing.T) {
	repo := &stubRepo{chunks: []*ChunkResult{chunkResult("A", "https://a", "text a", 0.9)}}
	svc := NewService(repo, nil)

	results, err := svc.VectorSearch(context.Background(), "query", Options{})
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, 1, repo.textChunkCalls)
}

func TestHybridSearchReturnsTwoGroups(t *testing.T) {
	repo := &stubRepo{
		chunks: []*ChunkResult{chunkResult("A", "https://a", "chunk text", 0.9)},
		knowledge: []*KnowledgeResult{
			{ID: uuid.New(), Slug: "moderation", Title: "Moderation", Content: "knowledge text", Score: 0.95},
		},
	}
	svc := NewService(repo, &stubEmbedder{})

	result, err := svc.HybridSearch(context.Background(), "query", Options{})
	require.NoError(t, err)

	assert.Len(t, result.Chunks, 1)
	assert.Len(t, result.Knowledge, 1)
}

func TestHybridSearchEmptyCorpus(t *testing.T) {
	svc := NewService(&stubRepo{}, &stubEmbedder{})

	result, err := svc.HybridSearch(context.Background(), "query", Options{})
	require.NoError(t, err)

	assert.Empty(t, result.Chunks)
	assert.Empty(t, result.Knowledge)
}

func TestBuildRAGContextKnowledgeFirst(t *testing.T) {
	svc := NewService(&stubRepo{}, nil)

	chunks := []*ChunkResult{
		chunkResult("Chunk", "https://a", "scraped chunk body", 0.9),
	}
	knowledge := []*KnowledgeResult{
		{Slug: "k1", Title: "Entry", Content: "curated knowledge body", Score: 0.8},
	}

	out := svc.BuildRAGContext(chunks, knowledge, ContextOptions{MaxTokens: 100})

	knowIdx := strings.Index(out, "curated knowledge body")
	chunkIdx := strings.Index(out, "scraped chunk body")
	require.GreaterOrEqual(t, knowIdx, 0)
	require.GreaterOrEqual(t, chunkIdx, 0)
	assert.Less(t, knowIdx, chunkIdx)
}

func TestBuildRAGContextRespectsBudget(t *testing.T) {
	svc := NewService(&stubRepo{}, nil)

	// 1断片40文字、maxTokens=25 -> 予算100文字なので2断片で打ち切られる
	body := strings.Repeat("x", 40)
	chunks := []*ChunkResult{
		chunkResult("A", "https://a", body, 0.9),
		chunkResult("B", "https://b", body, 0.8),
		chunkResult("C", "https://c", body, 0.7),
	}

	out := svc.BuildRAGContext(chunks, nil, ContextOptions{MaxTokens: 25})

	assert.LessOrEqual(t, len(out), 100)
	assert.Equal(t, 2, strings.Count(out, body))
}

// wordCounter は語数をトークン数として数えるテスト用カウンタ
type wordCounter struct{}

func (wordCounter) Count(text string) int {
	return len(strings.Fields(text))
}

func TestBuildRAGContextWithTokenCounter(t *testing.T) {
	svc := NewService(&stubRepo{}, nil, WithTokenCounter(wordCounter{}))

	// 1断片5語。予算11トークン: 5 + (1+5) = 11 で2断片目まで、
	// 3断片目は区切り込み6トークンで超過する
	body := "one two three four five"
	chunks := []*ChunkResult{
		chunkResult("A", "https://a", body, 0.9),
		chunkResult("B", "https://b", body, 0.8),
		chunkResult("C", "https://c", body, 0.7),
	}

	out := svc.BuildRAGContext(chunks, nil, ContextOptions{MaxTokens: 11})

	assert.Equal(t, 2, strings.Count(out, body))
}

func TestBuildRAGContextIncludeSource(t *testing.T) {
	svc := NewService(&stubRepo{}, nil)

	chunks := []*ChunkResult{chunkResult("Guide", "https://example.com/guide", "body", 0.9)}

	out := svc.BuildRAGContext(chunks, nil, ContextOptions{MaxTokens: 100, IncludeSource: true})

	assert.Contains(t, out, "[Guide](https://example.com/guide)")
}

func TestGetRAGContextDeduplicatesSources(t *testing.T) {
	repo := &stubRepo{
		chunks: []*ChunkResult{
			chunkResult("Guide", "https://example.com/guide", "first chunk", 0.9),
			chunkResult("Guide", "https://example.com/guide", "second chunk", 0.8),
			chunkResult("Other", "https://example.com/other", "third chunk", 0.7),
		},
		knowledge: []*KnowledgeResult{
			{Slug: "moderation", Title: "Moderation", Content: "entry", Score: 0.95},
		},
	}
	svc := NewService(repo, &stubEmbedder{})

	result, err := svc.GetRAGContext(context.Background(), "question", Options{}, ContextOptions{})
	require.NoError(t, err)

	require.Len(t, result.Sources, 3)
	assert.Equal(t, "moderation", result.Sources[0].Slug)
	assert.Equal(t, "https://example.com/guide", result.Sources[1].URL)
	assert.Equal(t, "https://example.com/other", result.Sources[2].URL)
	assert.NotEmpty(t, result.Context)
}
