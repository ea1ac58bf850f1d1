package ingestion

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hokora/knowledge-rag/internal/core/chunk"
	"github.com/hokora/knowledge-rag/internal/core/embedding"
)

type fakeRepo struct {
	mu           sync.Mutex
	byHash       map[string]*ContentRecord
	sigs         []StoredSignature
	chunks       map[uuid.UUID][]*ChunkRecord
	sources      []*Source
	touched      []uuid.UUID
	persistCalls int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		byHash: make(map[string]*ContentRecord),
		chunks: make(map[uuid.UUID][]*ChunkRecord),
	}
}

func (r *fakeRepo) GetContentByHash(_ context.Context, hash string) (mo.Option[*ContentRecord], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if record, ok := r.byHash[hash]; ok {
		return mo.Some(record), nil
	}
	return mo.None[*ContentRecord](), nil
}

func (r *fakeRepo) ListSignatures(_ context.Context) ([]StoredSignature, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StoredSignature(nil), r.sigs...), nil
}

func (r *fakeRepo) PersistContent(_ context.Context, record *ContentRecord, signature []uint64, chunks []*ChunkRecord) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persistCalls++
	record.ID = uuid.New()
	r.byHash[record.ContentHash] = record
	r.sigs = append(r.sigs, StoredSignature{ContentID: record.ID, Signature: signature})
	r.chunks[record.ID] = chunks
	return record.ID, nil
}

func (r *fakeRepo) ListDueSources(_ context.Context, _ time.Time) ([]*Source, error) {
	return r.sources, nil
}

func (r *fakeRepo) TouchSource(_ context.Context, sourceID uuid.UUID, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched = append(r.touched, sourceID)
	return nil
}

type fakeScraper struct {
	pages      map[string]*ScrapedPage
	crawlPages []*ScrapedPage
	scrapeErr  error
	crawlErr   error
}

func (s *fakeScraper) Scrape(_ context.Context, url string) (*ScrapedPage, error) {
	if s.scrapeErr != nil {
		return nil, s.scrapeErr
	}
	page, ok := s.pages[url]
	if !ok {
		return nil, errors.New("page not found")
	}
	return page, nil
}

func (s *fakeScraper) Crawl(_ context.Context, _ string, maxPages int) ([]*ScrapedPage, error) {
	if s.crawlErr != nil {
		return nil, s.crawlErr
	}
	if len(s.crawlPages) > maxPages {
		return s.crawlPages[:maxPages], nil
	}
	return s.crawlPages, nil
}

type fakeFetcher struct {
	page *ScrapedPage
	err  error
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string) (*ScrapedPage, error) {
	return f.page, f.err
}

type fakeEmbedder struct {
	calls   int
	failAll bool
	// partial が正なら先頭 partial 件だけ成功させる
	partial int
}

func (e *fakeEmbedder) BatchEmbeddings(_ context.Context, texts []string, _ embedding.InputType, _ string) *embedding.BatchResult {
	e.calls++
	if e.failAll {
		return &embedding.BatchResult{FailedBatch: 0, Err: errors.New("embedding backend down")}
	}
	n := len(texts)
	failedBatch := -1
	var err error
	if e.partial > 0 && e.partial < n {
		n = e.partial
		failedBatch = 1
		err = errors.New("embedding backend down")
	}
	vecs := make([][]float32, n)
	for i := range vecs {
		vecs[i] = []float32{0.1, 0.2, 0.3}
	}
	return &embedding.BatchResult{
		Embeddings:  vecs,
		Model:       "fake-embed-1",
		Provider:    "fake",
		FailedBatch: failedBatch,
		Err:         err,
	}
}

const articleBody = `# Community moderation guide

Volunteers review reported posts every morning and apply the published
guidelines consistently. Escalations go to the stewardship council when
a report involves harassment, doxxing, or repeated boundary testing by
the same account. Appeals stay open for fourteen days and every decision
is logged with a short rationale that other moderators can search later.
New moderators shadow an experienced reviewer for their first month
before they gain the ability to remove content on their own.`

func newTestService(repo *fakeRepo, scraper *fakeScraper, opts ...ServiceOption) *Service {
	chunker := chunk.NewChunker(chunk.WithMaxTokens(64), chunk.WithOverlapTokens(0))
	return NewService(repo, scraper, chunker, opts...)
}

func TestScrapeURLIngestsNewContent(t *testing.T) {
	repo := newFakeRepo()
	scraper := &fakeScraper{pages: map[string]*ScrapedPage{
		"https://example.com/guide": {
			URL:      "https://example.com/guide",
			Title:    "Moderation guide",
			Markdown: articleBody,
		},
	}}
	embedder := &fakeEmbedder{}
	svc := newTestService(repo, scraper, WithEmbedder(embedder))

	result, err := svc.ScrapeURL(context.Background(), "https://example.com/guide")
	require.NoError(t, err)

	assert.False(t, result.IsDuplicate)
	assert.False(t, result.IsNearDuplicate)
	assert.NotEqual(t, uuid.Nil, result.ContentID)
	assert.Greater(t, result.ChunksCreated, 0)
	assert.Empty(t, result.EmbeddingError)

	chunks := repo.chunks[result.ContentID]
	require.Len(t, chunks, result.ChunksCreated)
	for _, ch := range chunks {
		assert.NotEmpty(t, ch.ChunkHash)
		assert.Equal(t, "fake-embed-1", ch.EmbeddingModel)
		assert.Len(t, ch.Embedding, 3)
	}
	assert.Equal(t, 1, embedder.calls)
}

func TestScrapeURLExactDuplicateSkipsChunking(t *testing.T) {
	repo := newFakeRepo()
	scraper := &fakeScraper{pages: map[string]*ScrapedPage{
		"https://example.com/guide": {
			URL:      "https://example.com/guide",
			Markdown: articleBody,
		},
	}}
	svc := newTestService(repo, scraper)

	first, err := svc.ScrapeURL(context.Background(), "https://example.com/guide")
	require.NoError(t, err)
	require.False(t, first.IsDuplicate)

	second, err := svc.ScrapeURL(context.Background(), "https://example.com/guide")
	require.NoError(t, err)

	assert.True(t, second.IsDuplicate)
	assert.Equal(t, 0, second.ChunksCreated)
	assert.Equal(t, first.ContentID, second.ContentID)
	assert.Equal(t, 1, repo.persistCalls)
}

func TestScrapeURLNearDuplicateStoresWithoutChunks(t *testing.T) {
	repo := newFakeRepo()
	// 1語だけ違う本文は正確一致にはならないが近似重複として検出される
	variant := strings.Replace(articleBody, "fourteen days", "thirty days", 1)
	scraper := &fakeScraper{pages: map[string]*ScrapedPage{
		"https://example.com/guide":        {URL: "https://example.com/guide", Markdown: articleBody},
		"https://example.com/guide-mirror": {URL: "https://example.com/guide-mirror", Markdown: variant},
	}}
	svc := newTestService(repo, scraper)

	_, err := svc.ScrapeURL(context.Background(), "https://example.com/guide")
	require.NoError(t, err)

	result, err := svc.ScrapeURL(context.Background(), "https://example.com/guide-mirror")
	require.NoError(t, err)

	assert.False(t, result.IsDuplicate)
	assert.True(t, result.IsNearDuplicate)
	assert.GreaterOrEqual(t, result.Similarity, 0.8)
	assert.Equal(t, 0, result.ChunksCreated)
	assert.Empty(t, repo.chunks[result.ContentID])
	// 近似重複もレコードと署名は残す
	assert.Equal(t, 2, repo.persistCalls)
}

func TestScrapeURLFallsBackToFetcher(t *testing.T) {
	repo := newFakeRepo()
	scraper := &fakeScraper{scrapeErr: errors.New("scrape backend down")}
	fetcher := &fakeFetcher{page: &ScrapedPage{
		URL:     "https://example.com/guide",
		Content: articleBody,
	}}
	svc := newTestService(repo, scraper, WithFetcher(fetcher))

	result, err := svc.ScrapeURL(context.Background(), "https://example.com/guide")
	require.NoError(t, err)
	assert.Greater(t, result.ChunksCreated, 0)
}

func TestScrapeURLNoFallbackReturnsError(t *testing.T) {
	repo := newFakeRepo()
	scraper := &fakeScraper{scrapeErr: errors.New("scrape backend down")}
	svc := newTestService(repo, scraper)

	_, err := svc.ScrapeURL(context.Background(), "https://example.com/guide")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scrape")
}

func TestIngestPagePartialEmbeddingFailure(t *testing.T) {
	repo := newFakeRepo()
	scraper := &fakeScraper{}
	embedder := &fakeEmbedder{partial: 1}
	chunker := chunk.NewChunker(chunk.WithMaxTokens(30), chunk.WithOverlapTokens(0))
	svc := NewService(repo, scraper, chunker, WithEmbedder(embedder))

	result, err := svc.IngestPage(context.Background(), &ScrapedPage{
		URL:      "https://example.com/guide",
		Markdown: articleBody,
	})
	require.NoError(t, err)

	require.Greater(t, result.ChunksCreated, 1)
	assert.NotEmpty(t, result.EmbeddingError)

	// 成功した先頭分だけEmbeddingが付き、残りはEmbedding無しで保存される
	chunks := repo.chunks[result.ContentID]
	require.Len(t, chunks, result.ChunksCreated)
	assert.Len(t, chunks[0].Embedding, 3)
	for _, ch := range chunks[1:] {
		assert.Nil(t, ch.Embedding)
	}
}

func TestIngestPageEmbeddingsDisabled(t *testing.T) {
	repo := newFakeRepo()
	embedder := &fakeEmbedder{}
	cfg := DefaultConfig()
	cfg.GenerateEmbeddings = false
	svc := newTestService(repo, &fakeScraper{}, WithEmbedder(embedder), WithConfig(cfg))

	result, err := svc.IngestPage(context.Background(), &ScrapedPage{
		URL:      "https://example.com/guide",
		Markdown: articleBody,
	})
	require.NoError(t, err)
	assert.Greater(t, result.ChunksCreated, 0)
	assert.Equal(t, 0, embedder.calls)
	for _, ch := range repo.chunks[result.ContentID] {
		assert.Nil(t, ch.Embedding)
	}
}

func TestCrawlSiteCompletesJobWithStats(t *testing.T) {
	repo := newFakeRepo()
	scraper := &fakeScraper{crawlPages: []*ScrapedPage{
		{URL: "https://example.com/a", Markdown: articleBody},
		{URL: "https://example.com/b", Markdown: articleBody}, // 正確重複
		{URL: "https://example.com/c", Markdown: "# Another page\n\nCompletely different text about gardening schedules."},
	}}
	svc := newTestService(repo, scraper)

	job := svc.CrawlSite(context.Background(), "https://example.com")

	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Equal(t, 3, job.Stats.PagesScraped)
	assert.Equal(t, 1, job.Stats.DuplicatesFound)
	assert.Greater(t, job.Stats.ChunksCreated, 0)
	assert.Empty(t, job.Stats.Errors)
	require.NotNil(t, job.FinishedAt)
}

func TestCrawlSiteBackendFailureFailsJob(t *testing.T) {
	repo := newFakeRepo()
	scraper := &fakeScraper{crawlErr: errors.New("crawl backend down")}
	svc := newTestService(repo, scraper)

	job := svc.CrawlSite(context.Background(), "https://example.com")

	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "crawl failed")
	assert.Equal(t, 0, job.Stats.PagesScraped)
}

func TestCrawlSiteRespectsMaxPages(t *testing.T) {
	repo := newFakeRepo()
	bodies := []string{
		"# Garden calendar\n\nPlant the tomatoes after the last frost date and water them twice a week.",
		"# Meeting notes\n\nThe budget committee approved three grants for the neighborhood library program.",
		"# Recipe archive\n\nKnead the dough for ten minutes and let it rest under a damp cloth overnight.",
		"# Trail report\n\nThe north loop reopened after the storm, though two footbridges still need repairs.",
		"# Event recap\n\nOver forty volunteers sorted donations at the winter coat drive last Saturday.",
	}
	pages := make([]*ScrapedPage, len(bodies))
	for i, body := range bodies {
		pages[i] = &ScrapedPage{
			URL:      "https://example.com/" + string(rune('a'+i)),
			Markdown: body,
		}
	}
	scraper := &fakeScraper{crawlPages: pages}
	cfg := DefaultConfig()
	cfg.MaxPages = 2
	svc := newTestService(repo, scraper, WithConfig(cfg))

	job := svc.CrawlSite(context.Background(), "https://example.com")

	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.Stats.PagesScraped)
}

func TestIngestSourceRunsDocumentSource(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeScraper{})

	source := &fakeDocumentSource{pages: []*ScrapedPage{
		{URL: "repo://docs/readme.md", Markdown: articleBody},
	}}
	job := svc.IngestSource(context.Background(), source)

	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Equal(t, 1, job.Stats.PagesScraped)
	assert.Greater(t, job.Stats.ChunksCreated, 0)
}

type fakeDocumentSource struct {
	pages []*ScrapedPage
	err   error
}

func (s *fakeDocumentSource) Name() string { return "fake-source" }

func (s *fakeDocumentSource) FetchDocuments(_ context.Context) ([]*ScrapedPage, error) {
	return s.pages, s.err
}

func TestRunScheduledProcessesDueSources(t *testing.T) {
	repo := newFakeRepo()
	sourceID := uuid.New()
	repo.sources = []*Source{{
		ID:              sourceID,
		URL:             "https://example.com/guide",
		ScrapeFrequency: time.Hour,
	}}
	scraper := &fakeScraper{pages: map[string]*ScrapedPage{
		"https://example.com/guide": {URL: "https://example.com/guide", Markdown: articleBody},
	}}
	svc := newTestService(repo, scraper)

	jobs, err := svc.RunScheduled(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	assert.Equal(t, JobStatusCompleted, jobs[0].Status)
	assert.Equal(t, 1, jobs[0].Stats.PagesScraped)
	assert.Equal(t, []uuid.UUID{sourceID}, repo.touched)
}

func TestRunScheduledFailedSourceDoesNotTouch(t *testing.T) {
	repo := newFakeRepo()
	repo.sources = []*Source{{ID: uuid.New(), URL: "https://example.com/missing"}}
	scraper := &fakeScraper{pages: map[string]*ScrapedPage{}}
	svc := newTestService(repo, scraper)

	jobs, err := svc.RunScheduled(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	assert.Equal(t, JobStatusFailed, jobs[0].Status)
	assert.Empty(t, repo.touched)
}
