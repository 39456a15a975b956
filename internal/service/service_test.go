package service

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/junhma/Manatan/internal/cachekey"
	"github.com/junhma/Manatan/internal/ocr"
	"github.com/junhma/Manatan/internal/store"
	"github.com/junhma/Manatan/internal/upstream"
)

type scriptedEngine struct {
	calls atomic.Int32
	gate  chan struct{}
	lines []ocr.RawLine
}

func (e *scriptedEngine) Recognize(ctx context.Context, _ []byte, _ string) ([]ocr.Paragraph, error) {
	e.calls.Add(1)
	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	lines := e.lines
	if lines == nil {
		lines = []ocr.RawLine{{
			Text:     "ほん",
			Geometry: &ocr.Geometry{CenterX: 0.5, CenterY: 0.5, Width: 0.2, Height: 0.1},
		}}
	}
	return []ocr.Paragraph{{Lines: lines}}, nil
}

func tinyPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 10, 10))))
	return buf.Bytes()
}

// newFixture wires a Service onto a temp-dir store, a scripted engine,
// and a page server that 404s any path containing "missing".
func newFixture(t *testing.T, engine ocr.Engine) (*Service, *store.Store, *httptest.Server) {
	t.Helper()
	pngBytes := tinyPNG(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bytes.Contains([]byte(r.URL.Path), []byte("missing")) {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(pngBytes)
	}))
	t.Cleanup(srv.Close)

	st, err := store.Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	pipeline := ocr.NewPipeline(engine)
	up := upstream.NewClient(srv.URL, zerolog.Nop())
	return New(st, pipeline, up, zerolog.Nop()), st, srv
}

func TestService_RecognizePage_MissThenHit(t *testing.T) {
	engine := &scriptedEngine{}
	svc, _, srv := newFixture(t, engine)
	ctx := context.Background()

	q := PageQuery{URL: srv.URL + "/page/0", Context: "ch1 p0"}
	first, err := svc.RecognizePage(ctx, q)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "ほん", first[0].Text)

	second, err := svc.RecognizePage(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), engine.calls.Load(), "hit must not re-recognize")

	health := svc.Health(ctx)
	assert.EqualValues(t, 1, health.ItemsInCache)
	assert.EqualValues(t, 2, health.RequestsProcessed)
}

func TestService_RecognizePage_PromotesSourceIDVariant(t *testing.T) {
	engine := &scriptedEngine{}
	svc, st, srv := newFixture(t, engine)
	ctx := context.Background()

	pageURL := srv.URL + "/page/3"
	normalized := cachekey.ForURL(pageURL, "ja")
	legacy := normalized + "?sourceId=42"
	seeded := store.Entry{Context: "old", Data: []ocr.Line{{Text: "既存"}}}
	require.NoError(t, st.Put(ctx, legacy, seeded))

	lines, err := svc.RecognizePage(ctx, PageQuery{URL: pageURL})
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "既存", lines[0].Text)
	assert.Zero(t, engine.calls.Load())

	promoted, err := st.Get(ctx, normalized)
	require.NoError(t, err)
	require.NotNil(t, promoted)
	assert.Equal(t, seeded.Data, promoted.Data)
}

func TestService_RecognizePage_RecordsMembership(t *testing.T) {
	engine := &scriptedEngine{}
	svc, st, srv := newFixture(t, engine)
	ctx := context.Background()

	baseURL := srv.URL + "/api/v1/manga/7/chapter/3"
	_, err := svc.RecognizePage(ctx, PageQuery{URL: srv.URL + "/page/0", BaseURL: baseURL})
	require.NoError(t, err)

	chapterKey := cachekey.ForURL(baseURL, "ja")
	count, err := st.CountChapterMembers(ctx, chapterKey)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestService_ChapterStatus_EmptyPageListIsIdle(t *testing.T) {
	svc, _, srv := newFixture(t, &scriptedEngine{})

	status := svc.ChapterStatus(context.Background(), StatusQuery{
		BaseURL: srv.URL + "/chapter/1",
		Pages:   []string{},
	})
	assert.Equal(t, Status{State: StateIdle}, status)
}

func TestService_ChapterStatus_PageListBackfillsMembership(t *testing.T) {
	svc, st, srv := newFixture(t, &scriptedEngine{})
	ctx := context.Background()

	pages := []string{srv.URL + "/p/0", srv.URL + "/p/1", srv.URL + "/p/2"}
	for _, page := range pages[:2] {
		require.NoError(t, st.Put(ctx, cachekey.ForURL(page, "ja"), store.Entry{}))
	}

	baseURL := srv.URL + "/chapter/9"
	status := svc.ChapterStatus(ctx, StatusQuery{BaseURL: baseURL, Pages: pages})
	assert.Equal(t, StateIdle, status.State)
	assert.Equal(t, 2, status.CachedCount)
	assert.Equal(t, 3, status.TotalExpected)

	chapterKey := cachekey.ForURL(baseURL, "ja")
	count, err := st.CountChapterMembers(ctx, chapterKey)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	progress, err := st.ChapterProgress(ctx, chapterKey)
	require.NoError(t, err)
	require.NotNil(t, progress)
	assert.Equal(t, 3, progress.PageCount)
}

func TestService_ChapterStatus_AllPagesCachedIsProcessed(t *testing.T) {
	svc, st, srv := newFixture(t, &scriptedEngine{})
	ctx := context.Background()

	pages := []string{srv.URL + "/p/0", srv.URL + "/p/1"}
	for _, page := range pages {
		require.NoError(t, st.Put(ctx, cachekey.ForURL(page, "ja"), store.Entry{}))
	}

	status := svc.ChapterStatus(ctx, StatusQuery{BaseURL: srv.URL + "/chapter/9", Pages: pages})
	assert.Equal(t, StateProcessed, status.State)
	assert.Equal(t, 2, status.CachedCount)
	assert.Equal(t, 2, status.TotalExpected)
}

func TestService_ChapterStatus_CountsSourceIDVariants(t *testing.T) {
	svc, st, srv := newFixture(t, &scriptedEngine{})
	ctx := context.Background()

	page := srv.URL + "/p/0"
	require.NoError(t, st.Put(ctx, cachekey.ForURL(page, "ja")+"&sourceId=11", store.Entry{}))

	status := svc.ChapterStatus(ctx, StatusQuery{BaseURL: srv.URL + "/chapter/2", Pages: []string{page}})
	assert.Equal(t, StateProcessed, status.State)
	assert.Equal(t, 1, status.CachedCount)
}

func TestService_ChapterStatus_ResolvesTotalFromUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/manga/7/chapter/3/pages" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"pages": ["0", "1", "2", "3"]}`))
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	st, err := store.Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	svc := New(st, ocr.NewPipeline(&scriptedEngine{}), upstream.NewClient(srv.URL, zerolog.Nop()), zerolog.Nop())
	ctx := context.Background()

	baseURL := srv.URL + "/api/v1/manga/7/chapter/3"
	chapterKey := cachekey.ForURL(baseURL, "ja")
	pageKey := cachekey.ForURL(srv.URL+"/p/0", "ja")
	require.NoError(t, st.Put(ctx, pageKey, store.Entry{}))
	require.NoError(t, st.InsertChapterMember(ctx, chapterKey, pageKey))

	status := svc.ChapterStatus(ctx, StatusQuery{BaseURL: baseURL})
	assert.Equal(t, StateIdle, status.State)
	assert.Equal(t, 1, status.CachedCount)
	assert.Equal(t, 4, status.TotalExpected)

	progress, err := st.ChapterProgress(ctx, chapterKey)
	require.NoError(t, err)
	require.NotNil(t, progress)
	assert.Equal(t, 4, progress.PageCount)
}

func TestService_ChapterStatusBatch(t *testing.T) {
	svc, st, srv := newFixture(t, &scriptedEngine{})
	ctx := context.Background()

	cachedPage := srv.URL + "/p/0"
	require.NoError(t, st.Put(ctx, cachekey.ForURL(cachedPage, "ja"), store.Entry{}))

	results := svc.ChapterStatusBatch(ctx, BatchStatusQuery{
		Chapters: []BatchChapter{
			{BaseURL: srv.URL + "/chapter/1", Pages: []string{cachedPage}},
			{BaseURL: srv.URL + "/chapter/2", Pages: []string{}},
			{BaseURL: srv.URL + "/chapter/3", Pages: []string{srv.URL + "/p/9"}, Language: ocr.English},
		},
	})

	require.Len(t, results, 3)
	assert.Equal(t, StateProcessed, results[srv.URL+"/chapter/1"].State)
	assert.Equal(t, StateIdle, results[srv.URL+"/chapter/2"].State)
	assert.Equal(t, 0, results[srv.URL+"/chapter/3"].CachedCount)
}

func TestService_StartChapterJob_DeduplicatesAndReportsProgress(t *testing.T) {
	engine := &scriptedEngine{gate: make(chan struct{})}
	svc, _, srv := newFixture(t, engine)
	ctx := context.Background()

	req := JobRequest{
		BaseURL: srv.URL + "/chapter/5",
		Pages:   []string{srv.URL + "/p/0", srv.URL + "/p/1"},
	}
	require.True(t, svc.StartChapterJob(ctx, req))
	require.False(t, svc.StartChapterJob(ctx, req), "second start must report already processing")

	status := svc.ChapterStatus(ctx, StatusQuery{BaseURL: req.BaseURL})
	assert.Equal(t, StateProcessing, status.State)
	assert.Equal(t, 2, status.Total)

	close(engine.gate)
	require.Eventually(t, func() bool {
		return svc.ChapterStatus(ctx, StatusQuery{BaseURL: req.BaseURL}).State != StateProcessing
	}, 5*time.Second, 20*time.Millisecond)

	status = svc.ChapterStatus(ctx, StatusQuery{BaseURL: req.BaseURL})
	assert.Equal(t, StateProcessed, status.State)
	assert.Equal(t, 2, status.CachedCount)
	assert.Equal(t, 2, status.TotalExpected)
}

func TestService_ChapterJob_ToleratesFailingPage(t *testing.T) {
	engine := &scriptedEngine{}
	svc, st, srv := newFixture(t, engine)
	ctx := context.Background()

	baseURL := srv.URL + "/chapter/6"
	pages := []string{srv.URL + "/p/0", srv.URL + "/p/missing", srv.URL + "/p/2"}
	require.True(t, svc.StartChapterJob(ctx, JobRequest{BaseURL: baseURL, Pages: pages}))

	chapterKey := cachekey.ForURL(baseURL, "ja")
	require.Eventually(t, func() bool {
		return svc.ChapterStatus(ctx, StatusQuery{BaseURL: baseURL}).State != StateProcessing
	}, 15*time.Second, 50*time.Millisecond)

	count, err := st.CountChapterMembers(ctx, chapterKey)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	progress, err := st.ChapterProgress(ctx, chapterKey)
	require.NoError(t, err)
	require.NotNil(t, progress)
	assert.Equal(t, 3, progress.PageCount)
	assert.Equal(t, 2, progress.ProcessedCount)
}

func TestService_ChapterJob_SkipsAlreadyCachedPages(t *testing.T) {
	engine := &scriptedEngine{}
	svc, st, srv := newFixture(t, engine)
	ctx := context.Background()

	baseURL := srv.URL + "/chapter/7"
	pages := []string{srv.URL + "/p/0", srv.URL + "/p/1"}
	require.NoError(t, st.Put(ctx, cachekey.ForURL(pages[0], "ja"), store.Entry{}))

	require.True(t, svc.StartChapterJob(ctx, JobRequest{BaseURL: baseURL, Pages: pages}))
	require.Eventually(t, func() bool {
		return svc.ChapterStatus(ctx, StatusQuery{BaseURL: baseURL}).State != StateProcessing
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, int32(1), engine.calls.Load(), "cached page must not be re-recognized")
}

func TestService_DeleteChapter_ForgetsProgressAndRows(t *testing.T) {
	engine := &scriptedEngine{gate: make(chan struct{})}
	svc, st, srv := newFixture(t, engine)
	ctx := context.Background()

	baseURL := srv.URL + "/chapter/8"
	require.True(t, svc.StartChapterJob(ctx, JobRequest{
		BaseURL: baseURL,
		Pages:   []string{srv.URL + "/p/0"},
	}))
	require.Equal(t, StateProcessing, svc.ChapterStatus(ctx, StatusQuery{BaseURL: baseURL}).State)

	result := svc.DeleteChapter(ctx, baseURL, "", true)
	assert.Equal(t, StateIdle, svc.ChapterStatus(ctx, StatusQuery{BaseURL: baseURL}).State)
	assert.Zero(t, result.CacheRows)

	close(engine.gate)

	seededBase := srv.URL + "/chapter/seeded"
	chapterKey := cachekey.ForURL(seededBase, "ja")
	pageKey := cachekey.ForURL(srv.URL+"/p/5", "ja")
	require.NoError(t, st.Put(ctx, pageKey, store.Entry{}))
	require.NoError(t, st.InsertChapterMember(ctx, chapterKey, pageKey))

	result = svc.DeleteChapter(ctx, seededBase, "", true)
	assert.Equal(t, int64(1), result.MembershipRows)
	assert.Equal(t, int64(1), result.CacheRows)
}

func TestService_ExportImportClear(t *testing.T) {
	svc, _, _ := newFixture(t, &scriptedEngine{})
	ctx := context.Background()

	entries := map[string]store.Entry{
		"lang/ja/p/0": {Context: "c0", Data: []ocr.Line{{Text: "a"}}},
		"lang/ja/p/1": {Context: "c1"},
	}
	assert.EqualValues(t, 2, svc.Import(ctx, entries))
	assert.EqualValues(t, 0, svc.Import(ctx, entries), "re-import must not overwrite")

	exported := svc.Export(ctx)
	assert.Len(t, exported, 2)
	assert.Equal(t, "c0", exported["lang/ja/p/0"].Context)

	svc.Clear(ctx)
	assert.Empty(t, svc.Export(ctx))
	assert.EqualValues(t, 0, svc.Health(ctx).ItemsInCache)
}

func TestService_ChapterStatusBatch_LanguagePartitionsKeys(t *testing.T) {
	svc, st, srv := newFixture(t, &scriptedEngine{})
	ctx := context.Background()

	page := srv.URL + "/p/0"
	require.NoError(t, st.Put(ctx, cachekey.ForURL(page, "en"), store.Entry{}))

	results := svc.ChapterStatusBatch(ctx, BatchStatusQuery{
		Chapters: []BatchChapter{{BaseURL: srv.URL + fmt.Sprintf("/chapter/%d", 1), Pages: []string{page}}},
		Language: ocr.English,
	})
	assert.Equal(t, StateProcessed, results[srv.URL+"/chapter/1"].State)

	jaResults := svc.ChapterStatusBatch(ctx, BatchStatusQuery{
		Chapters: []BatchChapter{{BaseURL: srv.URL + "/chapter/1", Pages: []string{page}}},
	})
	assert.Equal(t, 0, jaResults[srv.URL+"/chapter/1"].CachedCount)
}
