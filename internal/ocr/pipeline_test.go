package ocr

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	fn func(ctx context.Context, imageBytes []byte, languageHint string) ([]Paragraph, error)
}

func (f *fakeEngine) Recognize(ctx context.Context, imageBytes []byte, languageHint string) ([]Paragraph, error) {
	return f.fn(ctx, imageBytes, languageHint)
}

func pageServer(t *testing.T, pngBytes []byte, onRequest func(r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if onRequest != nil {
			onRequest(r)
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPipeline_RecognizePage_NormalizesToFullImage(t *testing.T) {
	srv := pageServer(t, solidPNG(t, 100, 200), nil)

	engine := &fakeEngine{fn: func(_ context.Context, _ []byte, lang string) ([]Paragraph, error) {
		assert.Equal(t, "ja", lang)
		return []Paragraph{{Lines: []RawLine{{
			Text:     "テスト",
			Geometry: &Geometry{CenterX: 0.5, CenterY: 0.5, Width: 0.2, Height: 0.1},
		}}}}, nil
	}}

	p := NewPipeline(engine)
	lines, err := p.RecognizePage(context.Background(), PageRequest{
		URL:      srv.URL + "/page/0",
		Language: Japanese,
	})
	require.NoError(t, err)
	require.Len(t, lines, 1)

	line := lines[0]
	assert.Equal(t, "テスト", line.Text)
	assert.InDelta(t, 0.4, line.TightBoundingBox.X, 1e-9)
	assert.InDelta(t, 0.45, line.TightBoundingBox.Y, 1e-9)
	assert.InDelta(t, 0.2, line.TightBoundingBox.Width, 1e-9)
	assert.InDelta(t, 0.1, line.TightBoundingBox.Height, 1e-9)
	assert.Nil(t, line.TightBoundingBox.Rotation)
	require.NotNil(t, line.IsMerged)
	assert.False(t, *line.IsMerged)
	assert.Equal(t, OrientationVertical, line.ForcedOrientation)
}

func TestPipeline_RecognizePage_DropsUnusableLines(t *testing.T) {
	srv := pageServer(t, solidPNG(t, 100, 100), nil)

	engine := &fakeEngine{fn: func(_ context.Context, _ []byte, _ string) ([]Paragraph, error) {
		return []Paragraph{{Lines: []RawLine{
			{Text: "no geometry"},
			{Text: " 　\n", Geometry: &Geometry{CenterX: 0.5, CenterY: 0.5, Width: 0.1, Height: 0.1}},
			{Text: "残る", Geometry: &Geometry{CenterX: 0.5, CenterY: 0.5, Width: 0.1, Height: 0.1}},
		}}}, nil
	}}

	p := NewPipeline(engine)
	lines, err := p.RecognizePage(context.Background(), PageRequest{URL: srv.URL, Language: Japanese})
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "残る", lines[0].Text)
}

func TestPipeline_RecognizePage_InvokesMerger(t *testing.T) {
	srv := pageServer(t, solidPNG(t, 100, 100), nil)

	engine := &fakeEngine{fn: func(_ context.Context, _ []byte, _ string) ([]Paragraph, error) {
		return []Paragraph{{Lines: []RawLine{
			{Text: "ab", Geometry: &Geometry{CenterX: 0.3, CenterY: 0.5, Width: 0.1, Height: 0.1}},
			{Text: "cd", Geometry: &Geometry{CenterX: 0.7, CenterY: 0.5, Width: 0.1, Height: 0.1}},
		}}}, nil
	}}

	addSpace := true
	var gotCfg MergeConfig
	merge := func(lines []Line, stripW, stripH int, cfg MergeConfig) []Line {
		gotCfg = cfg
		assert.Equal(t, 100, stripW)
		assert.Equal(t, 100, stripH)
		require.Len(t, lines, 2)
		merged := lines[0]
		merged.Text = lines[0].Text + lines[1].Text
		merged.IsMerged = boolPtr(true)
		return []Line{merged}
	}

	p := NewPipeline(engine, WithMergeFunc(merge))
	lines, err := p.RecognizePage(context.Background(), PageRequest{
		URL:             srv.URL,
		Language:        English,
		AddSpaceOnMerge: &addSpace,
	})
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "abcd", lines[0].Text)
	require.NotNil(t, lines[0].IsMerged)
	assert.True(t, *lines[0].IsMerged)
	require.NotNil(t, gotCfg.AddSpaceOnMerge)
	assert.True(t, *gotCfg.AddSpaceOnMerge)
	assert.Equal(t, English, gotCfg.Language)
}

func TestPipeline_FetchPage_ForwardsBasicAuth(t *testing.T) {
	var user, pass string
	var ok bool
	srv := pageServer(t, solidPNG(t, 10, 10), func(r *http.Request) {
		user, pass, ok = r.BasicAuth()
	})

	engine := &fakeEngine{fn: func(_ context.Context, _ []byte, _ string) ([]Paragraph, error) {
		return nil, nil
	}}

	p := NewPipeline(engine)
	_, err := p.RecognizePage(context.Background(), PageRequest{
		URL:         srv.URL,
		Credentials: Credentials{Username: "reader", Password: "secret"},
		Language:    Japanese,
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "reader", user)
	assert.Equal(t, "secret", pass)
}

func TestPipeline_PageBase_RewritesOrigin(t *testing.T) {
	var gotPath string
	srv := pageServer(t, solidPNG(t, 10, 10), func(r *http.Request) {
		gotPath = r.URL.Path
	})

	engine := &fakeEngine{fn: func(_ context.Context, _ []byte, _ string) ([]Paragraph, error) {
		return nil, nil
	}}

	p := NewPipeline(engine, WithPageBase(srv.URL))
	_, err := p.RecognizePage(context.Background(), PageRequest{
		URL:      "http://unreachable.invalid/api/v1/manga/1/chapter/2/page/0",
		Language: Japanese,
	})
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/manga/1/chapter/2/page/0", gotPath)
}

func TestPipeline_RecognizePage_RetriesUntilSuccess(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if requests.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(solidPNG(t, 10, 10))
	}))
	t.Cleanup(srv.Close)

	engine := &fakeEngine{fn: func(_ context.Context, _ []byte, _ string) ([]Paragraph, error) {
		return nil, nil
	}}

	p := NewPipeline(engine)
	_, err := p.RecognizePage(context.Background(), PageRequest{URL: srv.URL, Language: Japanese})
	require.NoError(t, err)
	assert.Equal(t, int32(3), requests.Load())
}

func TestPipeline_RecognizePage_GivesUpAfterThreeAttempts(t *testing.T) {
	srv := pageServer(t, solidPNG(t, 10, 10), nil)

	var calls atomic.Int32
	engineErr := errors.New("engine unavailable")
	engine := &fakeEngine{fn: func(_ context.Context, _ []byte, _ string) ([]Paragraph, error) {
		calls.Add(1)
		return nil, engineErr
	}}

	p := NewPipeline(engine)
	_, err := p.RecognizePage(context.Background(), PageRequest{URL: srv.URL, Language: Japanese})
	require.Error(t, err)
	assert.ErrorIs(t, err, engineErr)
	assert.Equal(t, int32(3), calls.Load())
}
