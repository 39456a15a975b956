package ocr

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
)

const (
	retryAttempts = 3
	fetchTimeout  = 60 * time.Second
)

// PageRequest describes one page to recognize.
type PageRequest struct {
	URL             string
	Credentials     Credentials
	AddSpaceOnMerge *bool
	Language        Language
}

// Pipeline turns a page URL into whole-image-normalized text lines:
// fetch, decode, tile into strips, recognize each strip, merge line
// fragments, and remap geometry. The whole sequence is retried as a
// unit on failure.
type Pipeline struct {
	engine     Engine
	merge      MergeFunc
	httpClient *http.Client
	pageBase   string
	logger     zerolog.Logger
}

type PipelineOption func(*Pipeline)

// WithMergeFunc installs the external line merger.
func WithMergeFunc(merge MergeFunc) PipelineOption {
	return func(p *Pipeline) { p.merge = merge }
}

// WithPageBase rewrites page URLs onto the given origin before
// fetching, so clients can hand over URLs as seen from their side of
// the network.
func WithPageBase(base string) PipelineOption {
	return func(p *Pipeline) { p.pageBase = base }
}

func WithHTTPClient(client *http.Client) PipelineOption {
	return func(p *Pipeline) { p.httpClient = client }
}

func WithPipelineLogger(logger zerolog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = logger }
}

func NewPipeline(engine Engine, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		engine:     engine,
		merge:      PassthroughMerge,
		httpClient: &http.Client{Timeout: fetchTimeout},
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RecognizePage runs the full pipeline for one page, retrying up to 3
// attempts with 1s then 2s pauses between failures. All attempts
// failing returns the last error.
func (p *Pipeline) RecognizePage(ctx context.Context, req PageRequest) ([]Line, error) {
	return retry.DoWithData(
		func() ([]Line, error) {
			return p.recognizeOnce(ctx, req)
		},
		retry.Context(ctx),
		retry.Attempts(retryAttempts),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return time.Duration(n+1) * time.Second
		}),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Warn().Err(err).Uint("attempt", n+1).Str("url", req.URL).
				Msg("page recognition attempt failed")
		}),
	)
}

func (p *Pipeline) recognizeOnce(ctx context.Context, req PageRequest) ([]Line, error) {
	imageBytes, err := p.fetchPage(ctx, req)
	if err != nil {
		return nil, err
	}

	img, err := decodeImage(imageBytes)
	if err != nil {
		return nil, err
	}
	fullWidth := img.Bounds().Dx()
	fullHeight := img.Bounds().Dy()

	strips, err := tileImage(img)
	if err != nil {
		return nil, err
	}

	cfg := MergeConfig{AddSpaceOnMerge: req.AddSpaceOnMerge, Language: req.Language}

	var results []Line
	for _, st := range strips {
		paragraphs, err := p.engine.Recognize(ctx, st.png, string(req.Language))
		if err != nil {
			return nil, fmt.Errorf("recognize strip at y=%d: %w", st.globalY, err)
		}

		lines := linesFromParagraphs(paragraphs, req.Language, st.width, st.height)
		merged := p.merge(lines, st.width, st.height, cfg)

		for _, line := range merged {
			line.TightBoundingBox = normalizeToImage(line.TightBoundingBox, st.globalY, fullWidth, fullHeight)
			line.TightBoundingBox.Rotation = nil
			results = append(results, line)
		}
	}
	return results, nil
}

// linesFromParagraphs flattens engine output into per-line results in
// strip-pixel coordinates. Lines without geometry, and lines whose
// post-processed text is empty, are dropped.
func linesFromParagraphs(paragraphs []Paragraph, lang Language, stripWidth, stripHeight int) []Line {
	var out []Line
	for _, paragraph := range paragraphs {
		for _, raw := range paragraph.Lines {
			if raw.Geometry == nil {
				continue
			}
			text := lang.PostProcessText(raw.Text)
			if isBlank(text) {
				continue
			}
			box := reduceToAABB(*raw.Geometry, stripWidth, stripHeight)
			out = append(out, Line{
				Text:              text,
				TightBoundingBox:  box,
				IsMerged:          boolPtr(false),
				ForcedOrientation: classifyOrientation(lang, raw.Geometry.RotationZ, box),
			})
		}
	}
	return out
}

func (p *Pipeline) fetchPage(ctx context.Context, req PageRequest) ([]byte, error) {
	target := req.URL
	if p.pageBase != "" {
		target = rewriteToBase(req.URL, p.pageBase)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build page request: %w", err)
	}
	if req.Credentials.Username != "" {
		httpReq.SetBasicAuth(req.Credentials.Username, req.Credentials.Password)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch page %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch page %s: status %d", target, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// rewriteToBase keeps the page URL's path and query but swaps the
// scheme/host onto base. Unparseable inputs pass through untouched.
func rewriteToBase(rawURL, base string) string {
	parsedBase, err := url.Parse(base)
	if err != nil || parsedBase.Host == "" {
		return rawURL
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	parsed.Scheme = parsedBase.Scheme
	parsed.Host = parsedBase.Host
	return parsed.String()
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
