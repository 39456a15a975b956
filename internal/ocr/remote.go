package ocr

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"
)

// RemoteEngine sends page strips to an external recognition service over
// HTTP. The service accepts a PNG body and answers with the paragraph
// geometry the rest of the pipeline consumes.
type RemoteEngine struct {
	endpoint   string
	httpClient *http.Client
	logger     zerolog.Logger
}

type remoteResponse struct {
	Paragraphs []remoteParagraph `json:"paragraphs"`
}

type remoteParagraph struct {
	Lines []remoteLine `json:"lines"`
}

type remoteLine struct {
	Text     string          `json:"text"`
	Geometry *remoteGeometry `json:"geometry"`
}

type remoteGeometry struct {
	CenterX   float64 `json:"centerX"`
	CenterY   float64 `json:"centerY"`
	Width     float64 `json:"width"`
	Height    float64 `json:"height"`
	RotationZ float64 `json:"rotationZ"`
}

// NewRemoteEngine builds an engine talking to endpoint. A non-empty
// proxyURL routes recognition traffic through a SOCKS5 proxy; SOCKS4 is
// not supported and falls back to a direct connection with a warning.
func NewRemoteEngine(endpoint, proxyURL string, logger zerolog.Logger) (*RemoteEngine, error) {
	transport := &http.Transport{}
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		switch parsed.Scheme {
		case "socks5", "socks5h":
			dialer, err := proxy.FromURL(parsed, proxy.Direct)
			if err != nil {
				return nil, fmt.Errorf("build socks dialer: %w", err)
			}
			if ctxDialer, ok := dialer.(proxy.ContextDialer); ok {
				transport.DialContext = ctxDialer.DialContext
			} else {
				transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
					return dialer.Dial(network, addr)
				}
			}
			logger.Info().Str("proxy", parsed.Host).Msg("recognition traffic routed through socks proxy")
		default:
			logger.Warn().Str("scheme", parsed.Scheme).Msg("unsupported proxy scheme, connecting directly")
		}
	}
	return &RemoteEngine{
		endpoint: endpoint,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   120 * time.Second,
		},
		logger: logger,
	}, nil
}

// Recognize posts one strip to the remote service and maps its response
// onto the shared paragraph shape.
func (e *RemoteEngine) Recognize(ctx context.Context, imageBytes []byte, languageHint string) ([]Paragraph, error) {
	endpoint := e.endpoint
	if languageHint != "" {
		sep := "?"
		if strings.ContainsRune(endpoint, '?') {
			sep = "&"
		}
		endpoint = endpoint + sep + "language=" + url.QueryEscape(languageHint)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(imageBytes))
	if err != nil {
		return nil, fmt.Errorf("build recognition request: %w", err)
	}
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("recognition request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("recognition service returned %d: %s", resp.StatusCode, string(body))
	}

	var decoded remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode recognition response: %w", err)
	}

	paragraphs := make([]Paragraph, 0, len(decoded.Paragraphs))
	for _, p := range decoded.Paragraphs {
		lines := make([]RawLine, 0, len(p.Lines))
		for _, l := range p.Lines {
			line := RawLine{Text: l.Text}
			if l.Geometry != nil {
				line.Geometry = &Geometry{
					CenterX:   l.Geometry.CenterX,
					CenterY:   l.Geometry.CenterY,
					Width:     l.Geometry.Width,
					Height:    l.Geometry.Height,
					RotationZ: l.Geometry.RotationZ,
				}
			}
			lines = append(lines, line)
		}
		paragraphs = append(paragraphs, Paragraph{Lines: lines})
	}
	return paragraphs, nil
}
