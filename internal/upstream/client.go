// Package upstream talks to the Suwayomi-compatible page server: it
// resolves chapter page counts and fetches the SOCKS proxy settings
// the recognizer may be configured with. Credentials are passed
// through as HTTP basic auth, never validated here.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/junhma/Manatan/internal/cachekey"
	"github.com/junhma/Manatan/internal/ocr"
)

const requestTimeout = 30 * time.Second

type Client struct {
	base       string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient builds a client with base as the fallback API origin
// (scheme://host[:port]) used when one cannot be derived from a
// chapter URL.
func NewClient(base string, logger zerolog.Logger) *Client {
	return &Client{
		base:       strings.TrimSuffix(base, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     logger,
	}
}

type pagesResponse struct {
	Pages []string `json:"pages"`
}

// TotalPages resolves the expected page count for a chapter by calling
// the pages endpoint. The manga ID and chapter index are read from the
// path segments following the literal "manga" and "chapter" segments
// of the chapter's normalized path.
func (c *Client) TotalPages(ctx context.Context, chapterBaseURL string, creds ocr.Credentials) (int, error) {
	path := cachekey.ForURL(chapterBaseURL, "")

	mangaID, err := segmentAfter(path, "manga")
	if err != nil {
		return 0, fmt.Errorf("parse manga ID from %q: %w", chapterBaseURL, err)
	}
	chapterIndex, err := segmentAfter(path, "chapter")
	if err != nil {
		return 0, fmt.Errorf("parse chapter index from %q: %w", chapterBaseURL, err)
	}

	endpoint := fmt.Sprintf("%s/api/v1/manga/%s/chapter/%s/pages",
		c.apiBase(chapterBaseURL), mangaID, chapterIndex)

	var list pagesResponse
	if err := c.getJSON(ctx, endpoint, creds, &list); err != nil {
		return 0, err
	}
	return len(list.Pages), nil
}

type settingsResponse struct {
	Settings *proxySettingsWire `json:"settings"`
}

type proxySettingsWire struct {
	Enabled  *bool   `json:"socksProxyEnabled"`
	Version  *int    `json:"socksProxyVersion"`
	Host     *string `json:"socksProxyHost"`
	Port     *string `json:"socksProxyPort"`
	Username *string `json:"socksProxyUsername"`
	Password *string `json:"socksProxyPassword"`
}

// ProxySettings is the SOCKS configuration the recognizer's HTTP
// client should use. A nil result means the server exposes none.
type ProxySettings struct {
	Enabled  bool
	Version  int
	Host     string
	Port     string
	Username string
	Password string
}

// URL renders the settings as a proxy URL, or "" when the proxy is
// disabled or incomplete.
func (p *ProxySettings) URL() string {
	if p == nil || !p.Enabled || p.Host == "" {
		return ""
	}
	u := url.URL{
		Scheme: fmt.Sprintf("socks%d", p.Version),
		Host:   p.Host + ":" + p.Port,
	}
	if p.Username != "" && p.Password != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u.String()
}

// ProxySettings fetches the server's SOCKS proxy configuration.
func (c *Client) ProxySettings(ctx context.Context, creds ocr.Credentials) (*ProxySettings, error) {
	var resp settingsResponse
	if err := c.getJSON(ctx, c.base+"/api/v1/settings", creds, &resp); err != nil {
		return nil, err
	}
	if resp.Settings == nil {
		return nil, nil
	}
	raw := resp.Settings
	settings := &ProxySettings{
		Enabled:  orZero(raw.Enabled),
		Version:  5,
		Host:     orZero(raw.Host),
		Port:     orZero(raw.Port),
		Username: orZero(raw.Username),
		Password: orZero(raw.Password),
	}
	if raw.Version != nil {
		settings.Version = *raw.Version
	}
	return settings, nil
}

func (c *Client) apiBase(chapterBaseURL string) string {
	parsed, err := url.Parse(chapterBaseURL)
	if err != nil || !parsed.IsAbs() {
		return c.base
	}
	return parsed.Scheme + "://" + parsed.Host
}

func (c *Client) getJSON(ctx context.Context, endpoint string, creds ocr.Credentials, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if creds.Username != "" {
		req.SetBasicAuth(creds.Username, creds.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("upstream request failed (status %d): %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func segmentAfter(path, marker string) (string, error) {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == marker && i+1 < len(parts) && parts[i+1] != "" {
			return parts[i+1], nil
		}
	}
	return "", fmt.Errorf("no %q segment", marker)
}

func orZero[T any](v *T) T {
	if v == nil {
		var zero T
		return zero
	}
	return *v
}
