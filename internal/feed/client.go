// Package feed fetches and parses regulator filing feeds (the global
// full-text search feed and per-issuer Atom feeds), modeled on the
// EODHD client's rate-limited HTTP construction.
package feed

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/common"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/errs"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/models"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultRateLimit = 5 // requests per second, regulator feeds are rate-sensitive
)

// Client fetches Atom-formatted filing feeds.
type Client struct {
	globalFeedURL string
	issuerFeedTpl string
	userAgent     string
	httpClient    *http.Client
	limiter       *rate.Limiter
	logger        *common.Logger
}

// ClientOption configures the client.
type ClientOption func(*Client)

func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond) }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// NewClient creates a feed client. issuerFeedTpl must contain a single
// "%s" placeholder for the issuer CIK.
func NewClient(globalFeedURL, issuerFeedTpl, userAgent string, opts ...ClientOption) *Client {
	c := &Client{
		globalFeedURL: globalFeedURL,
		issuerFeedTpl: issuerFeedTpl,
		userAgent:     userAgent,
		httpClient:    &http.Client{Timeout: DefaultTimeout},
		limiter:       rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:        common.NewSilentLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// atomFeed mirrors the subset of the regulator's Atom feed structure
// this client needs; fields outside this set are ignored by encoding/xml.
type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	Title     string `xml:"title"`
	Updated   string `xml:"updated"`
	ID        string `xml:"id"`
	Category  atomCategory `xml:"category"`
	Content   atomContent  `xml:"content"`
	Link      atomLink     `xml:"link"`
}

type atomCategory struct {
	Term string `xml:"term,attr"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
}

type atomContent struct {
	Type   string `xml:"type,attr"`
	FormType  string `xml:"form-type"`
	CIK       string `xml:"accession-number"`
	FileDate  string `xml:"filing-date"`
	AccNo     string `xml:"accession-number"`
}

func (c *Client) FetchGlobalFeed(ctx context.Context) ([]models.FeedEntry, error) {
	return c.fetchAndParse(ctx, c.globalFeedURL)
}

func (c *Client) FetchIssuerFeed(ctx context.Context, cik string) ([]models.FeedEntry, error) {
	url := fmt.Sprintf(c.issuerFeedTpl, cik)
	return c.fetchAndParse(ctx, url)
}

// submissionsResponse mirrors the subset of the regulator's per-issuer
// submissions JSON this client needs to resolve a trading ticker.
type submissionsResponse struct {
	Tickers []string `json:"tickers"`
	Name    string   `json:"name"`
}

// LookupTicker resolves the primary trading ticker for an issuer CIK via
// the regulator's per-issuer submissions endpoint, used by the ticker
// backfill operator CLI. Returns "" with no error if the issuer has no
// ticker on file (funds and some foreign filers often don't).
func (c *Client) LookupTicker(ctx context.Context, cik string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("feed rate limiter: %w", err)
	}

	url := fmt.Sprintf(c.issuerFeedTpl, cik)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build ticker lookup request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		c.logger.Error().Err(err).Str("cik", cik).Dur("elapsed", elapsed).Msg("ticker lookup request failed")
		return "", fmt.Errorf("ticker lookup request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn().Str("cik", cik).Int("status", resp.StatusCode).Dur("elapsed", elapsed).Msg("ticker lookup non-OK response")
		return "", &errs.HTTPError{StatusCode: resp.StatusCode, URL: url}
	}

	var sub submissionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return "", fmt.Errorf("failed to decode ticker lookup response: %w", err)
	}

	if len(sub.Tickers) == 0 {
		c.logger.Debug().Str("cik", cik).Msg("no ticker on file for issuer")
		return "", nil
	}
	return sub.Tickers[0], nil
}

func (c *Client) fetchAndParse(ctx context.Context, url string) ([]models.FeedEntry, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("feed rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build feed request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read feed body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &errs.HTTPError{StatusCode: resp.StatusCode, URL: url, Body: string(body)}
	}

	var feed atomFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("failed to parse feed xml: %w", err)
	}

	entries := make([]models.FeedEntry, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		filedAt, _ := time.Parse(time.RFC3339, e.Updated)
		entries = append(entries, models.FeedEntry{
			Accession:  e.Content.AccNo,
			FormType:   e.Content.FormType,
			FiledAt:    filedAt,
			SourceURLs: []string{e.Link.Href},
		})
	}
	return entries, nil
}
