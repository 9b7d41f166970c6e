package bizzdesign

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ha1tch/bizzgraph/pkg/metrics"
	"github.com/ha1tch/bizzgraph/pkg/models"
	"github.com/rs/zerolog"
)

const apiPrefix = "/api/3.0"

// Resource kinds served by the paginated endpoints
const (
	KindObjects   = "objects"
	KindRelations = "relations"
)

var relationTypePattern = regexp.MustCompile(`(?i)Relation`)

// Options configures a Client
type Options struct {
	BaseURL      string
	ClientID     string
	ClientSecret string

	HTTPClient   *http.Client
	Timeout      time.Duration
	PageSize     int
	PageDelay    time.Duration
	MaxRetries   int
	RetryInitial time.Duration
	RetryMax     time.Duration
	TokenMargin  time.Duration
	CallLogSize  int

	// OnRetry is called before each wait with the error and the 1-based retry number
	OnRetry func(err error, attempt int)

	Logger  zerolog.Logger
	Metrics *metrics.Collector
}

// DefaultOptions returns the upstream defaults
func DefaultOptions() Options {
	return Options{
		Timeout:      30 * time.Second,
		PageSize:     10000,
		PageDelay:    100 * time.Millisecond,
		MaxRetries:   3,
		RetryInitial: time.Second,
		RetryMax:     10 * time.Second,
		TokenMargin:  60 * time.Second,
		CallLogSize:  100,
		Logger:       zerolog.Nop(),
	}
}

// FetchOptions toggles optional attributes on object pages
type FetchOptions struct {
	IncludeMetrics     bool
	IncludeProfiles    bool
	IncludeExternalIDs bool
}

func (o FetchOptions) apply(params url.Values) {
	if o.IncludeMetrics {
		params.Set("includeMetrics", "true")
	}
	if o.IncludeProfiles {
		params.Set("includeProfiles", "true")
	}
	if o.IncludeExternalIDs {
		params.Set("includeExternalIds", "true")
	}
}

// Page is one page of raw upstream records
type Page struct {
	Items   []json.RawMessage
	HasMore bool
}

// PageFunc receives every page of a FetchAll call along with the offset it was requested at
type PageFunc func(page *Page, offset int) error

// ProgressFunc reports the running total after each page
type ProgressFunc func(offset, current int)

// Client talks to the BizzDesign v3 API
type Client struct {
	opts    Options
	baseURL string
	http    *http.Client
	tokens  *tokenSource
	calls   *callRing
	logger  zerolog.Logger
	metrics *metrics.Collector
}

// NewClient creates a new upstream client
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("bizzdesign: base URL is required")
	}
	if opts.ClientID == "" || opts.ClientSecret == "" {
		return nil, fmt.Errorf("bizzdesign: client credentials are required")
	}

	defaults := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaults.PageSize
	}
	if opts.PageDelay < 0 {
		opts.PageDelay = 0
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = defaults.RetryInitial
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = defaults.RetryMax
	}
	if opts.TokenMargin <= 0 {
		opts.TokenMargin = defaults.TokenMargin
	}
	if opts.CallLogSize <= 0 {
		opts.CallLogSize = defaults.CallLogSize
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	baseURL, tokenURL := normalizeURLs(opts.BaseURL)

	return &Client{
		opts:    opts,
		baseURL: baseURL,
		http:    httpClient,
		tokens:  newTokenSource(tokenURL, opts.ClientID, opts.ClientSecret, httpClient, opts.TokenMargin),
		calls:   newCallRing(opts.CallLogSize),
		logger:  opts.Logger.With().Str("component", "bizzdesign").Logger(),
		metrics: opts.Metrics,
	}, nil
}

// normalizeURLs returns the API base ending in /api/3.0 and the OAuth token URL
func normalizeURLs(raw string) (string, string) {
	trimmed := strings.TrimRight(raw, "/")
	root := strings.TrimSuffix(trimmed, apiPrefix)
	return root + apiPrefix, root + "/oauth/token"
}

// BaseURL returns the normalized API base
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Logs returns up to limit recorded calls, newest first
func (c *Client) Logs(limit int) []CallLog {
	return c.calls.recent(limit)
}

// ============================================================================
// Pagination
// ============================================================================

// FetchPage requests one page of a repository resource
func (c *Client) FetchPage(ctx context.Context, kind, repoID string, offset, limit int, opts FetchOptions) (*Page, error) {
	if limit <= 0 {
		limit = c.opts.PageSize
	}

	params := url.Values{}
	params.Set("offset", strconv.Itoa(offset))
	params.Set("limit", strconv.Itoa(limit))
	if kind == KindObjects {
		opts.apply(params)
	}

	body, err := c.get(ctx, fmt.Sprintf("/repositories/%s/%s", url.PathEscape(repoID), kind), params)
	if err != nil {
		return nil, err
	}

	items, err := decodeItems(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s page: %w", kind, err)
	}

	c.logger.Debug().
		Str("kind", kind).
		Int("offset", offset).
		Int("limit", limit).
		Int("items", len(items)).
		Msg("Fetched page")

	return &Page{
		Items:   items,
		HasMore: len(items) >= limit,
	}, nil
}

// FetchAll walks every page of a resource. The offset advances by the
// number of items actually returned; the walk stops on a short or empty page.
func (c *Client) FetchAll(ctx context.Context, kind, repoID string, opts FetchOptions, onPage PageFunc) (int, error) {
	offset := 0
	total := 0

	for {
		page, err := c.FetchPage(ctx, kind, repoID, offset, c.opts.PageSize, opts)
		if err != nil {
			return total, err
		}

		if onPage != nil {
			if err := onPage(page, offset); err != nil {
				return total, err
			}
		}

		total += len(page.Items)
		offset += len(page.Items)

		if !page.HasMore || len(page.Items) == 0 {
			return total, nil
		}

		if err := c.pause(ctx); err != nil {
			return total, err
		}
	}
}

func (c *Client) pause(ctx context.Context) error {
	if c.opts.PageDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(c.opts.PageDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type itemsEnvelope struct {
	Items []json.RawMessage `json:"_items"`
}

// decodeItems accepts a page object or an array of page objects
func decodeItems(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var pages []itemsEnvelope
		if err := json.Unmarshal(trimmed, &pages); err != nil {
			return nil, err
		}
		var items []json.RawMessage
		for _, p := range pages {
			items = append(items, p.Items...)
		}
		return items, nil
	}

	var page itemsEnvelope
	if err := json.Unmarshal(trimmed, &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}

// ============================================================================
// Resources
// ============================================================================

type upstreamRepository struct {
	ID                      json.Number `json:"id"`
	Name                    string      `json:"name"`
	MasterCollaborationName string      `json:"masterCollaborationName"`
	Description             string      `json:"description"`
}

// Repositories lists the repositories visible to the client
func (c *Client) Repositories(ctx context.Context) ([]models.Repository, error) {
	params := url.Values{}
	params.Set("limit", "1000")

	body, err := c.get(ctx, "/repositories", params)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}

	var resp struct {
		Items []upstreamRepository `json:"_items"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode repositories: %w", err)
	}

	repos := make([]models.Repository, 0, len(resp.Items))
	for _, r := range resp.Items {
		id := r.ID.String()
		name := r.MasterCollaborationName
		if name == "" {
			name = r.Name
		}
		if name == "" {
			name = "Repository " + id
		}
		repos = append(repos, models.Repository{
			ID:          id,
			Name:        name,
			Description: r.Description,
		})
	}
	return repos, nil
}

// Repository resolves one repository by id
func (c *Client) Repository(ctx context.Context, id string) (*models.Repository, error) {
	repos, err := c.Repositories(ctx)
	if err != nil {
		return nil, err
	}
	for i := range repos {
		if repos[i].ID == id {
			return &repos[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRepositoryNotFound, id)
}

// AllObjects fetches every object of a repository, skipping records whose
// type marks them as relations.
func (c *Client) AllObjects(ctx context.Context, repoID string, onProgress ProgressFunc, opts FetchOptions) ([]models.Object, error) {
	var objects []models.Object
	filtered := 0

	_, err := c.FetchAll(ctx, KindObjects, repoID, opts, func(page *Page, offset int) error {
		for _, raw := range page.Items {
			var obj models.Object
			if err := json.Unmarshal(raw, &obj); err != nil {
				return fmt.Errorf("failed to decode object: %w", err)
			}
			if relationTypePattern.MatchString(obj.Type) {
				filtered++
				continue
			}
			objects = append(objects, obj)
		}
		if onProgress != nil {
			onProgress(offset, len(objects))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("repository", repoID).
		Int("objects", len(objects)).
		Int("filtered", filtered).
		Msg("Fetched objects")

	return objects, nil
}

// AllRelations fetches every relation of a repository in the internal shape
func (c *Client) AllRelations(ctx context.Context, repoID string, onProgress ProgressFunc) ([]models.Relation, error) {
	var relations []models.Relation

	_, err := c.FetchAll(ctx, KindRelations, repoID, FetchOptions{}, func(page *Page, offset int) error {
		for _, raw := range page.Items {
			var rel models.UpstreamRelation
			if err := json.Unmarshal(raw, &rel); err != nil {
				return fmt.Errorf("failed to decode relation: %w", err)
			}
			relations = append(relations, rel.ToRelation())
		}
		if onProgress != nil {
			onProgress(offset, len(relations))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("repository", repoID).
		Int("relations", len(relations)).
		Msg("Fetched relations")

	return relations, nil
}

// ObjectDataBlocks fetches the data blocks of one object; a missing object yields none
func (c *Client) ObjectDataBlocks(ctx context.Context, repoID, objectID string) ([]models.Document, error) {
	path := fmt.Sprintf("/repositories/%s/objects/%s/datablocks", url.PathEscape(repoID), url.PathEscape(objectID))
	body, err := c.get(ctx, path, nil)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	var resp struct {
		Items []models.Document `json:"_items"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode data blocks: %w", err)
	}
	return resp.Items, nil
}

// DataBlockField is one field of a data block schema
type DataBlockField struct {
	Name   string `json:"name"`
	Schema string `json:"schema"`
	Label  string `json:"label,omitempty"`
}

// DataBlockDefinition describes a data block schema
type DataBlockDefinition struct {
	Namespace string           `json:"namespace"`
	Name      string           `json:"name"`
	Label     string           `json:"label,omitempty"`
	Fields    []DataBlockField `json:"fields"`
	Types     []string         `json:"types"`
	CreatedAt string           `json:"createdAt,omitempty"`
	UpdatedAt string           `json:"updatedAt,omitempty"`
}

// DataBlockDefinition fetches one schema definition; nil when it does not exist
func (c *Client) DataBlockDefinition(ctx context.Context, repoID, namespace, name string) (*DataBlockDefinition, error) {
	path := fmt.Sprintf("/repositories/%s/schemas/%s/%s", url.PathEscape(repoID), url.PathEscape(namespace), url.PathEscape(name))
	body, err := c.get(ctx, path, nil)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	var def DataBlockDefinition
	if err := json.Unmarshal(body, &def); err != nil {
		return nil, fmt.Errorf("failed to decode data block definition: %w", err)
	}
	return &def, nil
}

// ============================================================================
// Transport
// ============================================================================

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RetryInitial
	b.MaxInterval = c.opts.RetryMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	return b
}

// get performs an authenticated GET with retries and records it in the call log
func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	start := time.Now()
	fullURL := c.baseURL + path

	entry := CallLog{
		Timestamp: start.UTC(),
		Method:    http.MethodGet,
		URL:       fullURL,
		Params:    flattenParams(params),
		Curl:      renderCurl(http.MethodGet, fullURL, params, nil),
	}

	retries := 0
	operation := func() ([]byte, error) {
		body, status, err := c.do(ctx, http.MethodGet, fullURL, params)
		entry.Status = status
		return body, err
	}

	body, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.opts.MaxRetries+1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			retries++
			c.logger.Warn().
				Err(err).
				Str("path", path).
				Int("attempt", retries).
				Dur("wait", wait).
				Msg("Retrying upstream request")
			c.metrics.IncRetry()
			if c.opts.OnRetry != nil {
				c.opts.OnRetry(err, retries)
			}
		}),
	)

	entry.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		entry.Error = err.Error()
		c.calls.add(entry)
		return nil, err
	}

	entry.Success = true
	c.calls.add(entry)
	return body, nil
}

// do performs a single attempt. Errors that must not be retried are wrapped
// with backoff.Permanent.
func (c *Client) do(ctx context.Context, method, fullURL string, params url.Values) ([]byte, int, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, 0, classify(err)
	}

	target := fullURL
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, 0, backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.ObserveUpstream(method, 0, time.Since(start))
		if ctx.Err() != nil {
			return nil, 0, backoff.Permanent(ctx.Err())
		}
		return nil, 0, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	duration := time.Since(start)
	c.metrics.ObserveUpstream(method, resp.StatusCode, duration)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug().
		Str("method", method).
		Str("url", fullURL).
		Int("status", resp.StatusCode).
		Dur("duration", duration).
		Msg("Upstream call")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, resp.StatusCode, nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode, Message: errorMessage(resp.StatusCode, body)}
	if isAuthStatus(resp.StatusCode) {
		c.tokens.Invalidate()
	}
	return nil, resp.StatusCode, classify(apiErr)
}

// classify marks errors that must not be retried as permanent
func classify(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && !apiErr.Retryable() {
		return backoff.Permanent(err)
	}
	return err
}

func errorMessage(status int, body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}

	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	if text == "" {
		text = http.StatusText(status)
	}
	return text
}
