package bizzdesign_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ha1tch/bizzgraph/pkg/bizzdesign"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUpstream simulates the BizzDesign API with a fixed object and relation set
type fakeUpstream struct {
	t *testing.T

	objects   []map[string]interface{}
	relations []map[string]interface{}

	// relationsAsArray wraps relation pages in a JSON array
	relationsAsArray bool

	tokenCalls atomic.Int32
	apiCalls   atomic.Int32

	mu          sync.Mutex
	offsets     []int
	failures    map[string][]int // path -> statuses to return before succeeding
	tokenStatus int
	expiresIn   int
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	return &fakeUpstream{t: t, failures: make(map[string][]int), expiresIn: 3600}
}

func (f *fakeUpstream) failNext(path string, statuses ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[path] = append(f.failures[path], statuses...)
}

func (f *fakeUpstream) popFailure(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.failures[path]
	if len(queue) == 0 {
		return 0
	}
	f.failures[path] = queue[1:]
	return queue[0]
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/oauth/token" {
		f.tokenCalls.Add(1)
		assert.NoError(f.t, r.ParseForm())
		assert.Equal(f.t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(f.t, "client-id", r.PostForm.Get("client_id"))

		f.mu.Lock()
		status := f.tokenStatus
		f.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		payload := map[string]interface{}{
			"access_token": fmt.Sprintf("token-%d", f.tokenCalls.Load()),
			"token_type":   "bearer",
		}
		if f.expiresIn > 0 {
			payload["expires_in"] = f.expiresIn
		}
		_ = json.NewEncoder(w).Encode(payload)
		return
	}

	f.apiCalls.Add(1)
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer token-") {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/3.0")
	if status := f.popFailure(path); status != 0 {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"message":"simulated failure"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch {
	case path == "/repositories":
		_, _ = w.Write([]byte(`{"_items":[
			{"id":42,"name":"Main","masterCollaborationName":"Main model"},
			{"id":7,"name":"Sandbox"},
			{"id":8}
		]}`))
	case path == "/repositories/42/objects":
		f.writePage(w, r, f.objects, false)
	case path == "/repositories/42/relations":
		f.writePage(w, r, f.relations, f.relationsAsArray)
	case path == "/repositories/42/schemas/ns/cost":
		_, _ = w.Write([]byte(`{"namespace":"ns","name":"cost","fields":[{"name":"amount","schema":"money"}],"types":["ArchiMate:ApplicationComponent"]}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeUpstream) writePage(w http.ResponseWriter, r *http.Request, all []map[string]interface{}, asArray bool) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	f.mu.Lock()
	f.offsets = append(f.offsets, offset)
	f.mu.Unlock()

	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	items := []map[string]interface{}{}
	if offset < len(all) {
		items = all[offset:end]
	}

	page := map[string]interface{}{"_items": items, "_offset": offset, "_limit": limit}
	if asArray {
		// split the page in two envelopes to exercise flattening
		half := len(items) / 2
		_ = json.NewEncoder(w).Encode([]map[string]interface{}{
			{"_items": items[:half]},
			{"_items": items[half:]},
		})
		return
	}
	_ = json.NewEncoder(w).Encode(page)
}

func makeObjects(n int) []map[string]interface{} {
	out := make([]map[string]interface{}, n)
	for i := range out {
		out[i] = map[string]interface{}{
			"id":         fmt.Sprintf("obj-%d", i),
			"type":       "ArchiMate:ApplicationComponent",
			"objectName": map[string]string{"en": fmt.Sprintf("Object %d", i)},
		}
	}
	return out
}

func makeRelations(n int) []map[string]interface{} {
	out := make([]map[string]interface{}, n)
	for i := range out {
		out[i] = map[string]interface{}{
			"relationId":   fmt.Sprintf("rel-%d", i),
			"relationType": "ArchiMate:ServingRelation",
			"fromId":       fmt.Sprintf("obj-%d", i),
			"toId":         fmt.Sprintf("obj-%d", i+1),
			"toName":       map[string]string{"en": "Target"},
		}
	}
	return out
}

func setupClientTest(t *testing.T, upstream *fakeUpstream, pageSize int) (*bizzdesign.Client, func()) {
	srv := httptest.NewServer(upstream)

	opts := bizzdesign.DefaultOptions()
	opts.BaseURL = srv.URL
	opts.ClientID = "client-id"
	opts.ClientSecret = "client-secret"
	opts.PageSize = pageSize
	opts.PageDelay = 0
	opts.RetryInitial = time.Millisecond
	opts.RetryMax = 5 * time.Millisecond
	opts.CallLogSize = 5

	client, err := bizzdesign.NewClient(opts)
	require.NoError(t, err)

	return client, srv.Close
}

// ============================================================================
// Construction
// ============================================================================

func TestNewClient_NormalizesBaseURL(t *testing.T) {
	for _, base := range []string{"https://example.test", "https://example.test/", "https://example.test/api/3.0"} {
		client, err := bizzdesign.NewClient(bizzdesign.Options{BaseURL: base, ClientID: "a", ClientSecret: "b"})
		require.NoError(t, err)
		assert.Equal(t, "https://example.test/api/3.0", client.BaseURL())
	}
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	_, err := bizzdesign.NewClient(bizzdesign.Options{BaseURL: "https://example.test"})
	assert.Error(t, err)
}

// ============================================================================
// Pagination
// ============================================================================

func TestFetchAll_Completeness(t *testing.T) {
	tests := []struct {
		name     string
		total    int
		pageSize int
		offsets  []int
	}{
		{"exact multiple", 30, 10, []int{0, 10, 20, 30}},
		{"short final page", 25, 10, []int{0, 10, 20}},
		{"single short page", 3, 10, []int{0}},
		{"empty", 0, 10, []int{0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := newFakeUpstream(t)
			upstream.objects = makeObjects(tt.total)
			client, cleanup := setupClientTest(t, upstream, tt.pageSize)
			defer cleanup()

			seen := make(map[string]bool)
			count, err := client.FetchAll(context.Background(), bizzdesign.KindObjects, "42", bizzdesign.FetchOptions{},
				func(page *bizzdesign.Page, offset int) error {
					for _, raw := range page.Items {
						var item struct{ ID string }
						require.NoError(t, json.Unmarshal(raw, &item))
						assert.False(t, seen[item.ID], "duplicate %s", item.ID)
						seen[item.ID] = true
					}
					return nil
				})

			require.NoError(t, err)
			assert.Equal(t, tt.total, count)
			assert.Len(t, seen, tt.total)
			assert.Equal(t, tt.offsets, upstream.offsets)
		})
	}
}

func TestFetchPage_HasMore(t *testing.T) {
	upstream := newFakeUpstream(t)
	upstream.objects = makeObjects(15)
	client, cleanup := setupClientTest(t, upstream, 10)
	defer cleanup()

	page, err := client.FetchPage(context.Background(), bizzdesign.KindObjects, "42", 0, 10, bizzdesign.FetchOptions{IncludeMetrics: true})
	require.NoError(t, err)
	assert.Len(t, page.Items, 10)
	assert.True(t, page.HasMore)

	page, err = client.FetchPage(context.Background(), bizzdesign.KindObjects, "42", 10, 10, bizzdesign.FetchOptions{})
	require.NoError(t, err)
	assert.Len(t, page.Items, 5)
	assert.False(t, page.HasMore)
}

func TestFetchAll_StopsOnCallbackError(t *testing.T) {
	upstream := newFakeUpstream(t)
	upstream.objects = makeObjects(30)
	client, cleanup := setupClientTest(t, upstream, 10)
	defer cleanup()

	stop := errors.New("stop")
	_, err := client.FetchAll(context.Background(), bizzdesign.KindObjects, "42", bizzdesign.FetchOptions{},
		func(*bizzdesign.Page, int) error { return stop })
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, []int{0}, upstream.offsets)
}

// ============================================================================
// Resources
// ============================================================================

func TestRepositories_NameResolution(t *testing.T) {
	upstream := newFakeUpstream(t)
	client, cleanup := setupClientTest(t, upstream, 10)
	defer cleanup()

	repos, err := client.Repositories(context.Background())
	require.NoError(t, err)
	require.Len(t, repos, 3)

	assert.Equal(t, "42", repos[0].ID)
	assert.Equal(t, "Main model", repos[0].Name)
	assert.Equal(t, "Sandbox", repos[1].Name)
	assert.Equal(t, "Repository 8", repos[2].Name)
}

func TestRepository_NotFound(t *testing.T) {
	upstream := newFakeUpstream(t)
	client, cleanup := setupClientTest(t, upstream, 10)
	defer cleanup()

	repo, err := client.Repository(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "Main model", repo.Name)

	_, err = client.Repository(context.Background(), "999")
	assert.ErrorIs(t, err, bizzdesign.ErrRepositoryNotFound)
}

func TestAllObjects_FiltersRelationTypes(t *testing.T) {
	upstream := newFakeUpstream(t)
	upstream.objects = makeObjects(4)
	upstream.objects[1]["type"] = "ArchiMate:ServingRelation"
	upstream.objects[3]["type"] = "archimate:flowrelation"
	client, cleanup := setupClientTest(t, upstream, 10)
	defer cleanup()

	var progressCalls int
	objects, err := client.AllObjects(context.Background(), "42", func(offset, current int) {
		progressCalls++
	}, bizzdesign.FetchOptions{IncludeExternalIDs: true})
	require.NoError(t, err)

	require.Len(t, objects, 2)
	assert.Equal(t, "obj-0", objects[0].ID)
	assert.Equal(t, "Object 0", objects[0].DisplayName())
	assert.Equal(t, "obj-2", objects[1].ID)
	assert.Equal(t, 1, progressCalls)
}

func TestAllRelations_FlattensArrayPages(t *testing.T) {
	upstream := newFakeUpstream(t)
	upstream.relations = makeRelations(25)
	upstream.relationsAsArray = true
	client, cleanup := setupClientTest(t, upstream, 10)
	defer cleanup()

	relations, err := client.AllRelations(context.Background(), "42", nil)
	require.NoError(t, err)
	require.Len(t, relations, 25)

	assert.Equal(t, "rel-0", relations[0].ID)
	assert.Equal(t, "obj-0", relations[0].SourceID)
	assert.Equal(t, "obj-1", relations[0].TargetID)
	assert.Equal(t, "ArchiMate:ServingRelation", relations[0].Type)
	assert.Equal(t, []int{0, 10, 20}, upstream.offsets)
}

func TestDataBlockDefinition(t *testing.T) {
	upstream := newFakeUpstream(t)
	client, cleanup := setupClientTest(t, upstream, 10)
	defer cleanup()

	def, err := client.DataBlockDefinition(context.Background(), "42", "ns", "cost")
	require.NoError(t, err)
	require.NotNil(t, def)
	assert.Equal(t, "money", def.Fields[0].Schema)

	def, err = client.DataBlockDefinition(context.Background(), "42", "ns", "missing")
	require.NoError(t, err)
	assert.Nil(t, def)

	blocks, err := client.ObjectDataBlocks(context.Background(), "42", "missing")
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

// ============================================================================
// Auth and retries
// ============================================================================

func TestToken_Reused(t *testing.T) {
	upstream := newFakeUpstream(t)
	upstream.objects = makeObjects(25)
	client, cleanup := setupClientTest(t, upstream, 10)
	defer cleanup()

	_, err := client.AllObjects(context.Background(), "42", nil, bizzdesign.FetchOptions{})
	require.NoError(t, err)
	_, err = client.Repositories(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(1), upstream.tokenCalls.Load())
}

func TestToken_RefreshedInsideMargin(t *testing.T) {
	upstream := newFakeUpstream(t)
	// a 30s token is always inside the 60s margin
	upstream.expiresIn = 30
	client, cleanup := setupClientTest(t, upstream, 10)
	defer cleanup()

	for i := 0; i < 3; i++ {
		_, err := client.Repositories(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), upstream.tokenCalls.Load())
}

func TestUnauthorized_InvalidatesToken(t *testing.T) {
	upstream := newFakeUpstream(t)
	client, cleanup := setupClientTest(t, upstream, 10)
	defer cleanup()

	upstream.failNext("/repositories", http.StatusUnauthorized)

	_, err := client.Repositories(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, bizzdesign.ErrUnauthorized)
	assert.Equal(t, int32(1), upstream.apiCalls.Load(), "auth failures are not retried")

	_, err = client.Repositories(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), upstream.tokenCalls.Load(), "a fresh token is requested after 401")
}

func TestTokenEndpointRejected(t *testing.T) {
	upstream := newFakeUpstream(t)
	upstream.tokenStatus = http.StatusUnauthorized
	client, cleanup := setupClientTest(t, upstream, 10)
	defer cleanup()

	_, err := client.Repositories(context.Background())
	assert.ErrorIs(t, err, bizzdesign.ErrUnauthorized)
	assert.Equal(t, int32(0), upstream.apiCalls.Load())
}

func TestRetry_ServerErrors(t *testing.T) {
	upstream := newFakeUpstream(t)
	client, cleanup := setupClientTest(t, upstream, 10)
	defer cleanup()

	upstream.failNext("/repositories", http.StatusInternalServerError, http.StatusTooManyRequests)

	repos, err := client.Repositories(context.Background())
	require.NoError(t, err)
	assert.Len(t, repos, 3)
	assert.Equal(t, int32(3), upstream.apiCalls.Load())
}

func TestRetry_Exhausted(t *testing.T) {
	upstream := newFakeUpstream(t)
	srv := httptest.NewServer(upstream)
	defer srv.Close()

	var attempts []int
	opts := bizzdesign.DefaultOptions()
	opts.BaseURL = srv.URL
	opts.ClientID = "client-id"
	opts.ClientSecret = "client-secret"
	opts.RetryInitial = time.Millisecond
	opts.RetryMax = 2 * time.Millisecond
	opts.OnRetry = func(err error, attempt int) {
		attempts = append(attempts, attempt)
	}
	client, err := bizzdesign.NewClient(opts)
	require.NoError(t, err)

	upstream.failNext("/repositories", 502, 502, 502, 502, 502)

	_, err = client.Repositories(context.Background())
	require.Error(t, err)

	var apiErr *bizzdesign.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 502, apiErr.StatusCode)
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Equal(t, int32(4), upstream.apiCalls.Load())
}

func TestNoRetry_ClientErrors(t *testing.T) {
	upstream := newFakeUpstream(t)
	client, cleanup := setupClientTest(t, upstream, 10)
	defer cleanup()

	upstream.failNext("/repositories/42/objects", http.StatusBadRequest)

	_, err := client.FetchPage(context.Background(), bizzdesign.KindObjects, "42", 0, 10, bizzdesign.FetchOptions{})
	var apiErr *bizzdesign.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "simulated failure", apiErr.Message)
	assert.Equal(t, int32(1), upstream.apiCalls.Load())
}

func TestFetchAll_ContextCancelled(t *testing.T) {
	upstream := newFakeUpstream(t)
	upstream.objects = makeObjects(30)
	client, cleanup := setupClientTest(t, upstream, 10)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	_, err := client.FetchAll(ctx, bizzdesign.KindObjects, "42", bizzdesign.FetchOptions{},
		func(*bizzdesign.Page, int) error {
			cancel()
			return nil
		})
	assert.ErrorIs(t, err, context.Canceled)
}

// ============================================================================
// Call log
// ============================================================================

func TestLogs_RingBuffer(t *testing.T) {
	upstream := newFakeUpstream(t)
	client, cleanup := setupClientTest(t, upstream, 10)
	defer cleanup()

	for i := 0; i < 7; i++ {
		_, err := client.Repositories(context.Background())
		require.NoError(t, err)
	}
	upstream.failNext("/repositories", http.StatusNotFound)
	_, err := client.Repositories(context.Background())
	require.Error(t, err)

	logs := client.Logs(0)
	require.Len(t, logs, 5)

	newest := logs[0]
	assert.False(t, newest.Success)
	assert.Equal(t, http.StatusNotFound, newest.Status)
	assert.NotEmpty(t, newest.Error)
	assert.True(t, logs[1].Success)
	assert.Equal(t, "1000", logs[1].Params["limit"])

	assert.Len(t, client.Logs(2), 2)
}

func TestLogs_CurlMasksToken(t *testing.T) {
	upstream := newFakeUpstream(t)
	client, cleanup := setupClientTest(t, upstream, 10)
	defer cleanup()

	_, err := client.Repositories(context.Background())
	require.NoError(t, err)

	logs := client.Logs(1)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Curl, "curl -X GET")
	assert.Contains(t, logs[0].Curl, bizzdesign.TokenPlaceholder)
	assert.Contains(t, logs[0].Curl, "/api/3.0/repositories?limit=1000")
	assert.NotContains(t, logs[0].Curl, "token-1")
}
