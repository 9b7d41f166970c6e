package bizzdesign

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// TokenPlaceholder replaces the bearer token in recorded curl commands
const TokenPlaceholder = "$BIZZDESIGN_TOKEN"

// CallLog is one recorded upstream call
type CallLog struct {
	Timestamp  time.Time         `json:"timestamp"`
	Method     string            `json:"method"`
	URL        string            `json:"url"`
	Params     map[string]string `json:"params,omitempty"`
	Body       interface{}       `json:"body,omitempty"`
	Curl       string            `json:"curl"`
	Status     int               `json:"status,omitempty"`
	DurationMs int64             `json:"duration"`
	Success    bool              `json:"success"`
	Error      string            `json:"error,omitempty"`
}

// callRing keeps the most recent calls
type callRing struct {
	mu      sync.Mutex
	entries []CallLog
	next    int
	full    bool
}

func newCallRing(size int) *callRing {
	if size <= 0 {
		size = 100
	}
	return &callRing{entries: make([]CallLog, size)}
}

func (r *callRing) add(entry CallLog) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.next] = entry
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// recent returns up to limit entries, newest first
func (r *callRing) recent(limit int) []CallLog {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := r.next
	if r.full {
		count = len(r.entries)
	}
	if limit <= 0 || limit > count {
		limit = count
	}

	out := make([]CallLog, 0, limit)
	idx := r.next
	for i := 0; i < limit; i++ {
		idx = (idx - 1 + len(r.entries)) % len(r.entries)
		out = append(out, r.entries[idx])
	}
	return out
}

func flattenParams(params url.Values) map[string]string {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = strings.Join(v, ",")
	}
	return out
}

// renderCurl builds a replayable curl command with the token replaced by TokenPlaceholder
func renderCurl(method, rawURL string, params url.Values, body interface{}) string {
	full := rawURL
	if len(params) > 0 {
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		q := url.Values{}
		for _, k := range keys {
			q[k] = params[k]
		}
		full = rawURL + "?" + q.Encode()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "curl -X %s", method)
	b.WriteString(" \\\n  -H \"Content-Type: application/json\"")
	fmt.Fprintf(&b, " \\\n  -H \"Authorization: Bearer %s\"", TokenPlaceholder)

	if body != nil {
		data, err := json.Marshal(body)
		if err == nil {
			escaped := strings.ReplaceAll(string(data), "'", `'\''`)
			fmt.Fprintf(&b, " \\\n  -d '%s'", escaped)
		}
	}

	fmt.Fprintf(&b, " \\\n  \"%s\"", full)
	return b.String()
}
