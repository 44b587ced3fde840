package activitypub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deemkeen/fedhub/metrics"
	"github.com/deemkeen/fedhub/util"
)

const (
	ContentTypeActivity = "application/activity+json"
	ContentTypeLD       = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`

	maxBodySize = 4 << 20
)

var userAgent = util.GetNameAndVersion() + " ActivityPub"

// FetchResult is the outcome of a signed fetch.
type FetchResult struct {
	Status int
	Header http.Header
	Body   []byte
	resp   *http.Response
}

// Response exposes the raw response for signature checks. Its body is already consumed.
func (r *FetchResult) Response() *http.Response {
	return r.resp
}

// Fetcher performs outbound GET and POST requests, signing them when a Signer is given.
type Fetcher struct {
	client *http.Client
}

func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Fetcher{client: &http.Client{Timeout: timeout}}
}

// FetchSigned GETs url. A non-2xx response is returned as an error.
func (f *Fetcher) FetchSigned(ctx context.Context, url string, signer *Signer) (*FetchResult, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", ContentTypeActivity+", "+ContentTypeLD)
	req.Header.Set("User-Agent", userAgent)
	if signer != nil {
		if err := SignRequest(req, *signer, nil); err != nil {
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
	}
	res, err := f.do(req)
	metrics.ObserveNetworkRequest("fetch", "get", start, err)
	return res, err
}

// Post delivers body to an inbox.
func (f *Fetcher) Post(ctx context.Context, url string, body []byte, contentType string, signer *Signer) (*FetchResult, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", ContentTypeActivity)
	req.Header.Set("User-Agent", userAgent)
	if signer != nil {
		if err := SignRequest(req, *signer, body); err != nil {
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
	}
	res, err := f.do(req)
	metrics.ObserveNetworkRequest("fetch", "post", start, err)
	return res, err
}

func (f *Fetcher) do(req *http.Request) (*FetchResult, error) {
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	res := &FetchResult{Status: resp.StatusCode, Header: resp.Header, Body: body, resp: resp}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return res, &StatusError{URL: req.URL.String(), Status: resp.StatusCode}
	}
	return res, nil
}

// StatusError reports a non-2xx response.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status: %d", e.URL, e.Status)
}

// Gone reports whether the remote says the resource no longer exists.
func (e *StatusError) Gone() bool {
	return e.Status == http.StatusGone || e.Status == http.StatusNotFound
}

// JSONResolver dereferences ids into JSON objects with an optional signer.
type JSONResolver struct {
	Fetcher *Fetcher
	Signer  *Signer
}

func (r *JSONResolver) Resolve(ctx context.Context, id string) (map[string]any, error) {
	res, err := r.Fetcher.FetchSigned(ctx, id, r.Signer)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(res.Body, &m); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", id, err)
	}
	return m, nil
}
