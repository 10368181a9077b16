package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/projectsync/internal/retry"
)

const (
	RevisionHeader = "X-Document-Revision"
	maxErrorBody   = 64 << 10
)

type HTTPError struct {
	Status     int
	Code       string
	Message    string
	retryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

func (e *HTTPError) StatusCode() int { return e.Status }

func (e *HTTPError) RetryAfter() time.Duration { return e.retryAfter }

// BatchRequest is the wire body of POST /v1/documents:batch.
type BatchRequest struct {
	Mutations []WireMutation `json:"mutations"`
}

type WireMutation struct {
	Path             string `json:"path"`
	Revision         int64  `json:"revision"`
	ExpectedRevision int64  `json:"expectedRevision"`
	Body             []byte `json:"body"`
}

// HTTPRemote talks to a document server over HTTP. Each call makes a single
// request; retries belong to the Adapter's retry policy, which reads the
// Retry-After hint from HTTPError.
type HTTPRemote struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewHTTPRemote(baseURL, token string, httpClient *http.Client) *HTTPRemote {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8090"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPRemote{baseURL: baseURL, token: strings.TrimSpace(token), httpClient: httpClient}
}

func documentURLPath(path string) string {
	return "/v1/documents/" + url.PathEscape(path)
}

func (c *HTTPRemote) Get(ctx context.Context, path string) (Document, error) {
	resp, payload, err := c.do(ctx, http.MethodGet, documentURLPath(path), nil, nil)
	if err != nil {
		return Document{}, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return Document{}, ErrNotFound
	}
	if err := c.check(resp, payload); err != nil {
		return Document{}, err
	}
	revision, err := strconv.ParseInt(strings.Trim(resp.Header.Get("ETag"), `"`), 10, 64)
	if err != nil {
		return Document{}, fmt.Errorf("document %s: invalid ETag %q", path, resp.Header.Get("ETag"))
	}
	return Document{Revision: revision, Body: payload}, nil
}

func (c *HTTPRemote) Set(ctx context.Context, path string, doc Document, pre Precondition) error {
	headers := map[string]string{
		"If-Match":     strconv.FormatInt(pre.ExpectedRevision, 10),
		RevisionHeader: strconv.FormatInt(doc.Revision, 10),
		"Content-Type": "application/json",
	}
	resp, payload, err := c.do(ctx, http.MethodPut, documentURLPath(path), headers, doc.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusPreconditionFailed {
		return ErrPreconditionFailed
	}
	return c.check(resp, payload)
}

func (c *HTTPRemote) Batch(ctx context.Context, mutations []Mutation) error {
	req := BatchRequest{Mutations: make([]WireMutation, 0, len(mutations))}
	for _, mut := range mutations {
		req.Mutations = append(req.Mutations, WireMutation{
			Path:             mut.Path,
			Revision:         mut.Document.Revision,
			ExpectedRevision: mut.Precondition.ExpectedRevision,
			Body:             mut.Document.Body,
		})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	resp, payload, err := c.do(ctx, http.MethodPost, "/v1/documents:batch",
		map[string]string{"Content-Type": "application/json"}, body)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusPreconditionFailed {
		return ErrPreconditionFailed
	}
	return c.check(resp, payload)
}

func (c *HTTPRemote) do(ctx context.Context, method, requestPath string, headers map[string]string, body []byte) (*http.Response, []byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return nil, nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Correlation-Id", "docs_"+uuid.NewString())
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, payload, nil
}

func (c *HTTPRemote) check(resp *http.Response, payload []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if len(payload) > maxErrorBody {
		payload = payload[:maxErrorBody]
	}
	_ = json.Unmarshal(payload, &errPayload)
	return &HTTPError{
		Status:     resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
		retryAfter: retry.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}
