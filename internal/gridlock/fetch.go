package gridlock

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
	"sync"
	"time"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type Row struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

type PageRequest struct {
	DatasetID string
	Ticket    int64
	Offset    int
	Limit     int
	Filter    string
}

type PageResult struct {
	Ticket int64 `json:"ticket"`
	Total  int   `json:"total"`
	Rows   []Row `json:"rows"`
}

type GridClient interface {
	FetchPage(ctx context.Context, req PageRequest) (PageResult, error)
}

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func newAPIClient(baseURL, token string, httpClient *http.Client) *apiClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &apiClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *apiClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *apiClient) retryDelay(attempt int, retryAfter string) time.Duration {
	if retryAfter = strings.TrimSpace(retryAfter); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
			delay := time.Duration(seconds) * time.Second
			if delay > c.maxDelay {
				return c.maxDelay
			}
			return delay
		}
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// HTTPGridClient fetches grid pages from the query service. Every request
// carries its ticket; the service echoes it on the response.
type HTTPGridClient struct {
	api *apiClient
}

func NewHTTPGridClient(baseURL, token string, httpClient *http.Client) *HTTPGridClient {
	return &HTTPGridClient{api: newAPIClient(baseURL, token, httpClient)}
}

func (c *HTTPGridClient) FetchPage(ctx context.Context, req PageRequest) (PageResult, error) {
	q := url.Values{}
	q.Set("ticket", strconv.FormatInt(req.Ticket, 10))
	if req.Offset > 0 {
		q.Set("offset", strconv.Itoa(req.Offset))
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if strings.TrimSpace(req.Filter) != "" {
		q.Set("filter", strings.TrimSpace(req.Filter))
	}
	var out PageResult
	err := c.api.doJSON(ctx, http.MethodGet,
		fmt.Sprintf("/v1/datasets/%s/rows?%s", url.PathEscape(req.DatasetID), q.Encode()), nil, &out)
	return out, err
}

// PageLoader applies fetched pages to its view state only when the response
// ticket is still current. A user flipping filters or pages quickly can make
// a slow earlier response arrive after a faster later one; the stale page is
// dropped whole so the displayed rows and total always reflect the newest
// request.
type PageLoader struct {
	mu        sync.RWMutex
	datasetID string
	client    GridClient
	sequencer *RequestSequencer
	rows      []Row
	total     int
	logger    Logger
}

func NewPageLoader(datasetID string, client GridClient, sequencer *RequestSequencer, logger Logger) (*PageLoader, error) {
	if strings.TrimSpace(datasetID) == "" {
		return nil, fmt.Errorf("dataset id is required")
	}
	if client == nil {
		return nil, fmt.Errorf("grid client is required")
	}
	if sequencer == nil {
		sequencer = NewRequestSequencer()
	}
	return &PageLoader{
		datasetID: strings.TrimSpace(datasetID),
		client:    client,
		sequencer: sequencer,
		logger:    logger,
	}, nil
}

// Load issues a ticketed fetch and applies the result unless it has been
// superseded by the time it arrives.
func (l *PageLoader) Load(ctx context.Context, offset, limit int, filter string) error {
	if l == nil {
		return ErrInvalidInput
	}
	req := PageRequest{
		DatasetID: l.datasetID,
		Ticket:    l.sequencer.NextTicket(),
		Offset:    offset,
		Limit:     limit,
		Filter:    filter,
	}
	result, err := l.client.FetchPage(ctx, req)
	if err != nil {
		return err
	}
	l.Apply(result)
	return nil
}

// Apply installs a page when its ticket is accepted; stale pages are dropped
// silently and never partially applied.
func (l *PageLoader) Apply(result PageResult) bool {
	if l == nil {
		return false
	}
	if !l.sequencer.Accept(result.Ticket) {
		if l.logger != nil {
			l.logger.Printf("dropping stale page response (ticket %d, current %d)", result.Ticket, l.sequencer.Current())
		}
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows = append([]Row(nil), result.Rows...)
	l.total = result.Total
	return true
}

func (l *PageLoader) Rows() []Row {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Row(nil), l.rows...)
}

func (l *PageLoader) Total() int {
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}
