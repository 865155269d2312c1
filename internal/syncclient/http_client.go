package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/gridsync/internal/ledger"
)

// OperationError is the embedded failure marker some endpoints return with
// a 2xx status.
const OperationError = "ERROR"

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

// Ack is the response body of every write endpoint.
type Ack struct {
	OperationResult string          `json:"operationResult"`
	OperationInfo   string          `json:"operationInfo,omitempty"`
	Records         []ledger.Record `json:"records,omitempty"`
}

// Failed reports the embedded error marker.
func (a Ack) Failed() bool {
	return strings.EqualFold(strings.TrimSpace(a.OperationResult), OperationError)
}

// Lists maps period names to their records.
type Lists map[string][]ledger.Record

// RemoteClient is the backend of record.
type RemoteClient interface {
	FetchAll(ctx context.Context, elevated bool) (Lists, error)
	Create(ctx context.Context, drafts []ledger.Record) (Ack, error)
	Update(ctx context.Context, patches []ledger.Record) (Ack, error)
	Delete(ctx context.Context, ids []int64) (Ack, error)
}

// DeletePayload selects the body shape sent to the delete endpoint.
type DeletePayload string

const (
	// DeleteBareIDs sends [1,2,3].
	DeleteBareIDs DeletePayload = "ids"
	// DeleteWrapped sends {"transportAccountingIds":[1,2,3]}.
	DeleteWrapped DeletePayload = "wrapped"
)

type deleteEnvelope struct {
	IDs []int64 `json:"transportAccountingIds"`
}

type HTTPClientOptions struct {
	BaseURL       string
	Token         string
	HTTPClient    *http.Client
	DeletePayload DeletePayload
	// MaxRetries bounds retries of list fetches. Writes are never retried.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type HTTPClient struct {
	baseURL       string
	token         string
	httpClient    *http.Client
	deletePayload DeletePayload
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

func NewHTTPClient(opts HTTPClientOptions) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	deletePayload := opts.DeletePayload
	if deletePayload != DeleteWrapped {
		deletePayload = DeleteBareIDs
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPClient{
		baseURL:       baseURL,
		token:         strings.TrimSpace(opts.Token),
		httpClient:    httpClient,
		deletePayload: deletePayload,
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
	}
}

// SetToken swaps the bearer token after a credential refresh.
func (c *HTTPClient) SetToken(token string) {
	c.token = strings.TrimSpace(token)
}

func (c *HTTPClient) FetchAll(ctx context.Context, elevated bool) (Lists, error) {
	path := "/api/v1/periods"
	if elevated {
		path = "/api/v1/periods/admin"
	}
	var out Lists
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}
	if out == nil {
		out = Lists{}
	}
	return out, nil
}

func (c *HTTPClient) Create(ctx context.Context, drafts []ledger.Record) (Ack, error) {
	var out Ack
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/records", drafts, &out, false)
	return out, err
}

func (c *HTTPClient) Update(ctx context.Context, patches []ledger.Record) (Ack, error) {
	var out Ack
	err := c.doJSON(ctx, http.MethodPatch, "/api/v1/records", patches, &out, false)
	return out, err
}

func (c *HTTPClient) Delete(ctx context.Context, ids []int64) (Ack, error) {
	var body any = ids
	if c.deletePayload == DeleteWrapped {
		body = deleteEnvelope{IDs: ids}
	}
	var out Ack
	err := c.doJSON(ctx, http.MethodDelete, "/api/v1/records", body, &out, false)
	return out, err
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any, retry bool) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	maxRetries := 0
	if retry {
		maxRetries = c.maxRetries
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
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < maxRetries {
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
			if out == nil || len(bytes.TrimSpace(payloadBytes)) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code          string `json:"code"`
			Message       string `json:"message"`
			OperationInfo string `json:"operationInfo"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		message := errPayload.Message
		if message == "" {
			message = errPayload.OperationInfo
		}
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    message,
		}
	}
}

func correlationID() string {
	return "gridsync_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// writeError converts a transport or embedded failure into a WriteError.
func writeError(op string, ack Ack, err error) error {
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			return &WriteError{Op: op, Status: httpErr.StatusCode, Message: httpErr.Message, Err: err}
		}
		return &WriteError{Op: op, Message: err.Error(), Err: err}
	}
	if ack.Failed() {
		message := strings.TrimSpace(ack.OperationInfo)
		if message == "" {
			message = "operation failed"
		}
		return &WriteError{Op: op, Status: http.StatusOK, Message: message}
	}
	return nil
}
