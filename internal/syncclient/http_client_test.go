package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/gridsync/internal/ledger"
)

func newTestHTTPClient(server *httptest.Server, payload DeletePayload) *HTTPClient {
	return NewHTTPClient(HTTPClientOptions{
		BaseURL:       server.URL,
		Token:         "token",
		HTTPClient:    server.Client(),
		DeletePayload: payload,
		BaseDelay:     time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
	})
}

func TestHTTPClientRetriesTransientFetchFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/api/v1/periods" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		if !strings.HasPrefix(r.Header.Get("X-Correlation-Id"), "gridsync_") {
			t.Errorf("expected correlation id, got %q", r.Header.Get("X-Correlation-Id"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"2024-01":[{"id":1,"client":"acme","amount":"12,50"}]}`))
	}))
	defer server.Close()

	lists, err := newTestHTTPClient(server, "").FetchAll(context.Background(), false)
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
	records := lists["2024-01"]
	if len(records) != 1 || records[0].Client != "acme" {
		t.Fatalf("unexpected lists: %+v", lists)
	}
	if got := records[0].Amount.Decimal.String(); got != "12.5" {
		t.Fatalf("expected amount 12.5, got %s", got)
	}
}

func TestHTTPClientFetchAllUsesAdminView(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/periods/admin" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	lists, err := newTestHTTPClient(server, "").FetchAll(context.Background(), true)
	if err != nil {
		t.Fatalf("fetch admin view failed: %v", err)
	}
	if lists == nil {
		t.Fatalf("expected empty lists, got nil")
	}
}

func TestHTTPClientDoesNotRetryWrites(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"message":"upstream down"}`))
	}))
	defer server.Close()

	client := newTestHTTPClient(server, "")
	_, err := client.Update(context.Background(), []ledger.Record{{ID: 1}})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 http error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single call, got %d", atomic.LoadInt32(&calls))
	}
	werr := writeError("update", Ack{}, err)
	if !errors.Is(werr, ErrWrite) || !strings.Contains(werr.Error(), "upstream down") {
		t.Fatalf("expected write error carrying message, got %v", werr)
	}
}

func TestHTTPClientCreateEchoesTempIDs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/records" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var drafts []ledger.Record
		if err := json.NewDecoder(r.Body).Decode(&drafts); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for i := range drafts {
			drafts[i].ID = int64(50 + i)
		}
		_ = json.NewEncoder(w).Encode(Ack{OperationResult: "OK", Records: drafts})
	}))
	defer server.Close()

	ack, err := newTestHTTPClient(server, "").Create(context.Background(), []ledger.Record{{TempID: -4, ListName: "P1"}})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if ack.Failed() || len(ack.Records) != 1 {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if ack.Records[0].ID != 50 || ack.Records[0].TempID != -4 {
		t.Fatalf("expected id 50 for temp -4, got %+v", ack.Records[0])
	}
}

func TestHTTPClientEmbeddedErrorMarker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"operationResult":"ERROR","operationInfo":"record 9 not found"}`))
	}))
	defer server.Close()

	ack, err := newTestHTTPClient(server, "").Delete(context.Background(), []int64{9})
	if err != nil {
		t.Fatalf("expected transport success, got %v", err)
	}
	werr := writeError("delete", ack, err)
	var writeErr *WriteError
	if !errors.As(werr, &writeErr) {
		t.Fatalf("expected WriteError, got %v", werr)
	}
	if writeErr.Status != http.StatusOK || writeErr.Message != "record 9 not found" {
		t.Fatalf("unexpected write error: %+v", writeErr)
	}
}

func TestHTTPClientDeletePayloadShapes(t *testing.T) {
	cases := []struct {
		payload DeletePayload
		want    string
	}{
		{payload: DeleteBareIDs, want: `[3,4]`},
		{payload: DeleteWrapped, want: `{"transportAccountingIds":[3,4]}`},
	}
	for _, tc := range cases {
		t.Run(string(tc.payload), func(t *testing.T) {
			var body string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodDelete {
					w.WriteHeader(http.StatusMethodNotAllowed)
					return
				}
				data, _ := io.ReadAll(r.Body)
				body = string(data)
				_, _ = w.Write([]byte(`{"operationResult":"OK"}`))
			}))
			defer server.Close()

			if _, err := newTestHTTPClient(server, tc.payload).Delete(context.Background(), []int64{3, 4}); err != nil {
				t.Fatalf("delete failed: %v", err)
			}
			if body != tc.want {
				t.Fatalf("expected body %s, got %s", tc.want, body)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("2"); got != 2*time.Second {
		t.Fatalf("expected 2s, got %s", got)
	}
	if got := parseRetryAfter("soon"); got != 0 {
		t.Fatalf("expected 0 for garbage, got %s", got)
	}
}

func TestSetTokenIsUsed(t *testing.T) {
	var seen atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := newTestHTTPClient(server, "")
	client.SetToken(" fresh ")
	if _, err := client.FetchAll(context.Background(), false); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if seen.Load() != "Bearer fresh" {
		t.Fatalf("expected refreshed token, got %v", seen.Load())
	}
}
