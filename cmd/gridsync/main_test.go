package main

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/agentworkforce/gridsync/internal/access"
	"github.com/agentworkforce/gridsync/internal/export"
	"github.com/agentworkforce/gridsync/internal/httpapi"
	"github.com/agentworkforce/gridsync/internal/ledger"
	"github.com/agentworkforce/gridsync/internal/recordstore"
)

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredInterval(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredInterval(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredInterval(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredInterval(base, 0.2, 0.5); got != 10*time.Second {
		t.Fatalf("expected midpoint jitter interval 10s, got %s", got)
	}
	if got := jitteredInterval(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
	if got := jitteredInterval(0, 0.2, 1); got != 0 {
		t.Fatalf("expected zero for disabled interval, got %s", got)
	}
}

func TestResyncScheduleStaysInBounds(t *testing.T) {
	next := resyncSchedule(time.Minute, 0.25, rand.New(rand.NewSource(1)))
	for i := 0; i < 50; i++ {
		got := next()
		if got < 45*time.Second || got > 75*time.Second {
			t.Fatalf("interval %s outside ±25%% of 1m", got)
		}
	}
}

func TestParseIDArgs(t *testing.T) {
	ids, err := parseIDArgs([]string{"3,4", "4", " 5 "})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4, 5}, ids)

	_, err = parseIDArgs([]string{"7", "x"})
	require.Error(t, err)
	_, err = parseIDArgs([]string{","})
	require.Error(t, err)
}

type backend struct {
	repo recordstore.Repository
	url  string
}

func newBackend(t *testing.T, role string) *backend {
	t.Helper()
	repo := recordstore.NewMemoryRepository()
	server, err := httpapi.NewServer(repo, httpapi.ServerConfig{JWTSecret: "cli-secret"})
	require.NoError(t, err)
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)

	token, err := httpapi.IssueToken("cli-secret", 5, role, time.Hour, time.Now())
	require.NoError(t, err)
	t.Setenv("GRIDSYNC_BASE_URL", ts.URL)
	t.Setenv("GRIDSYNC_TOKEN", token)
	t.Setenv("GRIDSYNC_ROLE", role)
	t.Setenv("GRIDSYNC_LOG_LEVEL", "silent")
	t.Setenv("GRIDSYNC_POLICY_FILE", "")
	return &backend{repo: repo, url: ts.URL}
}

func (b *backend) seed(t *testing.T, records ...ledger.Record) []ledger.Record {
	t.Helper()
	created, err := b.repo.Create(context.Background(), records)
	require.NoError(t, err)
	return created
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestExportCommandWritesWorkbook(t *testing.T) {
	b := newBackend(t, access.RoleManager)
	b.seed(t,
		ledger.Record{ListName: "2024-01", Client: "acme", Amount: decimal.NewNullDecimal(decimal.RequireFromString("99.5"))},
		ledger.Record{ListName: "2024-02", Client: "beta"},
	)
	path := filepath.Join(t.TempDir(), "out", "ledger.xlsx")

	out, err := runCLI(t, "export", "--output", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+path)

	file, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer file.Close()
	assert.Equal(t, []string{"2024-01", "2024-02"}, file.GetSheetList())
	rows, err := file.GetRows("2024-01")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "acme", rows[1][2])
	assert.Equal(t, "99.5", rows[1][6])
}

func TestExportAdminViewRequiresElevatedRole(t *testing.T) {
	newBackend(t, access.RoleManager)
	_, err := runCLI(t, "export", "--admin", "--output", filepath.Join(t.TempDir(), "x.xlsx"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unrestricted")
}

func TestPasteCommandUpdatesKnownIDsAndAppendsTheRest(t *testing.T) {
	b := newBackend(t, access.RoleManager)
	seeded := b.seed(t, ledger.Record{ListName: "2024-01", Client: "old", Route: "north"})
	id := seeded[0].ID

	input := filepath.Join(t.TempDir(), "rows.xlsx")
	f, err := os.Create(input)
	require.NoError(t, err)
	require.NoError(t, export.Write(f, map[string][]ledger.Record{
		"sheet": {
			{ID: id, Client: "new", Route: "north"},
			{Date: "2024-01-09", Client: "fresh", Amount: decimal.NewNullDecimal(decimal.RequireFromString("12.5"))},
		},
	}))
	require.NoError(t, f.Close())

	out, err := runCLI(t, "paste", "--list", "2024-01", "--input", input)
	require.NoError(t, err)
	assert.Contains(t, out, "1 updated, 1 appended, 2 records")

	lists, err := b.repo.List(context.Background())
	require.NoError(t, err)
	records := lists["2024-01"]
	require.Len(t, records, 2)
	assert.Equal(t, id, records[0].ID)
	assert.Equal(t, "new", records[0].Client)
	assert.Equal(t, "fresh", records[1].Client)
	assert.Equal(t, "2024-01-09", records[1].Date)
	assert.Equal(t, "12.5", records[1].Amount.Decimal.String())
}

func TestDeleteCommand(t *testing.T) {
	b := newBackend(t, access.RoleManager)
	seeded := b.seed(t,
		ledger.Record{ListName: "2024-01", Client: "a"},
		ledger.Record{ListName: "2024-01", Client: "b"},
		ledger.Record{ListName: "2024-01", Client: "blocked", ManagerBlock: true},
	)

	_, err := runCLI(t, "delete", "--list", "2024-02", idText(seeded[0].ID))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "belongs to 2024-01")

	_, err = runCLI(t, "delete", idText(seeded[2].ID))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked")

	out, err := runCLI(t, "delete", idText(seeded[0].ID)+","+idText(seeded[1].ID))
	require.NoError(t, err)
	assert.Contains(t, out, "deleted 2 records")

	lists, err := b.repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, lists["2024-01"], 1)
	assert.Equal(t, "blocked", lists["2024-01"][0].Client)
}

func TestTokenCommandMintsVerifiableToken(t *testing.T) {
	out, err := runCLI(t, "token", "--secret", "s3", "--user-id", "12", "--role", "admin")
	require.NoError(t, err)
	token := strings.TrimSpace(out)
	assert.Equal(t, 2, strings.Count(token, "."))

	repo := recordstore.NewMemoryRepository()
	server, err := httpapi.NewServer(repo, httpapi.ServerConfig{JWTSecret: "s3"})
	require.NoError(t, err)
	req := httptest.NewRequest("GET", "/api/v1/periods/admin", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)
}

func idText(id int64) string {
	return strconv.FormatInt(id, 10)
}
