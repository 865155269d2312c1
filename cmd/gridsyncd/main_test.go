package main

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/gridsync/internal/config"
)

func testConfig() config.Server {
	return config.Server{
		Addr:            "127.0.0.1:0",
		StoreDSN:        "memory://",
		JWTSecret:       "secret",
		RateBurst:       20,
		MaxBodyBytes:    1 << 20,
		ShutdownTimeout: time.Second,
		LogLevel:        "silent",
	}
}

func TestBuildServesHealth(t *testing.T) {
	a, err := build(testConfig(), config.NewLogger("silent"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.close()

	rec := httptest.NewRecorder()
	a.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestBuildLoadsPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("roles:\n  auditor:\n    elevated: true\n"), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	cfg := testConfig()
	cfg.PolicyFile = path
	a, err := build(cfg, config.NewLogger("silent"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.close()
	if a.watcher == nil || !a.watcher.Current().Elevated("auditor") {
		t.Fatalf("expected policy file to grant auditor elevation")
	}
}

func TestBuildRejectsUnknownStore(t *testing.T) {
	cfg := testConfig()
	cfg.StoreDSN = "mongodb://localhost"
	if _, err := build(cfg, logrus.New()); err == nil {
		t.Fatalf("expected unsupported store error")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cfg := testConfig()
	cfg.Addr = listener.Addr().String()
	_ = listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, config.NewLogger("silent")) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get("http://" + cfg.Addr + "/health")
		if err == nil {
			_ = resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never became ready: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
}
