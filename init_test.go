package keytrack

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/keytrack/keytrack/internal/server"
)

func startTestServer(t *testing.T) string {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.Logger = zerolog.Nop()
	srv, err := server.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv.Addr()
}

func TestNew(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = startTestServer(t)

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	defer c.Close()

	if c.SessionID() == 0 {
		t.Fatal("Client should have a server-assigned session id")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = ""

	if _, err := New(cfg); err == nil {
		t.Fatal("Expected error for empty address")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Addr == "" {
		t.Error("Expected a default address")
	}
	if cfg.OptIn || cfg.OptOut || cfg.NoLoop {
		t.Error("Expected sub-mode flags to default off")
	}
	if cfg.DialTimeout <= 0 {
		t.Error("Expected positive DialTimeout")
	}
	if cfg.RequestTimeout <= 0 {
		t.Error("Expected positive RequestTimeout")
	}
	if cfg.LocalCacheFactory != nil {
		t.Error("Expected LocalCacheFactory to be nil (will default to LRU)")
	}
	if cfg.Marshaller != nil {
		t.Error("Expected Marshaller to be nil (will default to JSON)")
	}
	if cfg.Logger != nil {
		t.Error("Expected Logger to be nil (will default to no-op)")
	}
}

func TestClientOperations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = startTestServer(t)

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	defer c.Close()

	ctx := context.Background()

	// Test Set
	if err := c.Set(ctx, "test:key", "test:value"); err != nil {
		t.Fatalf("Failed to set value: %v", err)
	}

	// Test Get
	value, found := c.Get(ctx, "test:key")
	if !found {
		t.Fatal("Value should be found")
	}
	if value != "test:value" {
		t.Fatalf("Expected 'test:value', got %v", value)
	}

	// Test Delete
	if err := c.Delete(ctx, "test:key"); err != nil {
		t.Fatalf("Failed to delete value: %v", err)
	}

	// Verify deletion
	if _, found = c.Get(ctx, "test:key"); found {
		t.Fatal("Value should not be found after deletion")
	}
}
