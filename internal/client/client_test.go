package client

import (
	"path/filepath"
	"testing"
)

func TestNewIsLazy(t *testing.T) {
	// grpc.NewClient does not connect until the first call, so a missing
	// socket is only reported by the RPC itself.
	c, err := New(filepath.Join(t.TempDir(), "missing.sock"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.Pipeline == nil {
		t.Fatal("Pipeline client is nil")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
