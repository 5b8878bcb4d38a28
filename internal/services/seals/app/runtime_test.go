package app

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func freePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}

func TestRunStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	port := freePort(t)
	dbPath := filepath.Join(t.TempDir(), "seals.db")

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, RuntimeConfig{
			Port:         port,
			DBPath:       dbPath,
			SealInterval: 10 * time.Millisecond,
			SyncInterval: 10 * time.Millisecond,
			MineInterval: 10 * time.Millisecond,
		})
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop after cancel")
	}
}

func TestRunRejectsBusyPort(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	err = Run(context.Background(), RuntimeConfig{
		Port:   listener.Addr().(*net.TCPAddr).Port,
		DBPath: filepath.Join(t.TempDir(), "seals.db"),
	})
	if err == nil {
		t.Fatal("expected error for port already in use")
	}
}
