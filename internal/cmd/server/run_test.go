package serverrun

import (
	"context"
	"testing"
	"time"

	cfgpkg "github.com/edsu/docnow/internal/config"
	pebblestore "github.com/edsu/docnow/internal/storage/pebble"
)

func TestRunStartsAndStopsCleanly(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.Ingest.ShutdownTimeoutMs = 2000

	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- Run(ctx, Options{
			DataDir:  dir,
			HTTPAddr: "127.0.0.1:0",
			Fsync:    pebblestore.FsyncModeAlways,
			Config:   cfg,
		})
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
