package main

import (
	"context"
	"testing"
	"time"

	"github.com/h-tendy/datagroom-ui-2026-sub000/internal/gridlock"
)

func TestWaitForEditingReturnsWhenConnected(t *testing.T) {
	connectivity := gridlock.NewConnectivityState()
	go func() {
		time.Sleep(20 * time.Millisecond)
		connectivity.SetChannelConnected(true)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := waitForEditing(ctx, connectivity); err != nil {
		t.Fatalf("expected editing to become allowed: %v", err)
	}
}

func TestWaitForEditingStopsOnReconnectFailure(t *testing.T) {
	connectivity := gridlock.NewConnectivityState()
	connectivity.SetReconnectFailed()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := waitForEditing(ctx, connectivity); err == nil {
		t.Fatalf("expected terminal failure")
	}
}

func TestWaitForEditingHonorsContext(t *testing.T) {
	connectivity := gridlock.NewConnectivityState()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := waitForEditing(ctx, connectivity); err == nil {
		t.Fatalf("expected context deadline error")
	}
}

func TestSplitFieldsTrimsAndDropsEmpty(t *testing.T) {
	got := splitFields("id , ,name")
	if len(got) != 2 || got[0] != "id" || got[1] != "name" {
		t.Fatalf("unexpected fields %v", got)
	}
}
