package progress

import (
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/refactor-orch/internal/domain"
	"github.com/hochfrequenz/refactor-orch/internal/ledger"
)

func TestLedgerWatcher_ReportsNewEntriesOnAppend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.jsonl")

	led, err := ledger.Open(path)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}

	var (
		mu   sync.Mutex
		seen []domain.LedgerEntry
	)
	watcher, err := NewLedgerWatcher("run-1", path, led, func(runID string, entries []domain.LedgerEntry) {
		if runID != "run-1" {
			t.Errorf("callback runID = %q, want run-1", runID)
		}
		mu.Lock()
		seen = append(seen, entries...)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("NewLedgerWatcher: %v", err)
	}
	watcher.debounce = 20 * time.Millisecond
	watcher.Start()
	defer watcher.Stop()

	if err := led.Append(domain.LedgerEntry{RunID: "run-1", BatchID: "b1", Outcome: domain.OutcomeApplied}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0].BatchID != "b1" {
		t.Fatalf("seen = %+v, want one entry for b1", seen)
	}
}

func TestLedgerWatcher_ReportsBacklogOnStart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.jsonl")

	led, err := ledger.Open(path)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	if err := led.Append(domain.LedgerEntry{RunID: "run-1", BatchID: "b0", Outcome: domain.OutcomeNoop}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	var (
		mu   sync.Mutex
		seen []domain.LedgerEntry
	)
	watcher, err := NewLedgerWatcher("run-1", path, led, func(_ string, entries []domain.LedgerEntry) {
		mu.Lock()
		seen = append(seen, entries...)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("NewLedgerWatcher: %v", err)
	}
	defer watcher.Stop()
	watcher.Start()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0].BatchID != "b0" {
		t.Fatalf("seen = %+v, want backlog entry b0 reported immediately", seen)
	}
}

func TestHub_BroadcastsToConnectedWebsocketClient(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	server := httptest.NewServer(hub)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// Give the server a moment to register the client before broadcasting.
	time.Sleep(50 * time.Millisecond)

	hub.OnNewEntries("run-1", []domain.LedgerEntry{{RunID: "run-1", BatchID: "b1", Outcome: domain.OutcomeApplied}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if event.Type != EventTypeLedgerAppend || event.RunID != "run-1" || len(event.Entries) != 1 {
		t.Fatalf("unexpected event: %+v", event)
	}
	if event.Entries[0].BatchID != "b1" {
		t.Fatalf("Entries[0].BatchID = %q, want b1", event.Entries[0].BatchID)
	}
}

func TestHub_DisconnectedClientDoesNotBlockBroadcast(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	server := httptest.NewServer(hub)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close() // disconnect immediately, before reading anything

	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		hub.OnNewEntries("run-1", []domain.LedgerEntry{{RunID: "run-1", BatchID: "b1"}})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked on a disconnected client")
	}
}
