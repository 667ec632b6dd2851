package logstore

import (
	"testing"
	"time"
)

func TestJSONFileStore_RecordsAndReadsHistory(t *testing.T) {
	path := t.TempDir() + "/history.json"
	store := NewJSONFileStore(path)
	hook := store.Hook()

	hook(CompletionRecord{SerialNumber: "S1", SessionID: "sess-1", RecordsDownloaded: 12, CompletedAt: time.Now()})
	hook(CompletionRecord{SerialNumber: "S1", SessionID: "sess-2", RecordsDownloaded: 5, CompletedAt: time.Now()})

	history, err := store.History()
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("got %d records, want 2", len(history))
	}
	if history[1].SessionID != "sess-2" || history[1].RecordsDownloaded != 5 {
		t.Fatalf("unexpected second record: %+v", history[1])
	}
}

func TestSQLiteStore_RecordsAndReadsHistory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	hook := store.Hook()
	hook(CompletionRecord{SerialNumber: "S1", DeviceID: "D1", SessionID: "sess-1", MinSequenceNumber: 0, MaxSequenceNumber: 99, RecordsDownloaded: 100, CompletedAt: time.Now()})
	hook(CompletionRecord{SerialNumber: "S2", DeviceID: "D2", SessionID: "sess-x", RecordsDownloaded: 3, CompletedAt: time.Now()})

	history, err := store.History("S1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || history[0].RecordsDownloaded != 100 {
		t.Fatalf("unexpected history: %+v", history)
	}
}
