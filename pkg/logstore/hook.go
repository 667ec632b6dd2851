package logstore

import "time"

// CompletionRecord summarizes one finished log transfer, handed to a
// CompletionHook when the Probe State Machine finalizes it.
type CompletionRecord struct {
	SerialNumber      string
	DeviceID          string
	SessionID         string
	MinSequenceNumber uint32
	MaxSequenceNumber uint32
	RecordsDownloaded int
	CompletedAt       time.Time
}

// CompletionHook is the persistence-hook collaborator invoked when a
// log session ends. The engine never depends on a concrete store,
// only on this function type.
type CompletionHook func(rec CompletionRecord)
