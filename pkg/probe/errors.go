package probe

import "errors"

// Sentinel errors surfaced at probe.Machine command boundaries.
var (
	ErrLogTransferInProgress = errors.New("probe: log transfer already in progress")
	ErrNoRoute                = errors.New("probe: no link route available")
)
