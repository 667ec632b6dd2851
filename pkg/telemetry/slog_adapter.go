package telemetry

import (
	"context"
	"log/slog"
)

// SlogAdapter writes Events to an slog.Logger at Debug level, useful
// for following fusion-engine activity on the console during
// development.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a SlogAdapter writing to logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes event as a structured slog record.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("category", event.Category.String()),
	}
	if event.SerialNumber != "" {
		attrs = append(attrs, slog.String("serial", event.SerialNumber))
	}
	if event.DeviceID != "" {
		attrs = append(attrs, slog.String("device", event.DeviceID))
	}

	switch {
	case event.Advertisement != nil:
		a := event.Advertisement
		attrs = append(attrs,
			slog.String("mode", a.Mode),
			slog.Int("hop", a.HopCount),
			slog.Bool("suppressed", a.Suppressed),
			slog.Bool("replaced", a.Replaced),
		)
	case event.Link != nil:
		l := event.Link
		if l.OldState != "" || l.NewState != "" {
			attrs = append(attrs, slog.String("old_state", l.OldState), slog.String("new_state", l.NewState))
		}
		if l.RSSI != nil {
			attrs = append(attrs, slog.Int("rssi", *l.RSSI))
		}
		if l.Command != "" {
			attrs = append(attrs, slog.String("command", l.Command))
		}
		if l.OutOfRange {
			attrs = append(attrs, slog.Bool("out_of_range", true))
		}
	case event.Status != nil:
		s := event.Status
		attrs = append(attrs,
			slog.Bool("from_preferred", s.FromPreferredLink),
			slog.Uint64("min_seq", uint64(s.MinSequence)),
			slog.Uint64("max_seq", uint64(s.MaxSequence)),
		)
		if s.SessionChanged {
			attrs = append(attrs, slog.Bool("session_changed", true))
		}
	case event.Snapshot != nil:
		s := event.Snapshot
		attrs = append(attrs, slog.String("connection_state", s.ConnectionState))
		if s.PreferredLinkID != "" {
			attrs = append(attrs, slog.String("preferred_link", s.PreferredLinkID))
		}
	case event.Prediction != nil:
		p := event.Prediction
		attrs = append(attrs,
			slog.Int("raw_seconds", p.RawSeconds),
			slog.Int("seconds_remaining", p.SecondsRemaining),
			slog.Bool("fine_resolution", p.FineResolution),
		)
	case event.LogTransfer != nil:
		l := event.LogTransfer
		attrs = append(attrs, slog.String("phase", l.Phase))
		if l.PinnedDeviceID != "" {
			attrs = append(attrs, slog.String("pinned_device", l.PinnedDeviceID))
		}
	case event.Command != nil:
		c := event.Command
		attrs = append(attrs,
			slog.String("correlation_id", c.CorrelationID),
			slog.String("command", c.Name),
			slog.String("phase", c.Phase),
		)
		if c.Phase == "response" {
			attrs = append(attrs, slog.Bool("ok", c.OK))
		}
		if c.Error != "" {
			attrs = append(attrs, slog.String("error", c.Error))
		}
	case event.Error != nil:
		e := event.Error
		attrs = append(attrs, slog.String("error_context", e.Context), slog.String("error_message", e.Message))
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "fusion", attrs...)
}

var _ Logger = (*SlogAdapter)(nil)
