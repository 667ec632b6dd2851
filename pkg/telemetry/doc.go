// Package telemetry provides structured protocol-level event logging
// for the probe fusion engine.
//
// It is separate from operational logging (slog): telemetry captures a
// complete, machine-readable trace of the events that drive probe state
// (advertisements, link state changes, status notifications, published
// snapshots, prediction ticks, log-transfer lifecycle) so a session can
// be replayed and diagnosed offline. Applications configure it by
// handing a Logger to the Network Manager, which passes it on to every
// probe machine it creates:
//
//	// Development: events on the console via slog.
//	m := network.New(s, factory, network.WithTelemetry(telemetry.NewSlogAdapter(slog.Default())))
//
//	// Production: append-only binary capture.
//	fileLogger, _ := telemetry.NewFileLogger("/var/log/meatnet/session.mlog")
//	m := network.New(s, factory, network.WithTelemetry(fileLogger))
//
//	// Both at once.
//	m := network.New(s, factory, network.WithTelemetry(telemetry.NewMultiLogger(
//		telemetry.NewSlogAdapter(slog.Default()),
//		fileLogger,
//	)))
//
// Capture files use CBOR encoding (integer keys, canonical sort) for
// compactness and are read back with Reader, optionally filtered.
package telemetry
