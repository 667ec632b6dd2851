// Command probe-console is an interactive console over a Network
// Manager wired to mock collaborators. It exists to exercise the
// fusion engine end to end without a radio stack: advertisements and
// status notifications are injected by hand, and the resulting
// snapshots are inspected live.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/combustion-inc/meatnet-fusion/internal/mock"
	"github.com/combustion-inc/meatnet-fusion/pkg/logstore"
	"github.com/combustion-inc/meatnet-fusion/pkg/network"
	"github.com/combustion-inc/meatnet-fusion/pkg/settings"
	"github.com/combustion-inc/meatnet-fusion/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to YAML settings file")
	capturePath := flag.String("capture", "", "write telemetry events to this CBOR file")
	verbose := flag.Bool("verbose", false, "log telemetry events to the console")
	flag.Parse()

	s := settings.Default()
	if *configPath != "" {
		loaded, err := settings.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load settings: %v\n", err)
			os.Exit(1)
		}
		s = loaded
	}

	var loggers []telemetry.Logger
	if *verbose {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
		loggers = append(loggers, telemetry.NewSlogAdapter(slog.New(handler)))
	}
	if *capturePath != "" {
		fileLogger, err := telemetry.NewFileLogger(*capturePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open capture file: %v\n", err)
			os.Exit(1)
		}
		defer fileLogger.Close()
		loggers = append(loggers, fileLogger)
	}

	fleet := mock.NewFleet()
	manager := network.New(s, fleet,
		network.WithTelemetry(telemetry.NewMultiLogger(loggers...)),
		network.WithCompletionHook(func(rec logstore.CompletionRecord) {
			fmt.Printf("log transfer complete: %s session=%s records=%d\n",
				rec.SerialNumber, rec.SessionID, rec.RecordsDownloaded)
		}),
	)
	defer manager.Finish()

	console := NewConsole(manager, fleet)
	console.Run()
}
