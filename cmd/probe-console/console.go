package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/combustion-inc/meatnet-fusion/internal/mock"
	"github.com/combustion-inc/meatnet-fusion/pkg/link"
	"github.com/combustion-inc/meatnet-fusion/pkg/network"
	"github.com/combustion-inc/meatnet-fusion/pkg/probe"
	"github.com/combustion-inc/meatnet-fusion/pkg/scan"
)

// Console handles the interactive command loop.
type Console struct {
	manager *network.Manager
	fleet   *mock.Fleet
}

// NewConsole creates a console over manager and its mock fleet.
func NewConsole(manager *network.Manager, fleet *mock.Fleet) *Console {
	return &Console{manager: manager, fleet: fleet}
}

// Run starts the interactive command loop.
func (c *Console) Run() {
	reader := bufio.NewReader(os.Stdin)

	c.printHelp()

	for {
		fmt.Print("\nprobe> ")
		input, err := reader.ReadString('\n')
		if err != nil {
			return
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			c.printHelp()

		case "adv":
			c.cmdAdvertise(args)

		case "status":
			c.cmdStatus(args)

		case "probes", "list", "ls":
			c.cmdProbes()

		case "snapshot", "snap":
			c.cmdSnapshot(args)

		case "connect":
			c.cmdConnect(args)

		case "disconnect":
			c.cmdDisconnect(args)

		case "log":
			c.cmdLog(args)

		case "unlink":
			c.cmdUnlink(args)

		case "firmware", "fw":
			c.cmdFirmware()

		case "quit", "exit", "q":
			fmt.Println("Exiting...")
			return

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (c *Console) printHelp() {
	fmt.Println(`
Probe Console Commands:
  Injection:
    adv <device> <serial> <hop> [ir]  - Inject an advertisement (ir = instant-read mode)
    status <device> <serial> <min> <max> <session> - Inject a status notification

  Inspection:
    probes                            - List tracked probes
    snapshot <serial>                 - Show a probe's fused snapshot
    firmware                          - Show orphan-repeater firmware map

  Control:
    connect <serial>                  - Request connect via the policy
    disconnect <serial>               - Request disconnect via the policy
    log <serial>                      - Start a log transfer
    unlink <serial>                   - Drop the probe from the fleet

  quit                                - Exit`)
}

func (c *Console) cmdAdvertise(args []string) {
	if len(args) < 3 {
		fmt.Println("Usage: adv <device> <serial> <hop> [ir]")
		return
	}
	hop, err := strconv.Atoi(args[2])
	if err != nil {
		fmt.Printf("bad hop count: %v\n", err)
		return
	}

	adv := scan.Advertisement{
		DeviceID:      args[0],
		SerialNumber:  args[1],
		HopCount:      hop,
		Mode:          scan.ModeNormal,
		IsConnectable: true,
		Product:       scan.ProductProbe,
		ProbeTemperatures: scan.ProbeTemperatures{
			22.0, 22.5, 23.0, 23.5, 24.0, 24.5, 25.0, 25.5,
		},
		VirtualSensors: scan.VirtualSensors{Core: 0, Surface: 3, Ambient: 7},
	}
	if hop > 0 {
		adv.Product = scan.ProductDisplay
	}
	if len(args) > 3 && args[3] == "ir" {
		adv.Mode = scan.ModeInstantRead
		adv.InstantReadCelsius = 55.0
	}

	c.manager.HandleAdvertisement(adv)
	fmt.Printf("advertised %s via %s (hop %d, %s)\n", adv.SerialNumber, adv.DeviceID, hop, adv.Mode)
}

func (c *Console) cmdStatus(args []string) {
	if len(args) < 5 {
		fmt.Println("Usage: status <device> <serial> <min> <max> <session>")
		return
	}
	l := c.fleet.Link(args[0], args[1])
	if l == nil {
		fmt.Printf("no link %s/%s — advertise it first\n", args[0], args[1])
		return
	}
	minSeq, err1 := strconv.ParseUint(args[2], 10, 32)
	maxSeq, err2 := strconv.ParseUint(args[3], 10, 32)
	if err1 != nil || err2 != nil {
		fmt.Println("bad sequence numbers")
		return
	}

	l.PushStatus(link.StatusNotification{
		MinSequenceNumber: uint32(minSeq),
		MaxSequenceNumber: uint32(maxSeq),
		SessionID:         args[4],
		Temperatures:      [8]float64{50, 51, 52, 53, 54, 55, 56, 57},
	})
	fmt.Println("status injected")
}

func (c *Console) cmdProbes() {
	serials := c.manager.Probes()
	sort.Strings(serials)
	if len(serials) == 0 {
		fmt.Println("no probes tracked")
		return
	}
	for _, serial := range serials {
		snap := c.manager.Probe(serial).CurrentSnapshot()
		fmt.Printf("  %s  state=%s preferred=%s hop=%d\n",
			serial, snap.ConnectionState, snap.PreferredLinkMAC, snap.PreferredLinkHopCount)
	}
}

func (c *Console) cmdSnapshot(args []string) {
	machine := c.probeFor(args)
	if machine == nil {
		return
	}
	snap := machine.CurrentSnapshot()

	fmt.Printf("serial:        %s\n", snap.SerialNumber)
	fmt.Printf("state:         %s\n", snap.ConnectionState)
	fmt.Printf("preferred:     %s (hop %d)\n", snap.PreferredLinkMAC, snap.PreferredLinkHopCount)
	fmt.Printf("session:       %q period=%dms\n", snap.SessionInfo.SessionID, snap.SessionInfo.SamplePeriodMillis)
	if snap.MinSequenceNumber != nil && snap.MaxSequenceNumber != nil {
		fmt.Printf("sequence:      %d..%d\n", *snap.MinSequenceNumber, *snap.MaxSequenceNumber)
	}
	fmt.Printf("core/surf/amb: %.1f / %.1f / %.1f\n", snap.CoreTemperature, snap.SurfaceTemperature, snap.AmbientTemperature)
	if snap.HasInstantRead {
		fmt.Printf("instant read:  %.1f (raw %.1f)\n", snap.InstantReadSmoothed, snap.InstantReadRaw)
	}
	fmt.Printf("upload:        %s (%d records, %.0f%%)\n", snap.UploadState, snap.RecordsDownloaded, snap.LogUploadPercent)
	fmt.Printf("stale:         status=%v prediction=%v\n", snap.StatusNotificationsStale, snap.PredictionStale)
}

func (c *Console) cmdConnect(args []string) {
	machine := c.probeFor(args)
	if machine == nil {
		return
	}
	if err := machine.Connect(context.Background()); err != nil {
		fmt.Printf("connect: %v\n", err)
		return
	}
	fmt.Println("connect requested")
}

func (c *Console) cmdDisconnect(args []string) {
	machine := c.probeFor(args)
	if machine == nil {
		return
	}
	if err := machine.Disconnect(context.Background()); err != nil {
		fmt.Printf("disconnect: %v\n", err)
		return
	}
	fmt.Println("disconnect requested")
}

func (c *Console) cmdLog(args []string) {
	machine := c.probeFor(args)
	if machine == nil {
		return
	}
	ok, err := machine.RequestLog(context.Background())
	if err != nil {
		fmt.Printf("log request: %v\n", err)
		return
	}
	fmt.Printf("log request ok=%v\n", ok)
}

func (c *Console) cmdUnlink(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: unlink <serial>")
		return
	}
	if err := c.manager.Unlink(args[0]); err != nil {
		fmt.Printf("unlink: %v\n", err)
		return
	}
	fmt.Printf("unlinked %s\n", args[0])
}

func (c *Console) cmdFirmware() {
	state := c.manager.FirmwareStateOfNetwork()
	if len(state) == 0 {
		fmt.Println("no orphan repeaters seen")
		return
	}
	for deviceID, info := range state {
		fmt.Printf("  %s  fw=%s hw=%s\n", deviceID, info.FirmwareVersion, info.HardwareRevision)
	}
}

func (c *Console) probeFor(args []string) *probe.Machine {
	if len(args) < 1 {
		fmt.Println("Usage: <command> <serial>")
		return nil
	}
	machine := c.manager.Probe(args[0])
	if machine == nil {
		fmt.Printf("unknown probe %q\n", args[0])
		return nil
	}
	return machine
}
