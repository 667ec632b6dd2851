package mock

import (
	"sync"

	"github.com/combustion-inc/meatnet-fusion/pkg/link"
	"github.com/combustion-inc/meatnet-fusion/pkg/scan"
)

// Scanner is a scriptable scan.Scanner fake: tests and the console
// binary inject decoded advertisements with Emit.
type Scanner struct {
	mu     sync.Mutex
	ch     chan scan.Advertisement
	closed bool
}

// NewScanner creates a Scanner with a buffered advertisement channel.
func NewScanner() *Scanner {
	return &Scanner{ch: make(chan scan.Advertisement, 64)}
}

// Advertisements implements scan.Scanner.
func (s *Scanner) Advertisements() <-chan scan.Advertisement { return s.ch }

// Emit injects one advertisement. Emitting after Stop is a no-op.
func (s *Scanner) Emit(adv scan.Advertisement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- adv:
	default:
	}
}

// Stop closes the advertisement channel, ending any Run loop consuming
// this scanner.
func (s *Scanner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

var _ scan.Scanner = (*Scanner)(nil)

// Fleet bundles a Scanner with a link factory that hands out mock
// Links and remembers them by (device, serial), so a test can reach
// the fake behind any link the Network Manager created.
type Fleet struct {
	*Scanner

	mu    sync.Mutex
	links map[string]*Link
}

// NewFleet creates an empty Fleet.
func NewFleet() *Fleet {
	return &Fleet{Scanner: NewScanner(), links: make(map[string]*Link)}
}

// NewLink implements network.LinkFactory, returning a shared fake per
// (device, serial) pair.
func (f *Fleet) NewLink(deviceID, serialNumber string, isRepeater bool) link.Link {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := deviceID + "/" + serialNumber
	if l, ok := f.links[key]; ok {
		return l
	}
	l := NewLink(deviceID, serialNumber, isRepeater)
	f.links[key] = l
	return l
}

// Link returns the fake for (deviceID, serialNumber), or nil if the
// manager never asked for it.
func (f *Fleet) Link(deviceID, serialNumber string) *Link {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[deviceID+"/"+serialNumber]
}
