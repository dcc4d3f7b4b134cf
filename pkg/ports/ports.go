package ports

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"time"

	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/storage"
)

// ErrExhausted is returned when no port in the configured range can be
// reserved. Drivers translate it into their pool-exhausted error.
var ErrExhausted = errors.New("no free ports in range")

// Allocator hands out host ports for desktop endpoints from a fixed
// range. Reservations live in the store, so allocations survive
// restarts and are serialized across concurrent provisioners.
type Allocator struct {
	store    storage.Store
	bindHost string
	start    int
	end      int
	rnd      *rand.Rand

	// probe reports whether the port is actually bindable on the host.
	// Swapped out in tests.
	probe func(host string, port int) bool
}

// NewAllocator creates a port allocator over [start, end].
func NewAllocator(store storage.Store, bindHost string, start, end int) *Allocator {
	return &Allocator{
		store:    store,
		bindHost: bindHost,
		start:    start,
		end:      end,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		probe:    probeListen,
	}
}

// Allocate reserves a free port for the lab. It scans the range from a
// random offset, skipping ports that are already reserved or that the
// host refuses to bind. Returns ErrExhausted when the scan completes
// without a reservation.
func (a *Allocator) Allocate(labID, ownerID string) (int, error) {
	reserved, err := a.store.ReservedPorts()
	if err != nil {
		return 0, fmt.Errorf("failed to read port reservations: %w", err)
	}

	size := a.end - a.start + 1
	offset := a.rnd.Intn(size)
	for i := 0; i < size; i++ {
		port := a.start + (offset+i)%size
		if _, taken := reserved[port]; taken {
			continue
		}
		if !a.probe(a.bindHost, port) {
			continue
		}
		err := a.store.ReservePort(port, labID, ownerID)
		if errors.Is(err, storage.ErrPortTaken) {
			// Raced another allocator between the snapshot and the
			// reserve. Keep scanning.
			continue
		}
		if err != nil {
			return 0, err
		}
		log.Logger.Debug().
			Str("component", "ports").
			Str("lab_id", labID).
			Int("port", port).
			Msg("port allocated")
		return port, nil
	}

	return 0, fmt.Errorf("range %d-%d: %w", a.start, a.end, ErrExhausted)
}

// Release drops the lab's reservation. Safe to call when the lab holds
// none.
func (a *Allocator) Release(labID string) error {
	return a.store.ReleasePortForLab(labID)
}

// probeListen checks bindability by briefly listening on the port.
func probeListen(host string, port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
