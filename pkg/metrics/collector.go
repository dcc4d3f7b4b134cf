package metrics

import (
	"time"

	"github.com/octolab/octolab/pkg/storage"
	"github.com/octolab/octolab/pkg/types"
)

// Collector polls the store and refreshes the lab gauges
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect refreshes the gauges from the store once.
func (c *Collector) Collect() {
	c.collectLabMetrics()
	c.collectPortMetrics()
}

func (c *Collector) collectLabMetrics() {
	labs, err := c.store.ListLabs()
	if err != nil {
		return
	}

	counts := make(map[types.LabStatus]map[types.LabRuntime]int)
	active := 0

	for _, lab := range labs {
		if counts[lab.Status] == nil {
			counts[lab.Status] = make(map[types.LabRuntime]int)
		}
		counts[lab.Status][lab.Runtime]++
		if !lab.Status.IsTerminal() {
			active++
		}
	}

	// Reset so statuses that emptied out drop to zero.
	LabsTotal.Reset()
	for status, runtimes := range counts {
		for rt, count := range runtimes {
			LabsTotal.WithLabelValues(string(status), string(rt)).Set(float64(count))
		}
	}
	LabsActive.Set(float64(active))
}

func (c *Collector) collectPortMetrics() {
	ports, err := c.store.ReservedPorts()
	if err != nil {
		return
	}
	PortsReserved.Set(float64(len(ports)))
}
