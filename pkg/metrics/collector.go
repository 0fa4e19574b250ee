package metrics

import (
	"context"
	"time"

	"github.com/cuemby/octolabd/pkg/storage"
)

// Collector periodically polls the lab store and republishes gauges that
// can't be updated inline by the components mutating individual rows —
// labs_total needs a full scan to stay accurate across every writer.
type Collector struct {
	labs   *storage.LabStore
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector backed by a lab store.
func NewCollector(labs *storage.LabStore) *Collector {
	return &Collector{
		labs:   labs,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15s tick.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	counts, err := c.labs.CountByStatusRuntime(ctx)
	if err != nil {
		return
	}

	LabsTotal.Reset()
	for key, n := range counts {
		status, runtime := key[0], key[1]
		LabsTotal.WithLabelValues(status, runtime).Set(float64(n))
	}
}
