package connectivity

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/thisai/crmsync/internal/remote"
)

// Prober periodically pings the remote store and feeds the verdict to a
// Monitor.
type Prober struct {
	pinger   remote.Pinger
	monitor  *Monitor
	interval time.Duration
	timeout  time.Duration
	logger   *log.Logger
}

// NewProber creates a prober. Zero durations use 15s interval and 5s timeout.
func NewProber(pinger remote.Pinger, monitor *Monitor, interval, timeout time.Duration, logger *log.Logger) *Prober {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	return &Prober{
		pinger:   pinger,
		monitor:  monitor,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// ProbeOnce pings once, records and returns the verdict.
func (p *Prober) ProbeOnce(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.pinger.Ping(ctx)
	online := err == nil
	if was := p.monitor.Online(); was != online && !p.monitor.Forced() {
		if online {
			p.logger.Println("Remote store reachable")
		} else {
			p.logger.Printf("Remote store unreachable: %v", err)
		}
	}
	p.monitor.Set(online)
	return online
}

// Run probes immediately and then every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.ProbeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}
