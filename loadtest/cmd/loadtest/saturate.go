package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/tripmate/realtime/loadtest/client"
	"github.com/tripmate/realtime/loadtest/stats"
)

// saturateOpts are the flags of the saturate command.
type saturateOpts struct {
	url         string
	connections int
	ramp        time.Duration
	hold        time.Duration
	concurrency int
	baseUserID  int64
	metricsURL  string
}

// fleet is the set of connections a saturate run holds open.
type fleet struct {
	mu      sync.Mutex
	clients []*client.Client
}

func (f *fleet) add(c *client.Client) {
	f.mu.Lock()
	f.clients = append(f.clients, c)
	f.mu.Unlock()
}

// alive counts connections whose read loop has not failed.
func (f *fleet) alive() (alive, total int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.clients {
		if c.GetMetrics().Errors == 0 {
			alive++
		}
	}
	return alive, len(f.clients)
}

func (f *fleet) closeAll() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.clients {
		c.Close()
	}
	return len(f.clients)
}

// runSaturate opens many connections, holds them, and reports how many the
// server kept. With -base-user-id every connection announces its own user,
// which loads the presence registry and fans a user_status broadcast out to
// every connection already open; the announce series then shows how that
// broadcast cost grows with the connection count.
func runSaturate(args []string) {
	var o saturateOpts
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	fs.StringVar(&o.url, "url", "ws://localhost:8080/ws", "WebSocket server URL")
	fs.IntVar(&o.connections, "connections", 1000, "Number of connections to open")
	fs.DurationVar(&o.ramp, "ramp", 10*time.Second, "Ramp-up duration")
	fs.DurationVar(&o.hold, "hold", 30*time.Second, "Hold duration after all connections are open")
	fs.IntVar(&o.concurrency, "concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	fs.Int64Var(&o.baseUserID, "base-user-id", 0, "Announce user IDs starting here (0 keeps connections anonymous)")
	fs.StringVar(&o.metricsURL, "metrics-url", "", "Prometheus metrics endpoint URL (empty disables scraping)")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		o.connections, o.url, o.ramp, o.hold, o.concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	var scraper *stats.Scraper
	if o.metricsURL != "" {
		scraper = stats.NewScraper(o.metricsURL, 2*time.Second)
		collector.SetScraper(scraper)
		scraper.Start(ctx)
	}

	f := &fleet{}
	completed := rampUp(ctx, o, f, collector)
	if completed {
		holdOpen(ctx, o.hold, f)
	}

	fmt.Printf("\nClosed %d connections.\n", f.closeAll())
	if scraper != nil {
		scraper.Stop()
	}
	collector.Report(os.Stdout)
}

// rampUp opens o.connections at an even pace over o.ramp. It reports false
// when interrupted.
func rampUp(ctx context.Context, o saturateOpts, f *fleet, collector *stats.Collector) bool {
	fmt.Println("\n--- Ramp-up ---")

	pace := o.ramp / time.Duration(o.connections)
	if pace <= 0 {
		pace = time.Millisecond
	}

	var nextUser atomic.Int64
	nextUser.Store(o.baseUserID)

	open := func() {
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		c, err := client.New(connCtx, o.url)
		if err != nil {
			collector.Fail("dial")
			return
		}
		if err := c.WaitForSession(connCtx); err != nil {
			collector.Fail("session_created")
			c.Close()
			return
		}
		collector.Observe(stats.Connect, c.GetMetrics().ConnectLatency)

		if o.baseUserID > 0 {
			start := time.Now()
			if err := c.Announce(nextUser.Add(1) - 1); err != nil {
				collector.Fail(stats.Announce)
				c.Close()
				return
			}
			if _, err := c.Expect(connCtx, client.TypeOnlineUsers, nil); err != nil {
				collector.Fail(stats.Announce)
				c.Close()
				return
			}
			collector.Observe(stats.Announce, time.Since(start))
		}
		f.add(c)
	}

	progressDone := make(chan struct{})
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		last, lastAt := 0, time.Now()
		for {
			select {
			case <-progressDone:
				return
			case now := <-t.C:
				n := collector.Count(stats.Connect)
				fmt.Printf("  [ramp] connections: %d/%d  failures: %d  rate: %.1f conn/s\n",
					n, o.connections, collector.Failures(), float64(n-last)/now.Sub(lastAt).Seconds())
				last, lastAt = n, now
			}
		}
	}()

	sem := make(chan struct{}, o.concurrency)
	var wg sync.WaitGroup
	ticker := time.NewTicker(pace)
	start := time.Now()
	completed := true

launch:
	for i := 0; i < o.connections; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			completed = false
			break launch
		case <-ticker.C:
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			open()
		}()
	}
	ticker.Stop()
	wg.Wait()
	close(progressDone)

	fmt.Printf("\nRamp-up done: %d/%d connections in %s (%d failures)\n",
		collector.Count(stats.Connect), o.connections,
		time.Since(start).Round(time.Millisecond), collector.Failures())
	return completed
}

// holdOpen keeps the fleet open for d, printing how many connections the
// server has dropped.
func holdOpen(ctx context.Context, d time.Duration, f *fleet) {
	_, initial := f.alive()
	fmt.Printf("\n--- Hold %d connections for %s ---\n", initial, d)

	timer := time.NewTimer(d)
	defer timer.Stop()
	status := time.NewTicker(5 * time.Second)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during hold.")
			return
		case <-timer.C:
			alive, total := f.alive()
			fmt.Printf("Hold complete: %d/%d alive, %d dropped.\n", alive, total, total-alive)
			return
		case <-status.C:
			alive, total := f.alive()
			fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, total, total-alive)
		}
	}
}
