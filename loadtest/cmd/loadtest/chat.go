package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/tripmate/realtime/loadtest/client"
	"github.com/tripmate/realtime/loadtest/stats"
)

// latencyPrefix marks load test messages. The send time in nanoseconds
// follows it, then padding.
const latencyPrefix = "lt:"

// pair is two simulated users sharing one conversation.
type pair struct {
	a, b   int64
	ca, cb *client.Client
}

// runChat implements the direct-message load test. Each simulated pair
// connects, announces presence, joins its conversation room and then both
// sides exchange messages at a fixed interval. From the send time carried in
// the body it measures the sender's own new_message echo, the partner's
// new_message and the partner's notification as separate series.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 100, "Number of user pairs")
	baseID := fs.Int64("base-user-id", 1_000_000, "First simulated user ID")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 3*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	fmt.Printf("Chat test: %d pairs to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d)\n",
		*pairs, *url, *rampUp, *chatDuration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	var sent, received, rateLimited, serverErrors atomic.Int64

	// -----------------------------------------------------------------------
	// Phase 1: connect, announce and join
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect pairs ---")

	interval := *rampUp / time.Duration(*pairs)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	ready := make([]*pair, 0, *pairs)

	connect := func(self, other int64) (*client.Client, error) {
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		c, err := client.New(connCtx, *url)
		if err != nil {
			return nil, err
		}
		if err := c.WaitForSession(connCtx); err != nil {
			c.Close()
			return nil, err
		}
		collector.Observe(stats.Connect, c.GetMetrics().ConnectLatency)

		c.On(client.TypeNewMessage, func(raw json.RawMessage) {
			var m struct {
				SenderID int64  `json:"sender_id"`
				Message  string `json:"message"`
			}
			if err := json.Unmarshal(raw, &m); err != nil {
				return
			}
			d, ok := messageLatency(m.Message, time.Now())
			if !ok {
				return
			}
			if m.SenderID == self {
				collector.Observe(stats.Echo, d)
				return
			}
			received.Add(1)
			collector.Observe(stats.Delivery, d)
		})
		c.On(client.TypeNotification, func(raw json.RawMessage) {
			var n struct {
				Notification struct {
					Data struct {
						Message string `json:"message"`
					} `json:"data"`
				} `json:"notification"`
			}
			if err := json.Unmarshal(raw, &n); err != nil {
				return
			}
			if d, ok := messageLatency(n.Notification.Data.Message, time.Now()); ok {
				collector.Observe(stats.Notification, d)
			}
		})
		c.On(client.TypeRateLimited, func(json.RawMessage) {
			rateLimited.Add(1)
			collector.Fail("rate_limited")
		})
		c.On(client.TypeError, func(raw json.RawMessage) {
			var e struct {
				Code string `json:"code"`
			}
			_ = json.Unmarshal(raw, &e)
			serverErrors.Add(1)
			collector.Fail("error:" + e.Code)
		})

		announced := time.Now()
		if err := c.Announce(self); err != nil {
			c.Close()
			return nil, err
		}
		if _, err := c.Expect(connCtx, client.TypeOnlineUsers, nil); err != nil {
			c.Close()
			return nil, err
		}
		collector.Observe(stats.Announce, time.Since(announced))
		if err := c.JoinConversation(self, other); err != nil {
			c.Close()
			return nil, err
		}
		return c, nil
	}

	ticker := time.NewTicker(interval)
launch:
	for i := 0; i < *pairs; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during connection phase.")
			break launch
		case <-ticker.C:
		}

		p := &pair{a: *baseID + int64(2*i), b: *baseID + int64(2*i+1)}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			ca, err := connect(p.a, p.b)
			if err != nil {
				collector.Fail(stats.Connect)
				return
			}
			cb, err := connect(p.b, p.a)
			if err != nil {
				collector.Fail(stats.Connect)
				ca.Close()
				return
			}
			p.ca, p.cb = ca, cb

			mu.Lock()
			ready = append(ready, p)
			mu.Unlock()
		}()
	}
	ticker.Stop()
	wg.Wait()

	fmt.Printf("Connected %d/%d pairs (%d failures)\n", len(ready), *pairs, collector.Failures())

	// -----------------------------------------------------------------------
	// Phase 2: exchange messages
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 2: Exchange messages ---")

	chatCtx, chatCancel := context.WithTimeout(ctx, *chatDuration)
	padding := strings.Repeat("x", max(0, *msgSize-32))

	talk := func(c *client.Client, self, other int64) {
		defer wg.Done()
		t := time.NewTicker(*msgInterval)
		defer t.Stop()
		for {
			select {
			case <-chatCtx.Done():
				return
			case now := <-t.C:
				text := latencyPrefix + strconv.FormatInt(now.UnixNano(), 10) + ":" + padding
				if err := c.SendDirect(self, other, text); err != nil {
					collector.Fail("send")
					return
				}
				sent.Add(1)
			}
		}
	}

	for _, p := range ready {
		wg.Add(2)
		go talk(p.ca, p.a, p.b)
		go talk(p.cb, p.b, p.a)
	}

	progress := time.NewTicker(5 * time.Second)
progressLoop:
	for {
		select {
		case <-chatCtx.Done():
			break progressLoop
		case <-progress.C:
			fmt.Printf("  [chat] sent: %d  received: %d  rate-limited: %d  errors: %d\n",
				sent.Load(), received.Load(), rateLimited.Load(), serverErrors.Load())
		}
	}
	progress.Stop()
	chatCancel()
	wg.Wait()

	// Let in-flight deliveries land.
	time.Sleep(time.Second)

	// -----------------------------------------------------------------------
	// Cleanup
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Cleanup ---")
	for _, p := range ready {
		p.ca.Close()
		p.cb.Close()
	}
	scraper.Stop()

	fmt.Printf("\nMessages sent: %d  delivered: %d  rate-limited: %d\n",
		sent.Load(), received.Load(), rateLimited.Load())
	if s := sent.Load(); s > 0 {
		fmt.Printf("Delivery ratio: %.2f%%\n", float64(received.Load())/float64(s)*100)
	}
	collector.Report(os.Stdout)
}

// messageLatency extracts the send time from a load test message and returns
// the elapsed time at now.
func messageLatency(text string, now time.Time) (time.Duration, bool) {
	rest, ok := strings.CutPrefix(text, latencyPrefix)
	if !ok {
		return 0, false
	}
	stamp, _, _ := strings.Cut(rest, ":")
	ns, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return 0, false
	}
	return now.Sub(time.Unix(0, ns)), true
}
