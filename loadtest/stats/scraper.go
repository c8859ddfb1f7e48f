package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// serverSeries is one row of the server metrics table. With a label set,
// only samples carrying label=value are summed; otherwise every sample of
// the metric is.
type serverSeries struct {
	title  string
	metric string
	label  string
	value  string
}

var trackedSeries = []serverSeries{
	{title: "connections", metric: "tripmate_connections_total"},
	{title: "online users", metric: "tripmate_online_users"},
	{title: "events", metric: "tripmate_messages_total"},
	{title: "msgs stored", metric: "tripmate_direct_messages_total", label: "result", value: "stored"},
	{title: "msgs failed", metric: "tripmate_direct_messages_total", label: "result", value: "failed"},
	{title: "notif delivered", metric: "tripmate_notifications_total", label: "result", value: "delivered"},
	{title: "notif relayed", metric: "tripmate_notifications_total", label: "result", value: "relayed"},
	{title: "notif dropped", metric: "tripmate_notifications_total", label: "result", value: "dropped"},
	{title: "rate limited", metric: "tripmate_rate_limited_total"},
	{title: "relay in", metric: "tripmate_relay_events_total", label: "direction", value: "in"},
	{title: "relay out", metric: "tripmate_relay_events_total", label: "direction", value: "out"},
}

// sendMessageLatency is the dispatch histogram of the direct-message path.
var sendMessageLatency = serverSeries{metric: "tripmate_dispatch_latency_seconds", label: "type", value: "send_message"}

// snapshot maps a trackedSeries index (and -1, -2 for the histogram's sum
// and count) to its value at one scrape.
type snapshot struct {
	at     time.Time
	values map[int]float64
}

const (
	histSum   = -1
	histCount = -2
)

// Scraper polls the server's /metrics endpoint during a run.
type Scraper struct {
	url      string
	interval time.Duration
	http     *http.Client

	mu    sync.Mutex
	snaps []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		url:      metricsURL,
		interval: interval,
		http:     &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
}

// Start scrapes once immediately, then every interval until ctx ends or
// Stop is called. A last scrape is taken on the way out.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrape()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrape()
				return
			case <-ticker.C:
				s.scrape()
			}
		}
	}()
}

// Stop ends scraping and waits for the final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrape() {
	resp, err := s.http.Get(s.url)
	if err != nil {
		return // server not up yet
	}
	defer resp.Body.Close()

	snap, err := readSnapshot(resp.Body)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.snaps = append(s.snaps, snap)
	s.mu.Unlock()
}

// readSnapshot sums the tracked series out of a Prometheus text exposition.
func readSnapshot(r io.Reader) (snapshot, error) {
	snap := snapshot{at: time.Now(), values: make(map[int]float64)}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		smp, ok := parseSample(line)
		if !ok {
			continue
		}
		for i, ts := range trackedSeries {
			if ts.matches(smp) {
				snap.values[i] += smp.value
			}
		}
		switch {
		case sendMessageLatency.matchesSuffix(smp, "_sum"):
			snap.values[histSum] += smp.value
		case sendMessageLatency.matchesSuffix(smp, "_count"):
			snap.values[histCount] += smp.value
		}
	}
	return snap, scanner.Err()
}

func (ts serverSeries) matches(smp sample) bool {
	return ts.matchesSuffix(smp, "")
}

func (ts serverSeries) matchesSuffix(smp sample, suffix string) bool {
	if smp.name != ts.metric+suffix {
		return false
	}
	return ts.label == "" || smp.labels[ts.label] == ts.value
}

// sample is one parsed exposition line.
type sample struct {
	name   string
	labels map[string]string
	value  float64
}

// parseSample parses `name 1`, or `name{k="v",...} 1` with an optional
// trailing timestamp. Label values containing commas or braces are not
// produced by this server and are not supported.
func parseSample(line string) (sample, bool) {
	smp := sample{labels: map[string]string{}}

	rest := line
	if open := strings.IndexByte(line, '{'); open != -1 {
		end := strings.IndexByte(line[open:], '}')
		if end == -1 {
			return sample{}, false
		}
		smp.name = line[:open]
		for _, pair := range strings.Split(line[open+1:open+end], ",") {
			k, v, ok := strings.Cut(pair, "=")
			if !ok {
				continue
			}
			smp.labels[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"`)
		}
		rest = line[open+end+1:]
	}

	fields := strings.Fields(rest)
	if smp.name == "" {
		if len(fields) < 2 {
			return sample{}, false
		}
		smp.name, fields = fields[0], fields[1:]
	}
	if len(fields) == 0 {
		return sample{}, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return sample{}, false
	}
	smp.value = v
	return smp, true
}

// Report writes first, last, delta and peak of every tracked series, and
// the mean send_message handling time over the run.
func (s *Scraper) Report(w io.Writer) {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snaps...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Fprintln(w, "\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Fprintf(w, "\n--- Server Metrics (%d scrapes over %s) ---\n",
		len(snaps), last.at.Sub(first.at).Round(time.Second))
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "metric", "first", "last", "delta", "peak")
	for i, ts := range trackedSeries {
		fmt.Fprintf(w, "  %-16s %10.0f %10.0f %10.0f %10.0f\n", ts.title,
			first.values[i], last.values[i], last.values[i]-first.values[i], peak(snaps, i))
	}

	if n := last.values[histCount] - first.values[histCount]; n > 0 {
		mean := (last.values[histSum] - first.values[histSum]) / n
		fmt.Fprintf(w, "\n  send_message handling: mean %.2fms over %.0f events\n", mean*1000, n)
	}
}

func peak(snaps []snapshot, key int) float64 {
	p := math.Inf(-1)
	for _, s := range snaps {
		p = math.Max(p, s.values[key])
	}
	return p
}
