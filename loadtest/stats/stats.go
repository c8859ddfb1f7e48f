// Package stats aggregates client-side measurements of a load test run into
// named latency series and per-cause error counts, and prints them next to
// the server's own Prometheus counters.
package stats

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// Latency series recorded by the load test flows.
const (
	Connect      = "connect"      // dial until session_created
	Announce     = "announce"     // user_online until online_users
	Echo         = "echo"         // send_message until the sender's own new_message
	Delivery     = "delivery"     // send_message until the partner's new_message
	Notification = "notification" // send_message until the partner's notification
)

// reportOrder fixes the order of the known series in Report. Series outside
// it are printed after, sorted by name.
var reportOrder = []string{Connect, Announce, Echo, Delivery, Notification}

// Summary is the distribution of one latency series.
type Summary struct {
	N   int
	Avg time.Duration
	P50 time.Duration
	P95 time.Duration
	P99 time.Duration
	Max time.Duration
}

// Summarize computes the distribution of samples without modifying it.
func Summarize(samples []time.Duration) Summary {
	n := len(samples)
	if n == 0 {
		return Summary{}
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := func(q float64) time.Duration {
		return sorted[int(math.Ceil(float64(n)*q))-1]
	}

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: sorted[n/2],
		P95: rank(0.95),
		P99: rank(0.99),
		Max: sorted[n-1],
	}
}

// Collector is shared by every simulated client of a run.
type Collector struct {
	mu        sync.Mutex
	started   time.Time
	latencies map[string][]time.Duration
	failures  map[string]int
	scraper   *Scraper
}

// NewCollector starts the run clock.
func NewCollector() *Collector {
	return &Collector{
		started:   time.Now(),
		latencies: make(map[string][]time.Duration),
		failures:  make(map[string]int),
	}
}

// SetScraper attaches server-side metrics to the report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// Observe records one latency sample in series.
func (c *Collector) Observe(series string, d time.Duration) {
	c.mu.Lock()
	c.latencies[series] = append(c.latencies[series], d)
	c.mu.Unlock()
}

// Fail counts one failure attributed to cause, e.g. a series name or a
// server error code such as "error:message_failed".
func (c *Collector) Fail(cause string) {
	c.mu.Lock()
	c.failures[cause]++
	c.mu.Unlock()
}

// Count returns the number of samples in series.
func (c *Collector) Count(series string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.latencies[series])
}

// Failures returns the total number of failures over all causes.
func (c *Collector) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.failures {
		total += n
	}
	return total
}

// Summary returns the distribution of series.
func (c *Collector) Summary(series string) Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Summarize(c.latencies[series])
}

// Report writes the run summary to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	elapsed := time.Since(c.started)
	series := orderedKeys(c.latencies, reportOrder)
	summaries := make([]Summary, len(series))
	for i, name := range series {
		summaries[i] = Summarize(c.latencies[name])
	}
	causes := orderedKeys(c.failures, nil)
	failures := make([]int, len(causes))
	for i, cause := range causes {
		failures[i] = c.failures[cause]
	}
	connects := len(c.latencies[Connect])
	scraper := c.scraper
	c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", connects)

	if len(series) > 0 {
		fmt.Fprintln(w, "\n--- Latency ---")
		fmt.Fprintf(w, "  %-14s %8s %10s %10s %10s %10s %10s\n", "series", "n", "avg", "p50", "p95", "p99", "max")
		for i, name := range series {
			s := summaries[i]
			fmt.Fprintf(w, "  %-14s %8d %10v %10v %10v %10v %10v\n", name, s.N,
				s.Avg.Round(time.Microsecond), s.P50.Round(time.Microsecond),
				s.P95.Round(time.Microsecond), s.P99.Round(time.Microsecond),
				s.Max.Round(time.Microsecond))
		}
	}

	if len(causes) > 0 {
		fmt.Fprintln(w, "\n--- Failures ---")
		for i, cause := range causes {
			fmt.Fprintf(w, "  %-28s %8d\n", cause, failures[i])
		}
	} else {
		fmt.Fprintln(w, "\nFailures:     0")
	}

	if scraper != nil {
		scraper.Report(w)
	}
	fmt.Fprintln(w)
}

// orderedKeys returns the keys of m, those listed in first leading in that
// order and the rest sorted.
func orderedKeys[V any](m map[string]V, first []string) []string {
	keys := make([]string, 0, len(m))
	seen := make(map[string]bool, len(first))
	for _, k := range first {
		if _, ok := m[k]; ok {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	var rest []string
	for k := range m {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}
