package stats

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseSample(t *testing.T) {
	tests := []struct {
		line   string
		name   string
		labels map[string]string
		value  float64
		ok     bool
	}{
		{"tripmate_connections_total 12", "tripmate_connections_total", map[string]string{}, 12, true},
		{`tripmate_messages_total{result="ok",type="send_message"} 3`, "tripmate_messages_total",
			map[string]string{"result": "ok", "type": "send_message"}, 3, true},
		{`tripmate_dispatch_latency_seconds_sum{type="ping"} 0.25 1700000000000`, "tripmate_dispatch_latency_seconds_sum",
			map[string]string{"type": "ping"}, 0.25, true},
		{"tripmate_online_users", "", nil, 0, false},
		{`tripmate_messages_total{result="ok" 3`, "", nil, 0, false},
		{"tripmate_online_users NaNx", "", nil, 0, false},
	}
	for _, tt := range tests {
		smp, ok := parseSample(tt.line)
		if ok != tt.ok {
			t.Errorf("parseSample(%q) ok = %v, want %v", tt.line, ok, tt.ok)
			continue
		}
		if !ok {
			continue
		}
		if smp.name != tt.name || smp.value != tt.value {
			t.Errorf("parseSample(%q) = (%q, %v), want (%q, %v)", tt.line, smp.name, smp.value, tt.name, tt.value)
		}
		for k, v := range tt.labels {
			if smp.labels[k] != v {
				t.Errorf("parseSample(%q) label %s = %q, want %q", tt.line, k, smp.labels[k], v)
			}
		}
	}
}

const exposition = `# HELP tripmate_notifications_total Receiver notifications by outcome
# TYPE tripmate_notifications_total counter
tripmate_notifications_total{result="delivered"} 40
tripmate_notifications_total{result="dropped"} 2
tripmate_notifications_total{result="relayed"} 5
tripmate_direct_messages_total{result="stored"} 47
tripmate_direct_messages_total{result="failed"} 1
tripmate_messages_total{result="ok",type="send_message"} 48
tripmate_messages_total{result="ok",type="user_online"} 10
tripmate_dispatch_latency_seconds_sum{type="send_message"} 0.96
tripmate_dispatch_latency_seconds_count{type="send_message"} 48
tripmate_dispatch_latency_seconds_sum{type="ping"} 5
tripmate_dispatch_latency_seconds_count{type="ping"} 100
tripmate_connections_total 20
`

func seriesIndex(t *testing.T, title string) int {
	t.Helper()
	for i, ts := range trackedSeries {
		if ts.title == title {
			return i
		}
	}
	t.Fatalf("no tracked series %q", title)
	return 0
}

func TestReadSnapshot_SplitsByLabel(t *testing.T) {
	snap, err := readSnapshot(strings.NewReader(exposition))
	if err != nil {
		t.Fatalf("readSnapshot: %v", err)
	}

	want := map[string]float64{
		"connections":     20,
		"events":          58,
		"msgs stored":     47,
		"msgs failed":     1,
		"notif delivered": 40,
		"notif relayed":   5,
		"notif dropped":   2,
		"rate limited":    0,
	}
	for title, v := range want {
		if got := snap.values[seriesIndex(t, title)]; got != v {
			t.Errorf("%s = %v, want %v", title, got, v)
		}
	}
	if snap.values[histSum] != 0.96 || snap.values[histCount] != 48 {
		t.Errorf("send_message histogram = (%v, %v), want (0.96, 48)", snap.values[histSum], snap.values[histCount])
	}
}

func TestScraperReport_Deltas(t *testing.T) {
	i := seriesIndex(t, "notif delivered")
	s := &Scraper{snaps: []snapshot{
		{values: map[int]float64{i: 10, histSum: 1, histCount: 10}},
		{values: map[int]float64{i: 30, histSum: 2, histCount: 20}},
		{values: map[int]float64{i: 25, histSum: 3, histCount: 30}},
	}}

	var buf bytes.Buffer
	s.Report(&buf)
	out := buf.String()

	if !strings.Contains(out, "notif delivered") {
		t.Fatalf("report missing series:\n%s", out)
	}
	fields := strings.Fields(lineWith(out, "notif delivered"))
	// title is two words: notif delivered first last delta peak
	if got := strings.Join(fields[2:], " "); got != "10 25 15 30" {
		t.Fatalf("notif delivered row = %q, want \"10 25 15 30\"", got)
	}
	if !strings.Contains(out, "mean 100.00ms over 20 events") {
		t.Fatalf("report missing send_message mean:\n%s", out)
	}
}

func lineWith(out, substr string) string {
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, substr) {
			return line
		}
	}
	return ""
}
