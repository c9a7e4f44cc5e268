// Package health is a passive observer of the serial event stream,
// keeping per-port counters and a crashes-per-minute count taken over a
// fixed one-minute window (see rateWindow).
package health

import (
	"sync"
	"time"

	"github.com/esp32fleet/core/internal/events"
)

// Report is the read-only per-port health snapshot.
type Report struct {
	Port             string    `json:"port"`
	Lines            int64     `json:"lines"`
	StderrLines      int64     `json:"stderrLines"`
	CrashLines       int64     `json:"crashLines"`
	RebootLines      int64     `json:"rebootLines"`
	LastCrashText    string    `json:"lastCrashText,omitempty"`
	LastRebootText   string    `json:"lastRebootText,omitempty"`
	FirstSeen        time.Time `json:"firstSeen"`
	LastSeen         time.Time `json:"lastSeen"`
	CrashesPerMinute float64   `json:"crashesPerMinute"`
}

// FleetSummary aggregates every tracked port.
type FleetSummary struct {
	Ports        int     `json:"ports"`
	TotalLines   int64   `json:"totalLines"`
	TotalCrashes int64   `json:"totalCrashes"`
	TotalReboots int64   `json:"totalReboots"`
	WorstCrashRate float64 `json:"worstCrashRate"`
}

type portHealth struct {
	mu             sync.Mutex
	lines          int64
	stderrLines    int64
	crashLines     int64
	rebootLines    int64
	lastCrashText  string
	lastRebootText string
	firstSeen      time.Time
	lastSeen       time.Time
	crashLimiter   *rateWindow
}

// Monitor tracks per-port health counters. It is fed from a broadcaster
// subscription (appctx.RunHealthObserver), not from the publish path
// itself, so events dropped from that subscriber's bounded queue are
// not counted.
type Monitor struct {
	mu    sync.Mutex
	ports map[string]*portHealth
}

// NewMonitor builds an empty health Monitor.
func NewMonitor() *Monitor {
	return &Monitor{ports: make(map[string]*portHealth)}
}

func (m *Monitor) portFor(port string) *portHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.ports[port]
	if !ok {
		p = &portHealth{crashLimiter: newRateWindow(time.Minute)}
		m.ports[port] = p
	}
	return p
}

// Observe updates counters for a serial event; every other event type
// is ignored. Never blocks waiting on I/O.
func (m *Monitor) Observe(ev events.Event) {
	if ev.Type != events.TypeSerial {
		return
	}
	p := m.portFor(ev.Port)
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.firstSeen.IsZero() {
		p.firstSeen = now
	}
	p.lastSeen = now
	p.lines++
	if ev.Stream == "stderr" {
		p.stderrLines++
	}
	if isCrashLine(ev.Line) {
		p.crashLines++
		p.lastCrashText = ev.Line
		p.crashLimiter.record(now)
	}
	if isRebootLine(ev.Line) {
		p.rebootLines++
		p.lastRebootText = ev.Line
	}
}

// Report returns the current snapshot for port, or the zero value if
// nothing has been observed on it yet.
func (m *Monitor) Report(port string) Report {
	m.mu.Lock()
	p, ok := m.ports[port]
	m.mu.Unlock()
	if !ok {
		return Report{Port: port}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return Report{
		Port:             port,
		Lines:            p.lines,
		StderrLines:      p.stderrLines,
		CrashLines:       p.crashLines,
		RebootLines:      p.rebootLines,
		LastCrashText:    p.lastCrashText,
		LastRebootText:   p.lastRebootText,
		FirstSeen:        p.firstSeen,
		LastSeen:         p.lastSeen,
		CrashesPerMinute: p.crashLimiter.ratePerMinute(time.Now()),
	}
}

// AllReports returns a Report for every port that has been observed.
func (m *Monitor) AllReports() []Report {
	m.mu.Lock()
	ports := make([]string, 0, len(m.ports))
	for p := range m.ports {
		ports = append(ports, p)
	}
	m.mu.Unlock()

	out := make([]Report, 0, len(ports))
	for _, p := range ports {
		out = append(out, m.Report(p))
	}
	return out
}

// Summary aggregates every tracked port into a fleet-wide view.
func (m *Monitor) Summary() FleetSummary {
	reports := m.AllReports()
	summary := FleetSummary{Ports: len(reports)}
	for _, r := range reports {
		summary.TotalLines += r.Lines
		summary.TotalCrashes += r.CrashLines
		summary.TotalReboots += r.RebootLines
		if r.CrashesPerMinute > summary.WorstCrashRate {
			summary.WorstCrashRate = r.CrashesPerMinute
		}
	}
	return summary
}

// rateWindow tracks an events-per-window count without keeping a
// growing slice of timestamps: once the window elapses, the counter
// resets on the next record.
type rateWindow struct {
	mu          sync.Mutex
	window      time.Duration
	count       int
	windowStart time.Time
}

func newRateWindow(window time.Duration) *rateWindow {
	return &rateWindow{window: window}
}

func (w *rateWindow) record(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if now.Sub(w.windowStart) > w.window {
		w.windowStart = now
		w.count = 0
	}
	w.count++
}

func (w *rateWindow) ratePerMinute(now time.Time) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if now.Sub(w.windowStart) > w.window || w.count == 0 {
		return 0
	}
	scale := w.window.Minutes()
	if scale == 0 {
		return float64(w.count)
	}
	return float64(w.count) / scale
}
