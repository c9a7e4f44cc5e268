package health

import (
	"testing"

	"github.com/esp32fleet/core/internal/events"
)

func TestObserveCountsLinesAndCrashes(t *testing.T) {
	m := NewMonitor()
	m.Observe(events.Event{Type: events.TypeSerial, Port: "/dev/ttyUSB0", Line: "booting"})
	m.Observe(events.Event{Type: events.TypeSerial, Port: "/dev/ttyUSB0", Line: "Guru Meditation Error"})
	m.Observe(events.Event{Type: events.TypeSerial, Port: "/dev/ttyUSB0", Line: "stderr noise", Stream: "stderr"})

	report := m.Report("/dev/ttyUSB0")
	if report.Lines != 3 {
		t.Fatalf("lines = %d, want 3", report.Lines)
	}
	if report.CrashLines != 1 {
		t.Fatalf("crashLines = %d, want 1", report.CrashLines)
	}
	if report.StderrLines != 1 {
		t.Fatalf("stderrLines = %d, want 1", report.StderrLines)
	}
	if report.LastCrashText != "Guru Meditation Error" {
		t.Fatalf("lastCrashText = %q", report.LastCrashText)
	}
	if report.FirstSeen.IsZero() || report.LastSeen.IsZero() {
		t.Fatal("expected firstSeen/lastSeen to be set")
	}
}

func TestObserveIgnoresSerialEnd(t *testing.T) {
	m := NewMonitor()
	m.Observe(events.Event{Type: events.TypeSerialEnd, Port: "/dev/ttyUSB0"})
	report := m.Report("/dev/ttyUSB0")
	if report.Lines != 0 {
		t.Fatalf("lines = %d, want 0 (serial_end should not count)", report.Lines)
	}
}

func TestSummaryAggregatesAcrossPorts(t *testing.T) {
	m := NewMonitor()
	m.Observe(events.Event{Type: events.TypeSerial, Port: "/dev/ttyUSB0", Line: "panic: oops"})
	m.Observe(events.Event{Type: events.TypeSerial, Port: "/dev/ttyUSB1", Line: "all quiet"})

	summary := m.Summary()
	if summary.Ports != 2 {
		t.Fatalf("ports = %d, want 2", summary.Ports)
	}
	if summary.TotalLines != 2 {
		t.Fatalf("totalLines = %d, want 2", summary.TotalLines)
	}
	if summary.TotalCrashes != 1 {
		t.Fatalf("totalCrashes = %d, want 1", summary.TotalCrashes)
	}
}

func TestRebootLineDistinctFromGenericCrash(t *testing.T) {
	m := NewMonitor()
	m.Observe(events.Event{Type: events.TypeSerial, Port: "/dev/ttyUSB0", Line: "rst:0xc (SW_CPU_RESET)"})
	m.Observe(events.Event{Type: events.TypeSerial, Port: "/dev/ttyUSB0", Line: "assert failed: foo.c:42"})

	report := m.Report("/dev/ttyUSB0")
	if report.RebootLines != 1 {
		t.Fatalf("rebootLines = %d, want 1", report.RebootLines)
	}
	if report.CrashLines != 2 {
		t.Fatalf("crashLines = %d, want 2 (both count as crash signals)", report.CrashLines)
	}
}
