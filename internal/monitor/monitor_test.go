package monitor

import (
	"context"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/esp32fleet/core/internal/broadcast"
	"github.com/esp32fleet/core/internal/buffer"
	"github.com/esp32fleet/core/internal/events"
)

// fakeStream is an in-memory stand-in for procStreamAdapter, letting
// tests drive a session's stdout/stderr without spawning a real
// subprocess.
type fakeStream struct {
	stdout *io.PipeReader
	stderr *io.PipeReader
	done   chan struct{}
	exit   int
	stopCh chan struct{}
}

func newFakeStream() (*fakeStream, *io.PipeWriter, *io.PipeWriter) {
	or, ow := io.Pipe()
	er, ew := io.Pipe()
	fs := &fakeStream{stdout: or, stderr: er, done: make(chan struct{}), stopCh: make(chan struct{})}
	return fs, ow, ew
}

func (f *fakeStream) StdoutReader() io.Reader { return f.stdout }
func (f *fakeStream) StderrReader() io.Reader { return f.stderr }
func (f *fakeStream) Done() <-chan struct{}   { return f.done }
func (f *fakeStream) ExitCode() int           { return f.exit }
func (f *fakeStream) Stop() {
	select {
	case <-f.stopCh:
	default:
		close(f.stopCh)
	}
	f.stdout.Close()
	f.stderr.Close()
}
func (f *fakeStream) Close() error { return nil }

func (f *fakeStream) finish(exit int) {
	f.exit = exit
	close(f.done)
}

func writeLinesAndClose(w *io.PipeWriter, lines ...string) {
	for _, l := range lines {
		w.Write([]byte(l + "\n"))
	}
	w.Close()
}

func TestCrashDetectionEndToEnd(t *testing.T) {
	fs, stdout, stderr := newFakeStream()
	stderr.Close()

	spawn := func(ctx context.Context, port string, baud int) (stream, error) { return fs, nil }

	bc := broadcast.New()
	defer bc.Close()
	bm := buffer.NewManager(100)

	var published []events.Event
	sub := bc.Subscribe()
	defer bc.Unsubscribe(sub)

	sess := newSession("tok1", Options{Port: "/dev/ttyUSB0", Baud: 115200, DetectReboot: true}, bc.Publish, func(port string, ev events.Event) { bm.Append(port, ev) }, nil, spawn, nil)
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	go writeLinesAndClose(stdout, "A", "B", "Guru Meditation Error", "C")

	go func() {
		time.Sleep(100 * time.Millisecond)
		fs.finish(0)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	summary, err := sess.OnComplete(ctx)
	if err != nil {
		t.Fatalf("OnComplete: %v", err)
	}
	if !summary.RebootDetected {
		t.Fatal("expected RebootDetected=true")
	}
	if summary.Reason != ReasonCompleted {
		t.Fatalf("reason = %q, want completed", summary.Reason)
	}

	for {
		ev, _, ok := sub.Next(ctx)
		if !ok {
			break
		}
		published = append(published, ev)
		if ev.Type == events.TypeSerialEnd {
			break
		}
	}
	serialCount := 0
	for _, ev := range published {
		if ev.Type == events.TypeSerial {
			serialCount++
		}
	}
	if serialCount != 4 {
		t.Fatalf("serial event count = %d, want 4", serialCount)
	}
}

func TestDetectRebootOffLeavesFlagClear(t *testing.T) {
	fs, stdout, stderr := newFakeStream()
	stderr.Close()
	spawn := func(ctx context.Context, port string, baud int) (stream, error) { return fs, nil }

	bm := buffer.NewManager(100)
	sess := newSession("tok1", Options{Port: "/dev/ttyUSB0", Baud: 115200}, func(events.Event) {}, func(port string, ev events.Event) { bm.Append(port, ev) }, nil, spawn, nil)
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	go writeLinesAndClose(stdout, "Guru Meditation Error")
	go func() {
		time.Sleep(50 * time.Millisecond)
		fs.finish(0)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	summary, err := sess.OnComplete(ctx)
	if err != nil {
		t.Fatalf("OnComplete: %v", err)
	}
	if summary.RebootDetected {
		t.Fatal("expected RebootDetected=false with detection disabled")
	}
}

func TestStopOnPattern(t *testing.T) {
	fs, stdout, stderr := newFakeStream()
	stderr.Close()
	spawn := func(ctx context.Context, port string, baud int) (stream, error) { return fs, nil }

	bm := buffer.NewManager(100)
	var published []events.Event
	publish := func(ev events.Event) { published = append(published, ev) }

	sess := newSession("tok1", Options{
		Port:   "/dev/ttyUSB0",
		Baud:   115200,
		StopOn: regexp.MustCompile(`^READY$`),
	}, publish, func(port string, ev events.Event) { bm.Append(port, ev) }, nil, spawn, nil)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	go func() {
		stdout.Write([]byte("boot\ninit\nREADY\nX\nY\n"))
	}()
	go func() {
		time.Sleep(200 * time.Millisecond)
		fs.finish(0)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	summary, err := sess.OnComplete(ctx)
	if err != nil {
		t.Fatalf("OnComplete: %v", err)
	}
	if summary.Reason != ReasonPattern {
		t.Fatalf("reason = %q, want pattern_match", summary.Reason)
	}

	serialCount := 0
	for _, ev := range published {
		if ev.Type == events.TypeSerial {
			serialCount++
		}
	}
	if serialCount != 3 {
		t.Fatalf("serial event count = %d, want 3 (boot, init, READY)", serialCount)
	}
}

func TestMaxLinesStopsSession(t *testing.T) {
	fs, stdout, stderr := newFakeStream()
	stderr.Close()
	spawn := func(ctx context.Context, port string, baud int) (stream, error) { return fs, nil }

	bm := buffer.NewManager(100)
	var published []events.Event
	publish := func(ev events.Event) { published = append(published, ev) }

	sess := newSession("tok1", Options{Port: "/dev/ttyUSB0", Baud: 115200, MaxLines: 2}, publish, func(port string, ev events.Event) { bm.Append(port, ev) }, nil, spawn, nil)
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	go func() {
		stdout.Write([]byte("a\nb\nc\nd\n"))
	}()
	go func() {
		<-fs.stopCh
		fs.finish(0)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	summary, err := sess.OnComplete(ctx)
	if err != nil {
		t.Fatalf("OnComplete: %v", err)
	}
	if summary.Reason != ReasonLineLimit {
		t.Fatalf("reason = %q, want line_limit", summary.Reason)
	}

	serialCount := 0
	for _, ev := range published {
		if ev.Type == events.TypeSerial {
			serialCount++
		}
	}
	if serialCount != 2 {
		t.Fatalf("serial event count = %d, want 2", serialCount)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	fs, stdout, stderr := newFakeStream()
	stdout.Close()
	stderr.Close()
	spawn := func(ctx context.Context, port string, baud int) (stream, error) { return fs, nil }

	bm := buffer.NewManager(100)
	sess := newSession("tok1", Options{Port: "/dev/ttyUSB0", Baud: 115200}, func(events.Event) {}, func(port string, ev events.Event) { bm.Append(port, ev) }, nil, spawn, nil)
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		fs.finish(0)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s1, err := sess.Stop(ctx)
	if err != nil {
		t.Fatalf("first stop: %v", err)
	}
	s2, err := sess.Stop(ctx)
	if err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if s1.Reason != s2.Reason || s1.ElapsedSeconds != s2.ElapsedSeconds {
		t.Fatalf("expected identical summaries, got %+v vs %+v", s1, s2)
	}
}

func TestManagerEnforcesPortBusy(t *testing.T) {
	fs1, stdout1, stderr1 := newFakeStream()
	stderr1.Close()
	spawn := func(ctx context.Context, port string, baud int) (stream, error) { return fs1, nil }

	bc := broadcast.New()
	defer bc.Close()
	bm := buffer.NewManager(100)
	m := NewManager("arduino-cli", "esptool.py", nil, bc, bm, nil)
	m.spawn = spawn

	_, err := m.Start(context.Background(), Options{Port: "/dev/ttyUSB0", Baud: 115200})
	if err != nil {
		t.Fatalf("first start: %v", err)
	}

	_, err = m.Start(context.Background(), Options{Port: "/dev/ttyUSB0", Baud: 115200})
	if err == nil {
		t.Fatal("expected second start on same port to fail with PortBusy")
	}

	stdout1.Close()
	fs1.finish(0)
}

func TestCandidatesSeedProfileBaudAfterRequested(t *testing.T) {
	got := candidates(9600, 74880)
	want := []int{9600, 74880, 115200, 57600}
	if len(got) != len(want) {
		t.Fatalf("candidates = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidates = %v, want %v", got, want)
		}
	}

	// No profile hint: just the requested rate then the generic order.
	got = candidates(115200, 0)
	want = []int{115200, 74880, 57600, 9600}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidates = %v, want %v", got, want)
		}
	}
}

func TestConfidenceScoreWeighsSignals(t *testing.T) {
	silent := confidenceScore([]byte{0x00, 0x00, 0x00})
	noisy := confidenceScore([]byte("rst:0x1 booting\nwifi connecting\nip: 10.0.0.2\n"))
	if noisy <= silent {
		t.Fatalf("expected noisy sample to score higher: noisy=%f silent=%f", noisy, silent)
	}
	if noisy < 0.8 {
		t.Fatalf("expected keyword-rich printable sample to score high, got %f", noisy)
	}
}
