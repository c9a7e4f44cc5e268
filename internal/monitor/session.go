// Package monitor owns live serial connections: one Session per port,
// each wrapping a child subprocess, with auto-baud detection, crash
// detection, and a pending→running→stopping→terminated lifecycle.
package monitor

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/esp32fleet/core/internal/apierr"
	"github.com/esp32fleet/core/internal/events"
	"github.com/esp32fleet/core/internal/logger"
	"github.com/esp32fleet/core/internal/procrunner"
)

// State is one node of the session lifecycle.
type State string

const (
	StatePending    State = "pending"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateTerminated State = "terminated"
)

// Stop reasons reported on the serial_end event.
const (
	ReasonManual    = "manual"
	ReasonTimeLimit = "time_limit"
	ReasonPattern   = "pattern_match"
	ReasonLineLimit = "line_limit"
	ReasonError     = "error"
	ReasonCompleted = "completed"
)

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func stripEscapes(line string) string {
	return ansiEscape.ReplaceAllString(line, "")
}

// Summary is the terminal outcome of a session.
type Summary struct {
	Reason         string
	ElapsedSeconds float64
	LastLine       string
	ExitCode       int
	RebootDetected bool
}

// Options configures a Monitor Session start request.
type Options struct {
	Port         string
	Baud         int // requested baud; used verbatim unless AutoBaud
	AutoBaud     bool
	ProfileBaud  int // board-profile preferred baud, probed right after Baud; 0 = none
	RawMode      bool
	ChunkSize    int // raw mode chunk size in bytes, default 256
	StopOn       *regexp.Regexp
	MaxLines     int // 0 = unlimited
	MaxSeconds   int // 0 = unlimited
	ResetPulse   bool
	DetectReboot bool
}

func (o Options) chunkSize() int {
	if o.ChunkSize > 0 {
		return o.ChunkSize
	}
	return 256
}

// stream abstracts the subset of procrunner.Stream the session needs, so
// tests can substitute a fake subprocess without spawning anything real.
type stream interface {
	StdoutReader() io.Reader
	StderrReader() io.Reader
	Done() <-chan struct{}
	ExitCode() int
	Stop()
	Close() error
}

type procStreamAdapter struct{ s *procrunner.Stream }

func (a procStreamAdapter) StdoutReader() io.Reader { return a.s.Stdout }
func (a procStreamAdapter) StderrReader() io.Reader { return a.s.Stderr }
func (a procStreamAdapter) Done() <-chan struct{}   { return a.s.Done() }
func (a procStreamAdapter) ExitCode() int           { return a.s.ExitCode() }
func (a procStreamAdapter) Stop()                   { a.s.Stop() }
func (a procStreamAdapter) Close() error            { return a.s.Close() }

// spawnFunc opens the streaming subprocess for port at baud.
type spawnFunc func(ctx context.Context, port string, baud int) (stream, error)

// resetFunc performs the device reset pulse. Non-fatal on error.
type resetFunc func(ctx context.Context, port string) error

// Session owns a single logical serial connection to one port.
type Session struct {
	Token   string
	Options Options

	publish func(events.Event)
	append  func(port string, ev events.Event)
	ingest  func(port string, line string)
	spawn   spawnFunc
	reset   resetFunc
	log     slogger

	mu             sync.Mutex
	state          State
	baud           int
	lineNumber     int
	rebootDetected bool
	lastLine       string
	startedAt      time.Time
	summary        *Summary
	doneCh         chan struct{}
	once           sync.Once

	stream        stream
	cancel        context.CancelFunc
	stopRequested bool
}

// slogger is a narrow alias so this file doesn't import log/slog
// directly in three different places.
type slogger = interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// crashPatterns are the default crash/reboot signals. Matching any of
// them flips the session's sticky rebootDetected flag.
var crashPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rst:0x[0-9a-f]+`),
	regexp.MustCompile(`Brownout detector`),
	regexp.MustCompile(`Backtrace:`),
	regexp.MustCompile(`Guru Meditation Error`),
	regexp.MustCompile(`CPU halted`),
	regexp.MustCompile(`panic`),
	regexp.MustCompile(`assert failed`),
	regexp.MustCompile(`(Load|Store|InstrFetch)Prohibited`),
	regexp.MustCompile(`IllegalInstruction`),
}

func isCrashLine(line string) bool {
	for _, re := range crashPatterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

func newSession(token string, opts Options, publish func(events.Event), appendLine func(string, events.Event), ingest func(string, string), spawn spawnFunc, reset resetFunc) *Session {
	return &Session{
		Token:   token,
		Options: opts,
		publish: publish,
		append:  appendLine,
		ingest:  ingest,
		spawn:   spawn,
		reset:   reset,
		log:     logger.For("monitor"),
		state:   StatePending,
		baud:    opts.Baud,
		doneCh:  make(chan struct{}),
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Baud returns the baud rate the session settled on (after auto-baud).
func (s *Session) Baud() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baud
}

// StartedAt returns when the session entered running, or the zero time
// if it never did.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Start is idempotent: calling it more than once after the first success
// is a no-op.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StatePending {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)

	baud := s.Options.Baud
	if s.Options.AutoBaud {
		probed, score, fallback := probeBaud(runCtx, s.Options.Port, s.Options.Baud, s.Options.ProfileBaud, s.spawn)
		baud = probed
		if fallback {
			s.publishDiagnostic(fmt.Sprintf("auto-baud: no candidate scored above threshold, falling back to %d", baud))
		} else {
			s.publishDiagnostic(fmt.Sprintf("auto-baud: selected %d (score %.2f)", baud, score))
		}
	}

	if s.Options.ResetPulse && s.reset != nil {
		if err := s.reset(runCtx, s.Options.Port); err != nil {
			s.log.Warn("reset pulse failed, continuing", "port", s.Options.Port, "err", err)
		}
	}

	st, err := s.spawn(runCtx, s.Options.Port, baud)
	if err != nil {
		cancel()
		return apierr.Wrap(apierr.SpawnFailed, "spawn monitor subprocess", err)
	}

	s.mu.Lock()
	s.state = StateRunning
	s.baud = baud
	s.startedAt = time.Now()
	s.stream = st
	s.cancel = cancel
	s.mu.Unlock()

	go s.runLoop(st)
	return nil
}

func (s *Session) publishDiagnostic(msg string) {
	ev := events.Event{Type: events.TypeSerial, Port: s.Options.Port, Line: msg, Timestamp: time.Now(), Baud: s.baud}
	s.emit(ev)
}

// emit assigns the next line number, then fans the event out to the
// broadcaster, the port's ring buffer, and the install-log ingester, in
// that order. The ingester only receives line-mode stdout lines, not
// stderr lines or raw chunks.
func (s *Session) emit(ev events.Event) {
	s.mu.Lock()
	s.lineNumber++
	ev.LineNumber = s.lineNumber
	s.lastLine = ev.Line
	s.mu.Unlock()

	if s.publish != nil {
		s.publish(ev)
	}
	if s.append != nil {
		s.append(s.Options.Port, ev)
	}
	if s.ingest != nil && ev.Stream == "" && !ev.Raw {
		s.ingest(s.Options.Port, ev.Line)
	}
}

func (s *Session) runLoop(st stream) {
	linesCh := make(chan events.Event, 64)

	var wg sync.WaitGroup
	if s.Options.RawMode {
		wg.Add(1)
		go s.readChunks(st.StdoutReader(), linesCh, &wg)
	} else {
		wg.Add(1)
		go s.readLines(st.StdoutReader(), "", linesCh, &wg)
		wg.Add(1)
		go s.readLines(st.StderrReader(), "stderr", linesCh, &wg)
	}

	go func() {
		wg.Wait()
		close(linesCh)
	}()

	var maxTimer <-chan time.Time
	if s.Options.MaxSeconds > 0 {
		t := time.NewTimer(time.Duration(s.Options.MaxSeconds) * time.Second)
		defer t.Stop()
		maxTimer = t.C
	}

	// After the subprocess exits, buffered lines the readers already
	// pulled off the pipe are still in flight; give them a short window
	// to land before finalizing.
	procDone := st.Done()
	var drainDeadline <-chan time.Time

	reason := ""
loop:
	for {
		select {
		case ev, ok := <-linesCh:
			if !ok {
				reason = ReasonCompleted
				break loop
			}
			s.handleLine(ev)
			if r := s.stopConditionAfter(ev); r != "" {
				reason = r
				break loop
			}
		case <-maxTimer:
			reason = ReasonTimeLimit
			break loop
		case <-procDone:
			procDone = nil
			t := time.NewTimer(500 * time.Millisecond)
			defer t.Stop()
			drainDeadline = t.C
		case <-drainDeadline:
			reason = ReasonCompleted
			break loop
		}
	}

	s.mu.Lock()
	s.state = StateStopping
	s.mu.Unlock()

	// Keep the readers unblocked while the subprocess winds down, so a
	// full channel can't wedge them against a closed consumer.
	go func() {
		for range linesCh {
		}
	}()

	st.Stop()
	<-st.Done()
	exitCode := st.ExitCode()
	st.Close()
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	stopRequested := s.stopRequested
	s.mu.Unlock()
	if reason == ReasonCompleted && stopRequested {
		reason = ReasonManual
	} else if exitCode != 0 && reason == ReasonCompleted {
		reason = ReasonError
	}

	s.finish(reason, exitCode)
}

func (s *Session) handleLine(ev events.Event) {
	if s.Options.DetectReboot && isCrashLine(ev.Line) {
		s.mu.Lock()
		s.rebootDetected = true
		s.mu.Unlock()
	}
	s.emit(ev)
}

// stopConditionAfter tests the stop conditions against the event that
// was just emitted: stop-regex first, then the line-count cap. The
// stop-regex only applies to line-mode stdout output; the cap counts
// every emission, chunks included.
func (s *Session) stopConditionAfter(ev events.Event) string {
	if s.Options.StopOn != nil && !ev.Raw && ev.Stream == "" && s.Options.StopOn.MatchString(ev.Line) {
		return ReasonPattern
	}
	if s.Options.MaxLines > 0 {
		s.mu.Lock()
		n := s.lineNumber
		s.mu.Unlock()
		if n >= s.Options.MaxLines {
			return ReasonLineLimit
		}
	}
	return ""
}

func (s *Session) readLines(r io.Reader, streamTag string, out chan<- events.Event, wg *sync.WaitGroup) {
	defer wg.Done()
	if r == nil {
		return
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := stripEscapes(scanner.Text())
		out <- events.Event{Type: events.TypeSerial, Port: s.Options.Port, Line: line, Timestamp: time.Now(), Baud: s.Baud(), Stream: streamTag}
	}
}

func (s *Session) readChunks(r io.Reader, out chan<- events.Event, wg *sync.WaitGroup) {
	defer wg.Done()
	if r == nil {
		return
	}
	buf := make([]byte, s.Options.chunkSize())
	for {
		n, err := r.Read(buf)
		if n > 0 {
			encoded := base64.StdEncoding.EncodeToString(buf[:n])
			out <- events.Event{Type: events.TypeSerial, Port: s.Options.Port, Line: encoded, Raw: true, Timestamp: time.Now(), Baud: s.Baud()}
		}
		if err != nil {
			return
		}
	}
}

// finish resolves the session exactly once.
func (s *Session) finish(reason string, exitCode int) {
	s.once.Do(func() {
		s.mu.Lock()
		s.state = StateTerminated
		elapsed := 0.0
		if !s.startedAt.IsZero() {
			elapsed = time.Since(s.startedAt).Seconds()
		}
		summary := &Summary{
			Reason:         reason,
			ElapsedSeconds: elapsed,
			LastLine:       s.lastLine,
			ExitCode:       exitCode,
			RebootDetected: s.rebootDetected,
		}
		s.summary = summary
		s.mu.Unlock()

		ev := events.Event{
			Type:           events.TypeSerialEnd,
			Port:           s.Options.Port,
			Reason:         reason,
			ElapsedSeconds: elapsed,
			RebootDetected: summary.RebootDetected,
			LastLine:       summary.LastLine,
			ExitCode:       exitCode,
			Timestamp:      time.Now(),
		}
		if s.publish != nil {
			s.publish(ev)
		}
		if s.append != nil {
			s.append(s.Options.Port, ev)
		}
		close(s.doneCh)
	})
}

// Stop cooperatively ends the session. Idempotent: repeated calls return
// once the same summary is available.
func (s *Session) Stop(ctx context.Context) (*Summary, error) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case StatePending:
		s.finish(ReasonManual, 0)
	case StateRunning:
		s.mu.Lock()
		s.stopRequested = true
		stream := s.stream
		s.mu.Unlock()
		if stream != nil {
			stream.Stop()
		}
	}
	return s.OnComplete(ctx)
}

// OnComplete blocks until the session reaches terminated, or ctx is
// cancelled.
func (s *Session) OnComplete(ctx context.Context) (*Summary, error) {
	select {
	case <-s.doneCh:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.summary, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
