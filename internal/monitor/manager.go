package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/esp32fleet/core/internal/apierr"
	"github.com/esp32fleet/core/internal/broadcast"
	"github.com/esp32fleet/core/internal/buffer"
	"github.com/esp32fleet/core/internal/config"
	"github.com/esp32fleet/core/internal/events"
	"github.com/esp32fleet/core/internal/procrunner"
)

// Descriptor is the read-only view of a session returned by ListSessions.
type Descriptor struct {
	Token     string    `json:"token"`
	Port      string    `json:"port"`
	State     State     `json:"state"`
	Baud      int       `json:"baud"`
	StartedAt time.Time `json:"startedAt"`
}

// Manager enforces one running session per port, and owns the mapping
// from opaque tokens to sessions.
type Manager struct {
	mu      sync.Mutex
	byToken map[string]*Session
	byPort  map[string]*Session

	broadcaster *broadcast.Broadcaster
	buffers     *buffer.Manager
	catalog     *config.BoardCatalogService
	ingest      func(port, line string)

	toolPath      string // external monitor tool, e.g. "arduino-cli"
	resetToolPath string // external reset helper, e.g. "esptool.py"

	spawn   spawnFunc
	resetFn resetFunc
}

// NewManager builds a Manager wired to the shared broadcaster and ring
// buffer manager. catalog seeds auto-baud probing with each board
// profile's preferred rate; it may be nil. ingest is called for every
// line-mode stdout line (auto-baud diagnostic lines included; stderr
// lines and raw chunks excluded) so the Install-Log Ingester can scan
// it; it may be nil.
func NewManager(toolPath, resetToolPath string, catalog *config.BoardCatalogService, bc *broadcast.Broadcaster, bm *buffer.Manager, ingest func(port, line string)) *Manager {
	m := &Manager{
		byToken:       make(map[string]*Session),
		byPort:        make(map[string]*Session),
		broadcaster:   bc,
		buffers:       bm,
		catalog:       catalog,
		ingest:        ingest,
		toolPath:      toolPath,
		resetToolPath: resetToolPath,
	}
	m.spawn = m.defaultSpawn
	m.resetFn = m.defaultReset
	return m
}

// profileBaud resolves the catalog's preferred baud for port by vendor
// heuristic, or 0 when no profile matches.
func (m *Manager) profileBaud(port string) int {
	if m.catalog == nil {
		return 0
	}
	profile, ok := m.catalog.MatchVendor(port)
	if !ok {
		return 0
	}
	if baud, ok := m.catalog.BaudFor(profile.FQBN); ok {
		return baud
	}
	return 0
}

// Start opens a new Monitor Session for opts.Port. Fails with PortBusy if
// the port is already owned by a running or stopping session.
func (m *Manager) Start(ctx context.Context, opts Options) (*Session, error) {
	m.mu.Lock()
	if existing, ok := m.byPort[opts.Port]; ok {
		state := existing.State()
		if state == StateRunning || state == StateStopping || state == StatePending {
			m.mu.Unlock()
			return nil, apierr.New(apierr.PortBusy, fmt.Sprintf("port %s already has an active monitor session", opts.Port))
		}
	}

	token := uuid.NewString()
	if opts.ProfileBaud == 0 {
		opts.ProfileBaud = m.profileBaud(opts.Port)
	}
	sess := newSession(token, opts, m.publish, m.appendLine, m.ingestLine, m.spawn, m.resetFn)
	m.byToken[token] = sess
	m.byPort[opts.Port] = sess
	m.mu.Unlock()

	if err := sess.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.byToken, token)
		if m.byPort[opts.Port] == sess {
			delete(m.byPort, opts.Port)
		}
		m.mu.Unlock()
		return nil, err
	}

	go m.awaitRemoval(sess)
	return sess, nil
}

func (m *Manager) awaitRemoval(sess *Session) {
	sess.OnComplete(context.Background())
	m.mu.Lock()
	if m.byToken[sess.Token] == sess {
		delete(m.byToken, sess.Token)
	}
	if m.byPort[sess.Options.Port] == sess {
		delete(m.byPort, sess.Options.Port)
	}
	m.mu.Unlock()
}

// Stop stops the session identified by token or, if token is empty, by
// port. Idempotent per Session.Stop's contract.
func (m *Manager) Stop(ctx context.Context, token, port string) (*Summary, error) {
	sess, ok := m.find(token, port)
	if !ok {
		return nil, apierr.New(apierr.InvalidInput, "no monitor session for that token/port")
	}
	return sess.Stop(ctx)
}

// StopAll stops every active session and waits for all to terminate.
func (m *Manager) StopAll(ctx context.Context) []*Summary {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.byToken))
	for _, s := range m.byToken {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	summaries := make([]*Summary, 0, len(sessions))
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			summary, err := s.Stop(ctx)
			if err == nil {
				mu.Lock()
				summaries = append(summaries, summary)
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	return summaries
}

func (m *Manager) find(token, port string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token != "" {
		s, ok := m.byToken[token]
		return s, ok
	}
	s, ok := m.byPort[port]
	return s, ok
}

// Get returns the session for token, if any.
func (m *Manager) Get(token string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byToken[token]
	return s, ok
}

// GetByPort returns the session currently owning port, if any.
func (m *Manager) GetByPort(port string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byPort[port]
	return s, ok
}

// ListSessions returns a descriptor for every tracked session.
func (m *Manager) ListSessions() []Descriptor {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.byToken))
	for _, s := range m.byToken {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Descriptor, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, Descriptor{
			Token:     s.Token,
			Port:      s.Options.Port,
			State:     s.State(),
			Baud:      s.Baud(),
			StartedAt: s.StartedAt(),
		})
	}
	return out
}

func (m *Manager) publish(ev events.Event) {
	if m.broadcaster != nil {
		m.broadcaster.Publish(ev)
	}
}

func (m *Manager) appendLine(port string, ev events.Event) {
	if m.buffers != nil {
		m.buffers.Append(port, ev)
	}
}

func (m *Manager) ingestLine(port, line string) {
	if m.ingest != nil {
		m.ingest(port, line)
	}
}

// defaultSpawn opens the external monitor tool against port at baud,
// under a pty: the monitor tool line-buffers and withholds its
// interactive output when stdout is a plain pipe.
func (m *Manager) defaultSpawn(ctx context.Context, port string, baud int) (stream, error) {
	argv := []string{m.toolPath, "monitor", "--port", port, "--config", fmt.Sprintf("baudrate=%d", baud)}
	st, err := procrunner.StartStream(argv, procrunner.StartStreamOptions{PTY: true})
	if err != nil {
		return nil, err
	}
	return procStreamAdapter{s: st}, nil
}

// defaultReset performs the boot-reset pulse by invoking the external
// reset helper, which toggles DTR/RTS on connect. Failure is
// surfaced to the caller, who treats it as non-fatal per the contract.
func (m *Manager) defaultReset(ctx context.Context, port string) error {
	argv := []string{m.resetToolPath, "--port", port, "chip-id"}
	_, err := procrunner.Run(ctx, argv, procrunner.Options{Timeout: 5 * time.Second})
	return err
}
