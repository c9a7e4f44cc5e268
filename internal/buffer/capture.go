package buffer

import (
	"context"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/esp32fleet/core/internal/events"
)

// Capture states.
const (
	CaptureActive    = "active"
	CaptureMatched   = "matched"
	CaptureTimeout   = "timeout"
	CaptureCancelled = "cancelled"
	CaptureLineCap   = "line-cap"
)

// CaptureResult is the terminal outcome of a resolved capture.
type CaptureResult struct {
	CaptureID string   `json:"captureId"`
	Port      string   `json:"port"`
	State     string   `json:"state"`
	Lines     []string `json:"lines,omitempty"`
	MatchLine string   `json:"matchLine,omitempty"`
}

// CaptureDescriptor summarizes an active capture for listing.
type CaptureDescriptor struct {
	ID        string    `json:"id"`
	Port      string    `json:"port"`
	Pattern   string    `json:"pattern"`
	MaxLines  int       `json:"maxLines,omitempty"`
	Deadline  time.Time `json:"deadline"`
	LinesSeen int       `json:"linesSeen"`
}

// Capture is a named, deadline-bounded wait for a pattern over a port's
// live stream. It resolves exactly once.
type Capture struct {
	ID       string
	Port     string
	Pattern  *regexp.Regexp
	MaxLines int
	Deadline time.Time

	buf      *portBuffer
	lines    []string
	resultCh chan CaptureResult
	timer    *time.Timer
}

// Wait blocks until the capture resolves or ctx is cancelled.
func (c *Capture) Wait(ctx context.Context) (CaptureResult, bool) {
	select {
	case r := <-c.resultCh:
		return r, true
	case <-ctx.Done():
		return CaptureResult{}, false
	}
}

type resolvedDelivery struct {
	ch     chan CaptureResult
	result CaptureResult
}

func (r resolvedDelivery) deliver() {
	select {
	case r.ch <- r.result:
	default:
	}
}

// resolveLocked finalizes c with the given state and removes it from the
// port's active set. Caller must hold b.mu and must not call this twice
// for the same capture.
func resolveLocked(b *portBuffer, c *Capture, state, matchLine string) resolvedDelivery {
	delete(b.captures, c.ID)
	if c.timer != nil {
		c.timer.Stop()
	}
	lines := make([]string, len(c.lines))
	copy(lines, c.lines)
	return resolvedDelivery{ch: c.resultCh, result: CaptureResult{
		CaptureID: c.ID,
		Port:      c.Port,
		State:     state,
		Lines:     lines,
		MatchLine: matchLine,
	}}
}

// matchCaptures tests ev against every active capture on b, resolving
// those that match or hit their line cap. Caller must hold b.mu.
func matchCaptures(b *portBuffer, ev events.Event) []resolvedDelivery {
	if ev.Type != events.TypeSerial || len(b.captures) == 0 {
		return nil
	}
	var resolved []resolvedDelivery
	for _, c := range b.captures {
		if c.Pattern.MatchString(ev.Line) {
			resolved = append(resolved, resolveLocked(b, c, CaptureMatched, ev.Line))
			continue
		}
		c.lines = append(c.lines, ev.Line)
		if c.MaxLines > 0 && len(c.lines) >= c.MaxLines {
			resolved = append(resolved, resolveLocked(b, c, CaptureLineCap, ""))
		}
	}
	return resolved
}

// cancelAllLocked resolves every active capture on b as cancelled.
// Caller must hold b.mu.
func cancelAllLocked(b *portBuffer) []resolvedDelivery {
	var resolved []resolvedDelivery
	for _, c := range b.captures {
		resolved = append(resolved, resolveLocked(b, c, CaptureCancelled, ""))
	}
	return resolved
}

// StartCapture begins a new capture on port. The caller owns pattern
// compilation (and any PatternInvalid translation) — this layer only
// consumes an already-compiled regexp.
func (m *Manager) StartCapture(port string, pattern *regexp.Regexp, timeout time.Duration, maxLines int) *Capture {
	b := m.buffer(port)
	c := &Capture{
		ID:       uuid.NewString(),
		Port:     port,
		Pattern:  pattern,
		MaxLines: maxLines,
		Deadline: time.Now().Add(timeout),
		buf:      b,
		resultCh: make(chan CaptureResult, 1),
	}

	// Register and arm under one lock so a concurrent match can't
	// observe the capture before its timer exists.
	b.mu.Lock()
	b.captures[c.ID] = c
	c.timer = time.AfterFunc(timeout, func() {
		b.mu.Lock()
		cur, ok := b.captures[c.ID]
		if !ok || cur != c {
			b.mu.Unlock()
			return
		}
		d := resolveLocked(b, c, CaptureTimeout, "")
		b.mu.Unlock()
		d.deliver()
	})
	b.mu.Unlock()
	return c
}

// CancelCapture cancels the named capture on any port, if still active.
func (m *Manager) CancelCapture(captureID string) bool {
	m.mu.RLock()
	ports := make([]*portBuffer, 0, len(m.ports))
	for _, b := range m.ports {
		ports = append(ports, b)
	}
	m.mu.RUnlock()

	for _, b := range ports {
		b.mu.Lock()
		c, ok := b.captures[captureID]
		if !ok {
			b.mu.Unlock()
			continue
		}
		d := resolveLocked(b, c, CaptureCancelled, "")
		b.mu.Unlock()
		d.deliver()
		return true
	}
	return false
}

// ActiveCaptures lists active captures. If port is non-empty, only that
// port's captures are returned.
func (m *Manager) ActiveCaptures(port string) []CaptureDescriptor {
	m.mu.RLock()
	var bufs []*portBuffer
	if port != "" {
		if b, ok := m.ports[port]; ok {
			bufs = []*portBuffer{b}
		}
	} else {
		for _, b := range m.ports {
			bufs = append(bufs, b)
		}
	}
	m.mu.RUnlock()

	var out []CaptureDescriptor
	for _, b := range bufs {
		b.mu.Lock()
		for _, c := range b.captures {
			out = append(out, CaptureDescriptor{
				ID:        c.ID,
				Port:      c.Port,
				Pattern:   c.Pattern.String(),
				MaxLines:  c.MaxLines,
				Deadline:  c.Deadline,
				LinesSeen: len(c.lines),
			})
		}
		b.mu.Unlock()
	}
	return out
}
