package monitor

import (
	"context"
	"io"
	"strings"
	"time"
)

// baudCandidateOrder is the probe order tried after the requested rate.
var baudCandidateOrder = []int{115200, 74880, 57600, 9600}

const (
	weightPrintable = 0.60
	weightNewline   = 0.25
	weightKeyword   = 0.15

	earlyStopScore = 0.80
	fallbackScore  = 0.30

	defaultProbeDuration = 1800 * time.Millisecond
)

var baudKeywords = []string{
	"rst:0x", "wifi", "rssi", "http", "webhook", "target-device-name", "guru", "connecting", "ip:",
}

// candidates orders the probe sweep: the requested rate first, then the
// board profile's preferred rate (when the catalog knows one for this
// port), then the generic list, de-duplicated.
func candidates(requested, profile int) []int {
	out := []int{requested}
	if profile > 0 && profile != requested {
		out = append(out, profile)
	}
	for _, c := range baudCandidateOrder {
		if c == requested || c == profile {
			continue
		}
		out = append(out, c)
	}
	return out
}

func confidenceScore(sample []byte) float64 {
	if len(sample) == 0 {
		return 0
	}
	printable := 0
	newlines := 0
	for _, b := range sample {
		switch {
		case b == '\n':
			newlines++
			printable++
		case b == '\r' || b == '\t':
			printable++
		case b >= 0x20 && b < 0x7f:
			printable++
		}
	}
	printableRatio := float64(printable) / float64(len(sample))
	newlineDensity := float64(newlines)
	if newlineDensity > 10 {
		newlineDensity = 10
	}
	newlineDensity /= 10

	lower := strings.ToLower(string(sample))
	keywordBonus := 0.0
	for _, kw := range baudKeywords {
		if strings.Contains(lower, kw) {
			keywordBonus = 1
			break
		}
	}

	return printableRatio*weightPrintable + newlineDensity*weightNewline + keywordBonus*weightKeyword
}

// probeBaud sweeps the candidate list, scoring a short read at each. It
// returns the selected baud, its confidence score, and whether it fell
// back to the requested rate because no candidate cleared the minimum.
func probeBaud(ctx context.Context, port string, requested, profile int, spawn spawnFunc) (baud int, score float64, fallback bool) {
	bestBaud := requested
	bestScore := -1.0

	for _, candidate := range candidates(requested, profile) {
		s := sampleAtBaud(ctx, port, candidate, spawn)
		if s > bestScore {
			bestScore = s
			bestBaud = candidate
		}
		if bestScore >= earlyStopScore {
			break
		}
	}

	if bestScore < fallbackScore {
		return requested, bestScore, true
	}
	return bestBaud, bestScore, false
}

func sampleAtBaud(ctx context.Context, port string, baud int, spawn spawnFunc) float64 {
	probeCtx, cancel := context.WithTimeout(ctx, defaultProbeDuration+500*time.Millisecond)
	defer cancel()

	st, err := spawn(probeCtx, port, baud)
	if err != nil {
		return 0
	}
	defer func() {
		st.Stop()
		st.Close()
	}()

	sample := make([]byte, 0, 4096)
	buf := make([]byte, 1024)
	deadline := time.Now().Add(defaultProbeDuration)
	for time.Now().Before(deadline) {
		readCtx, readCancel := context.WithDeadline(probeCtx, deadline)
		n, err := readWithDeadline(readCtx, st.StdoutReader(), buf)
		readCancel()
		if n > 0 {
			sample = append(sample, buf[:n]...)
		}
		if err != nil {
			break
		}
	}
	return confidenceScore(sample)
}

// readWithDeadline performs one Read, returning early if ctx expires
// first. Real serial-reading subprocess stdout pipes don't honour
// read deadlines directly, so this runs the Read in a goroutine and
// races it against the context — acceptable for a bounded probe window.
func readWithDeadline(ctx context.Context, r io.Reader, buf []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := r.Read(buf)
		ch <- result{n, err}
	}()
	select {
	case res := <-ch:
		return res.n, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
