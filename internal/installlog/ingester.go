// Package installlog scans framed serial lines for a well-known
// registration marker, parses bracketed key:value tokens into an
// InstallLogEntry, deduplicates against a sliding window of recent
// device identifiers, and persists new entries to an append-only
// JSON-lines file.
package installlog

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/esp32fleet/core/internal/events"
)

// Prefix is the well-known marker the firmware emits before a
// registration record. A line must contain this prefix to be considered.
const Prefix = "INSTALL_LOG:"

// DefaultDedupWindow is the number of most-recent device identifiers
// checked for a duplicate submission.
const DefaultDedupWindow = 50

var tokenPattern = regexp.MustCompile(`\[([a-zA-Z_][a-zA-Z0-9_]*):([^\]]*)\]`)

// Result is returned by Ingest for every line, whether or not it carried
// a registration record. Key is the composite timestamp+identifier the
// entry was stored under; empty for duplicates and non-matches.
type Result struct {
	Matched   bool
	Duplicate bool
	Key       string
	Entry     events.InstallLogEntry
}

func entryKey(ts time.Time, deviceID string) string {
	return fmt.Sprintf("%d-%s", ts.UnixMilli(), deviceID)
}

// Ingester scans lines for Prefix, dedups by device identifier, and
// persists new entries.
type Ingester struct {
	mu        sync.Mutex
	path      string
	window    int
	recent    []string // most recent device identifiers, oldest first
	publish   func(events.Event)
	nicknames func(port string) string
}

// New builds an Ingester that appends to path. nicknameFn resolves a
// port's current nickname at detection time; it may be nil.
func New(path string, publish func(events.Event), nicknameFn func(port string) string) *Ingester {
	return &Ingester{
		path:      path,
		window:    DefaultDedupWindow,
		publish:   publish,
		nicknames: nicknameFn,
	}
}

// parseTokens extracts every [key:value] token following Prefix.
func parseTokens(line string) (map[string]string, bool) {
	idx := strings.Index(line, Prefix)
	if idx < 0 {
		return nil, false
	}
	rest := line[idx+len(Prefix):]
	matches := tokenPattern.FindAllStringSubmatch(rest, -1)
	if len(matches) == 0 {
		return nil, false
	}
	tokens := make(map[string]string, len(matches))
	for _, m := range matches {
		tokens[m[1]] = m[2]
	}
	return tokens, true
}

func entryFromTokens(tokens map[string]string, port, nickname string) events.InstallLogEntry {
	entry := events.InstallLogEntry{
		DeviceID:   tokens["device"],
		Status:     tokens["status"],
		CustomerID: tokens["customer"],
		Note:       tokens["note"],
		Port:       port,
		Nickname:   nickname,
	}
	if ssid, ok := tokens["wifi_main_ssid"]; ok {
		entry.WifiMain = &events.WifiCreds{SSID: ssid, Password: tokens["wifi_main_pass"]}
	}
	if ssid, ok := tokens["wifi_alt_ssid"]; ok {
		entry.WifiAlt = &events.WifiCreds{SSID: ssid, Password: tokens["wifi_alt_pass"]}
	}
	if ssid, ok := tokens["wifi_dev_ssid"]; ok {
		entry.WifiDev = &events.WifiCreds{SSID: ssid, Password: tokens["wifi_dev_pass"]}
	}
	return entry
}

// Ingest scans a single framed line originating from port. If it matches
// the registration marker, it parses, dedups, and (on a fresh
// identifier) persists and publishes the entry.
func (in *Ingester) Ingest(port, line string) Result {
	tokens, ok := parseTokens(line)
	if !ok {
		return Result{}
	}

	nickname := ""
	if in.nicknames != nil {
		nickname = in.nicknames(port)
	}
	entry := entryFromTokens(tokens, port, nickname)

	in.mu.Lock()
	defer in.mu.Unlock()

	if in.isDuplicateLocked(entry.DeviceID) {
		return Result{Matched: true, Duplicate: true, Entry: entry}
	}
	in.recordLocked(entry.DeviceID)

	record := events.PersistedInstallLogRecord{
		Timestamp: time.Now(),
		Port:      port,
		Nickname:  nickname,
		Entry:     entry,
	}
	key := entryKey(record.Timestamp, entry.DeviceID)
	if err := in.appendLocked(record); err != nil {
		// Persistence failure doesn't un-dedup the entry; the caller
		// still gets a non-duplicate Result and the event still fires.
		_ = err
	}

	if in.publish != nil {
		in.publish(events.Event{
			Type:  events.TypeInstallLog,
			Port:  port,
			Key:   key,
			Entry: &entry,
		})
	}

	return Result{Matched: true, Duplicate: false, Key: key, Entry: entry}
}

func (in *Ingester) isDuplicateLocked(deviceID string) bool {
	if deviceID == "" {
		return false
	}
	for _, id := range in.recent {
		if id == deviceID {
			return true
		}
	}
	return false
}

func (in *Ingester) recordLocked(deviceID string) {
	if deviceID == "" {
		return
	}
	in.recent = append(in.recent, deviceID)
	if len(in.recent) > in.window {
		in.recent = in.recent[len(in.recent)-in.window:]
	}
}

func (in *Ingester) appendLocked(record events.PersistedInstallLogRecord) error {
	if in.path == "" {
		return nil
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(in.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// Load replays the persisted log into the dedup window, so a restarted
// process doesn't immediately re-accept a device it already logged.
func (in *Ingester) Load() error {
	data, err := os.ReadFile(in.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var record events.PersistedInstallLogRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			continue
		}
		in.recordLocked(record.Entry.DeviceID)
	}
	return nil
}

// Recent returns the last limit persisted entries, most recent last. A
// non-positive limit returns every entry.
func (in *Ingester) Recent(limit int) ([]events.PersistedInstallLogRecord, error) {
	in.mu.Lock()
	path := in.path
	in.mu.Unlock()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var records []events.PersistedInstallLogRecord
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var record events.PersistedInstallLogRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}

// Submit directly accepts an already-parsed entry originating from
// port, applying the same dedup and persistence path as a line
// detected by Ingest.
func (in *Ingester) Submit(port string, entry events.InstallLogEntry) Result {
	nickname := ""
	if in.nicknames != nil {
		nickname = in.nicknames(port)
	}
	entry.Port = port
	if entry.Nickname == "" {
		entry.Nickname = nickname
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	if in.isDuplicateLocked(entry.DeviceID) {
		return Result{Matched: true, Duplicate: true, Entry: entry}
	}
	in.recordLocked(entry.DeviceID)

	record := events.PersistedInstallLogRecord{
		Timestamp: time.Now(),
		Port:      port,
		Nickname:  entry.Nickname,
		Entry:     entry,
	}
	key := entryKey(record.Timestamp, entry.DeviceID)
	if err := in.appendLocked(record); err != nil {
		_ = err
	}
	if in.publish != nil {
		in.publish(events.Event{Type: events.TypeInstallLog, Port: port, Key: key, Entry: &entry})
	}
	return Result{Matched: true, Duplicate: false, Key: key, Entry: entry}
}
