package config

import (
	"fmt"
	"os"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/esp32fleet/core/internal/logger"
)

// BoardProfile is one entry in the board profile catalog: a named
// target-class identifier with the data the port enumerator and monitor
// sessions need to classify a port and seed auto-baud.
type BoardProfile struct {
	FQBN            string `yaml:"fqbn"`
	Label           string `yaml:"label,omitempty"`
	VendorIDPattern string `yaml:"vendor_id_pattern,omitempty"`
	DefaultBaud     int    `yaml:"default_baud,omitempty"`

	compiled *regexp.Regexp
}

// BoardCatalog is the on-disk YAML document: a flat list of profiles.
type BoardCatalog struct {
	Profiles []BoardProfile `yaml:"profiles"`
}

func defaultBoardCatalog() *BoardCatalog {
	return &BoardCatalog{
		Profiles: []BoardProfile{
			{FQBN: "esp32:esp32:esp32", Label: "ESP32 Dev Module", VendorIDPattern: `(?i)cp210|ch9102|ch340|FT232|usbserial|wchusbserial|SLAB_USBtoUART`, DefaultBaud: 115200},
			{FQBN: "esp32:esp32:esp32s3", Label: "ESP32-S3", VendorIDPattern: `(?i)usbmodem|cp210`, DefaultBaud: 115200},
		},
	}
}

// BoardCatalogService owns the hot-reloadable board profile catalog.
type BoardCatalogService struct {
	mu      sync.RWMutex
	path    string
	catalog *BoardCatalog
	watcher *fsnotify.Watcher
}

// OpenBoardCatalog loads path, writing a default catalog if absent.
func OpenBoardCatalog(path string) (*BoardCatalogService, error) {
	s := &BoardCatalogService{path: path}
	if err := s.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		s.catalog = defaultBoardCatalog()
		for i := range s.catalog.Profiles {
			s.catalog.Profiles[i].compile()
		}
		if err := s.persist(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *BoardCatalogService) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var cat BoardCatalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return fmt.Errorf("boardprofile: parse %s: %w", s.path, err)
	}
	for i := range cat.Profiles {
		cat.Profiles[i].compile()
	}
	s.mu.Lock()
	s.catalog = &cat
	s.mu.Unlock()
	return nil
}

func (p *BoardProfile) compile() {
	if p.VendorIDPattern == "" {
		return
	}
	re, err := regexp.Compile(p.VendorIDPattern)
	if err != nil {
		logger.Warn("boardprofile: invalid vendor id pattern", "fqbn", p.FQBN, "error", err)
		return
	}
	p.compiled = re
}

func (s *BoardCatalogService) persist() error {
	data, err := yaml.Marshal(s.catalog)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}

// Profiles returns a snapshot of the current catalog.
func (s *BoardCatalogService) Profiles() []BoardProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BoardProfile, len(s.catalog.Profiles))
	copy(out, s.catalog.Profiles)
	return out
}

// MatchVendor returns the first profile whose vendor-id pattern matches
// addr, and whether a match was found.
func (s *BoardCatalogService) MatchVendor(addr string) (BoardProfile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.catalog.Profiles {
		if p.compiled != nil && p.compiled.MatchString(addr) {
			return p, true
		}
	}
	return BoardProfile{}, false
}

// BaudFor returns the profile-preferred baud for fqbn, or ok=false.
func (s *BoardCatalogService) BaudFor(fqbn string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.catalog.Profiles {
		if p.FQBN == fqbn && p.DefaultBaud > 0 {
			return p.DefaultBaud, true
		}
	}
	return 0, false
}

// Watch starts an fsnotify watch on the catalog file, reloading it on
// every write event until stop is closed. Errors are logged, not fatal —
// the service keeps serving the last good catalog.
func (s *BoardCatalogService) Watch(stop <-chan struct{}) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("boardprofile: watcher: %w", err)
	}
	if err := w.Add(s.path); err != nil {
		w.Close()
		return fmt.Errorf("boardprofile: watch %s: %w", s.path, err)
	}
	s.watcher = w
	go func() {
		defer w.Close()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := s.load(); err != nil {
						logger.Warn("boardprofile: reload failed", "error", err)
					} else {
						logger.Info("boardprofile: catalog reloaded", "path", s.path)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("boardprofile: watch error", "error", err)
			}
		}
	}()
	return nil
}
