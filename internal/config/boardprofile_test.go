package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenBoardCatalogWritesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boards.yaml")

	s, err := OpenBoardCatalog(path)
	if err != nil {
		t.Fatalf("OpenBoardCatalog: %v", err)
	}
	if len(s.Profiles()) == 0 {
		t.Fatal("expected default profiles to be populated")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default catalog to be persisted: %v", err)
	}
}

func TestMatchVendorAndBaudFor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boards.yaml")
	s, err := OpenBoardCatalog(path)
	if err != nil {
		t.Fatalf("OpenBoardCatalog: %v", err)
	}

	profile, ok := s.MatchVendor("usbserial-CP2104")
	if !ok {
		t.Fatal("expected a vendor match for a CP210x-style address")
	}

	baud, ok := s.BaudFor(profile.FQBN)
	if !ok || baud != 115200 {
		t.Fatalf("BaudFor(%s) = %d, %v; want 115200, true", profile.FQBN, baud, ok)
	}

	if _, ok := s.MatchVendor("/dev/ttyNothingMatches"); ok {
		t.Fatal("expected no vendor match for an unrecognized address")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boards.yaml")
	s, err := OpenBoardCatalog(path)
	if err != nil {
		t.Fatalf("OpenBoardCatalog: %v", err)
	}

	stop := make(chan struct{})
	defer close(stop)
	if err := s.Watch(stop); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	updated := `profiles:
  - fqbn: esp32:esp32:esp32
    label: Updated Board
    vendor_id_pattern: "(?i)cp210"
    default_baud: 9600
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite catalog: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if baud, ok := s.BaudFor("esp32:esp32:esp32"); ok && baud == 9600 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("catalog was not reloaded after file write")
}
