package procrunner

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRunCapturesNonZeroExit(t *testing.T) {
	res, err := Run(context.Background(), []string{"sh", "-c", "echo out; echo err 1>&2; exit 7"}, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 7 {
		t.Errorf("ExitCode = %d, want 7", res.ExitCode)
	}
	if string(res.Stdout) != "out\n" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
	if string(res.Stderr) != "err\n" {
		t.Errorf("Stderr = %q", res.Stderr)
	}
}

func TestRunTimeout(t *testing.T) {
	res, err := Run(context.Background(), []string{"sleep", "5"}, Options{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.TimedOut {
		t.Error("expected TimedOut = true")
	}
}

func TestStartStreamPTYCombinesOutput(t *testing.T) {
	s, err := StartStream([]string{"sh", "-c", "echo out; echo err 1>&2"}, StartStreamOptions{PTY: true})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer s.Close()

	if s.Stderr != nil {
		t.Fatal("expected nil Stderr under a pty (streams are merged)")
	}

	// The pty master errors (rather than cleanly EOFing) once the child
	// exits; collect whatever arrived before that.
	var got []byte
	buf := make([]byte, 256)
	for {
		n, err := s.Stdout.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			break
		}
	}
	<-s.Done()

	out := string(got)
	if !strings.Contains(out, "out") || !strings.Contains(out, "err") {
		t.Fatalf("expected both streams in pty output, got %q", out)
	}
}

func TestStartStreamStop(t *testing.T) {
	s, err := StartStream([]string{"sh", "-c", "trap 'exit 0' TERM; sleep 5"}, StartStreamOptions{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop() did not return in time")
	}
	<-s.Done()
}
