// Package fleet coordinates fleet-wide operations: compile-one and
// upload-one delegate to the external build toolchain; flash-all
// compiles once and then uploads sequentially to every target-class
// port (concurrent flashes over a shared USB bus are unreliable);
// device reset stops any monitor owning the port before pulsing it.
package fleet

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/esp32fleet/core/internal/apierr"
	"github.com/esp32fleet/core/internal/config"
	"github.com/esp32fleet/core/internal/logger"
	"github.com/esp32fleet/core/internal/monitor"
	"github.com/esp32fleet/core/internal/ports"
	"github.com/esp32fleet/core/internal/procrunner"
)

const (
	// uploadTimeout is the per-upload wall-clock timeout.
	uploadTimeout = 2 * time.Minute
	// interUploadDelay separates sequential uploads on a flash-all run.
	interUploadDelay = 2 * time.Second
	// compileTimeout bounds a single compile invocation.
	compileTimeout = 3 * time.Minute
	// resetProbeTimeout bounds the vendor-tool reset invocation.
	resetProbeTimeout = 10 * time.Second
	// copyArtifactConcurrency bounds how many build-output destinations
	// are populated concurrently after a successful compile.
	copyArtifactConcurrency = 4
)

// CompileResult is the outcome of a single compile invocation.
type CompileResult struct {
	OK        bool     `json:"ok"`
	ExitCode  int      `json:"exitCode"`
	Stdout    string   `json:"stdout,omitempty"`
	Stderr    string   `json:"stderr,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// UploadResult is the outcome of a single upload invocation.
type UploadResult struct {
	Port       string `json:"port"`
	OK         bool   `json:"ok"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

// FlashAllResult is the aggregate outcome of a flash-all run.
type FlashAllResult struct {
	Compile CompileResult  `json:"compile"`
	Uploads []UploadResult `json:"uploads"`
	Total   int            `json:"total"`
	Success int            `json:"success"`
}

// Orchestrator wraps the external compile/upload/reset toolchain and
// the Port Enumerator, Monitor Manager and Workspace Config it needs to
// coordinate a fleet-wide operation.
type Orchestrator struct {
	BuildToolPath string // e.g. "arduino-cli"
	ResetToolPath string // e.g. "esptool.py"

	Config     *config.Service
	Enumerator *ports.Enumerator
	Monitors   *monitor.Manager

	log interface {
		Info(msg string, args ...any)
		Warn(msg string, args ...any)
		Error(msg string, args ...any)
	}
}

// New builds an Orchestrator wired to the shared application services.
func New(buildToolPath, resetToolPath string, cfg *config.Service, enumerator *ports.Enumerator, monitors *monitor.Manager) *Orchestrator {
	return &Orchestrator{
		BuildToolPath: buildToolPath,
		ResetToolPath: resetToolPath,
		Config:        cfg,
		Enumerator:    enumerator,
		Monitors:      monitors,
		log:           logger.For("fleet"),
	}
}

// CompileOne invokes the external compile tool against sketchPath, and
// on success fans the produced firmware binaries out to the configured
// build-output directory and every additional build directory
// concurrently.
func (o *Orchestrator) CompileOne(ctx context.Context, sketchPath, fqbn string) (CompileResult, error) {
	cfg := o.Config.Get()
	if fqbn == "" {
		fqbn = cfg.DefaultFQBN
	}

	buildDir, err := os.MkdirTemp("", "fleet-build-*")
	if err != nil {
		return CompileResult{}, apierr.Wrap(apierr.Fatal, "create build dir", err)
	}

	argv := []string{o.BuildToolPath, "compile", "--fqbn", fqbn, "--build-path", buildDir, sketchPath}
	res, err := procrunner.Run(ctx, argv, procrunner.Options{Timeout: compileTimeout})
	if err != nil {
		return CompileResult{}, apierr.Wrap(apierr.SpawnFailed, "spawn compile tool", err)
	}

	result := CompileResult{OK: res.ExitCode == 0, ExitCode: res.ExitCode, Stdout: string(res.Stdout), Stderr: string(res.Stderr)}
	if !result.OK {
		return result, nil
	}

	binaries, err := findFirmwareBinaries(buildDir)
	if err != nil {
		o.log.Warn("compile succeeded but artifact scan failed", "sketch", sketchPath, "err", err)
		return result, nil
	}

	dests := append([]string{cfg.BuildOutputDir}, cfg.AdditionalBuildDirs...)
	artifacts, err := copyArtifactsConcurrently(ctx, binaries, dests)
	if err != nil {
		o.log.Warn("artifact copy incomplete", "sketch", sketchPath, "err", err)
	}
	result.Artifacts = artifacts
	return result, nil
}

// findFirmwareBinaries walks dir for the compiled image files
// arduino-cli leaves behind (.bin/.elf).
func findFirmwareBinaries(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		switch filepath.Ext(path) {
		case ".bin", ".elf":
			out = append(out, path)
		}
		return nil
	})
	return out, err
}

// copyArtifactsConcurrently copies every binary into every destination
// directory, bounded by errgroup.SetLimit. Distribution parallelizes;
// the compile itself does not, since compiling the same sketch twice
// concurrently would just race the same build directory.
func copyArtifactsConcurrently(ctx context.Context, binaries, dests []string) ([]string, error) {
	if len(binaries) == 0 || len(dests) == 0 {
		return nil, nil
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(copyArtifactConcurrency)

	results := make([]string, 0, len(binaries)*len(dests))
	resultsCh := make(chan string, len(binaries)*len(dests))

	for _, bin := range binaries {
		for _, dest := range dests {
			bin, dest := bin, dest
			g.Go(func() error {
				if dest == "" {
					return nil
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				dst, err := copyFile(bin, dest)
				if err != nil {
					return fmt.Errorf("copy %s to %s: %w", bin, dest, err)
				}
				resultsCh <- dst
				return nil
			})
		}
	}
	err := g.Wait()
	close(resultsCh)
	for dst := range resultsCh {
		results = append(results, dst)
	}
	return results, err
}

func copyFile(src, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	dst := filepath.Join(destDir, filepath.Base(src))
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return "", err
	}
	return dst, nil
}

// UploadOne invokes the external upload tool against port with the
// given build artifact path.
func (o *Orchestrator) UploadOne(ctx context.Context, port, buildPath, fqbn string) UploadResult {
	cfg := o.Config.Get()
	if fqbn == "" {
		fqbn = cfg.DefaultFQBN
	}
	start := time.Now()

	argv := []string{o.BuildToolPath, "upload", "-p", port, "--fqbn", fqbn, "--input-dir", buildPath}
	res, err := procrunner.Run(ctx, argv, procrunner.Options{Timeout: uploadTimeout})
	elapsed := time.Since(start)
	if err != nil {
		return UploadResult{Port: port, OK: false, DurationMs: elapsed.Milliseconds(), Error: err.Error()}
	}
	if res.ExitCode != 0 {
		return UploadResult{Port: port, OK: false, DurationMs: elapsed.Milliseconds(), Error: string(res.Stderr)}
	}
	return UploadResult{Port: port, OK: true, DurationMs: elapsed.Milliseconds()}
}

// FlashAll enumerates every target-class port, compiles sketchPath once,
// then uploads to each port sequentially with an inter-upload delay.
// Upload failures do not abort the remaining ports.
func (o *Orchestrator) FlashAll(ctx context.Context, sketchPath, fqbn string) (FlashAllResult, error) {
	recs, _, err := o.Enumerator.List(ctx)
	if err != nil {
		return FlashAllResult{}, apierr.Wrap(apierr.SpawnFailed, "enumerate ports", err)
	}

	var targetPorts []string
	for _, r := range recs {
		if r.TargetClass {
			targetPorts = append(targetPorts, r.Address)
		}
	}

	compile, err := o.CompileOne(ctx, sketchPath, fqbn)
	if err != nil {
		return FlashAllResult{}, err
	}
	if !compile.OK {
		return FlashAllResult{Compile: compile, Total: len(targetPorts)}, nil
	}

	buildDir := ""
	if len(compile.Artifacts) > 0 {
		buildDir = filepath.Dir(compile.Artifacts[0])
	}

	result := FlashAllResult{Compile: compile, Total: len(targetPorts)}
	for i, port := range targetPorts {
		if i > 0 {
			select {
			case <-time.After(interUploadDelay):
			case <-ctx.Done():
				return result, ctx.Err()
			}
		}
		up := o.UploadOne(ctx, port, buildDir, fqbn)
		if up.OK {
			result.Success++
		}
		result.Uploads = append(result.Uploads, up)
	}
	return result, nil
}

// Reset strategies.
const (
	ResetLineControl = "line-control"
	ResetVendorTool  = "vendor-tool"
)

// ResetDevice stops any monitor session currently owning port, performs
// the requested reset strategy, and returns. The caller is responsible
// for restarting monitoring afterward.
func (o *Orchestrator) ResetDevice(ctx context.Context, port, method string, delay time.Duration) error {
	if o.Monitors != nil {
		if sess, ok := o.Monitors.GetByPort(port); ok {
			if _, err := sess.Stop(ctx); err != nil {
				o.log.Warn("reset: failed to stop existing monitor", "port", port, "err", err)
			}
		}
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	switch method {
	case ResetVendorTool, "":
		argv := []string{o.ResetToolPath, "--port", port, "run"}
		res, err := procrunner.Run(ctx, argv, procrunner.Options{Timeout: resetProbeTimeout})
		if err != nil {
			return apierr.Wrap(apierr.DeviceUnreachable, "vendor reset tool", err)
		}
		if res.ExitCode != 0 {
			return apierr.New(apierr.DeviceUnreachable, fmt.Sprintf("vendor reset tool exited %d: %s", res.ExitCode, string(res.Stderr)))
		}
		return nil
	case ResetLineControl:
		argv := []string{o.ResetToolPath, "--port", port, "chip-id"}
		_, err := procrunner.Run(ctx, argv, procrunner.Options{Timeout: resetProbeTimeout})
		if err != nil {
			return apierr.Wrap(apierr.DeviceUnreachable, "line-control reset pulse", err)
		}
		return nil
	default:
		return apierr.New(apierr.InvalidInput, fmt.Sprintf("unknown reset method %q", method))
	}
}
