package fleet

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/esp32fleet/core/internal/config"
	"github.com/esp32fleet/core/internal/monitor"
	"github.com/esp32fleet/core/internal/ports"
)

// writeFakeTool writes an executable shell script standing in for
// arduino-cli/esptool.py, so toolchain behaviour can be exercised
// without the real binaries installed.
func writeFakeTool(t *testing.T, dir, name, script string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write fake tool: %v", err)
	}
	return path
}

func testOrchestrator(t *testing.T, buildTool, resetTool string) (*Orchestrator, *config.Service) {
	t.Helper()
	root := t.TempDir()
	cfgSvc, err := config.Open(filepath.Join(root, "fleet.config.json"), root)
	if err != nil {
		t.Fatalf("config.Open: %v", err)
	}
	boards, err := config.OpenBoardCatalog(filepath.Join(root, "boards.yaml"))
	if err != nil {
		t.Fatalf("OpenBoardCatalog: %v", err)
	}
	enumerator := &ports.Enumerator{ToolPath: buildTool, Config: cfgSvc, Catalog: boards}
	monitors := monitor.NewManager(buildTool, resetTool, boards, nil, nil, nil)
	return New(buildTool, resetTool, cfgSvc, enumerator, monitors), cfgSvc
}

func TestCompileOneSuccessCopiesArtifacts(t *testing.T) {
	dir := t.TempDir()
	script := `
for a in "$@"; do
  case "$a" in
    --build-path) wantpath=1; continue ;;
  esac
  if [ "$wantpath" = "1" ]; then
    buildpath="$a"
    wantpath=0
  fi
done
touch "$buildpath/firmware.bin"
exit 0
`
	buildTool := writeFakeTool(t, dir, "arduino-cli", script)
	orch, _ := testOrchestrator(t, buildTool, buildTool)

	result, err := orch.CompileOne(context.Background(), filepath.Join(dir, "sketch"), "esp32:esp32:esp32")
	if err != nil {
		t.Fatalf("CompileOne: %v", err)
	}
	if !result.OK {
		t.Fatalf("expected OK compile, got %+v", result)
	}
	if len(result.Artifacts) != 1 {
		t.Fatalf("expected one copied artifact, got %+v", result.Artifacts)
	}
}

func TestCompileOneNonZeroExitIsNotError(t *testing.T) {
	dir := t.TempDir()
	buildTool := writeFakeTool(t, dir, "arduino-cli", "echo 'bad sketch' 1>&2\nexit 1\n")
	orch, _ := testOrchestrator(t, buildTool, buildTool)

	result, err := orch.CompileOne(context.Background(), filepath.Join(dir, "sketch"), "")
	if err != nil {
		t.Fatalf("CompileOne should not return an error for a non-zero exit: %v", err)
	}
	if result.OK {
		t.Fatalf("expected OK=false, got %+v", result)
	}
	if result.ExitCode != 1 {
		t.Fatalf("expected exit code 1, got %d", result.ExitCode)
	}
}

func TestUploadOneReportsFailureWithoutError(t *testing.T) {
	dir := t.TempDir()
	resetTool := writeFakeTool(t, dir, "arduino-cli", "echo 'port busy' 1>&2\nexit 2\n")
	orch, _ := testOrchestrator(t, resetTool, resetTool)

	result := orch.UploadOne(context.Background(), "/dev/ttyUSB0", dir, "esp32:esp32:esp32")
	if result.OK {
		t.Fatalf("expected upload failure, got %+v", result)
	}
	if result.Port != "/dev/ttyUSB0" {
		t.Fatalf("expected port to be echoed back, got %+v", result)
	}
}

func TestResetDeviceUnknownMethodIsInvalidInput(t *testing.T) {
	dir := t.TempDir()
	tool := writeFakeTool(t, dir, "esptool.py", "exit 0\n")
	orch, _ := testOrchestrator(t, tool, tool)

	err := orch.ResetDevice(context.Background(), "/dev/ttyUSB0", "not-a-method", 0)
	if err == nil {
		t.Fatalf("expected error for unknown reset method")
	}
}

func TestResetDeviceVendorToolSuccess(t *testing.T) {
	dir := t.TempDir()
	tool := writeFakeTool(t, dir, "esptool.py", "exit 0\n")
	orch, _ := testOrchestrator(t, tool, tool)

	if err := orch.ResetDevice(context.Background(), "/dev/ttyUSB0", ResetVendorTool, 0); err != nil {
		t.Fatalf("ResetDevice: %v", err)
	}
}
