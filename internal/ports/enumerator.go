// Package ports invokes the external board-list tool, normalises its
// output into PortRecord values, and classifies ports as target-class
// by FQBN match or vendor-id heuristic.
package ports

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/esp32fleet/core/internal/config"
	"github.com/esp32fleet/core/internal/procrunner"
)

// PortRecord is one discovered serial port.
type PortRecord struct {
	Address     string `json:"address"`
	Protocol    string `json:"protocol"`
	Label       string `json:"label"`
	Product     string `json:"product,omitempty"`
	Vendor      string `json:"vendor,omitempty"`
	FQBN        string `json:"fqbn,omitempty"`
	TargetClass bool   `json:"targetClass"`
	Reachable   bool   `json:"reachable"`
	Nickname    string `json:"nickname,omitempty"`
}

// Diagnostics carries raw tool output when JSON parsing fails, so
// callers can surface it rather than silently returning an empty list.
type Diagnostics struct {
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
}

// Enumerator wraps the board-list tool invocation.
type Enumerator struct {
	ToolPath string // e.g. "arduino-cli"
	Timeout  time.Duration
	Config   *config.Service
	Catalog  *config.BoardCatalogService
}

func (e *Enumerator) timeout() time.Duration {
	if e.Timeout > 0 {
		return e.Timeout
	}
	return 15 * time.Second
}

// modern schema: {"detected_ports":[{"port":{"address":...},"matching_boards":[{"fqbn":...}]}]}
type modernSchema struct {
	DetectedPorts []struct {
		Port struct {
			Address    string `json:"address"`
			Protocol   string `json:"protocol"`
			Label      string `json:"label"`
			Properties struct {
				VID string `json:"vid"`
				PID string `json:"pid"`
			} `json:"properties"`
		} `json:"port"`
		MatchingBoards []struct {
			Name string `json:"name"`
			FQBN string `json:"fqbn"`
		} `json:"matching_boards"`
	} `json:"detected_ports"`
}

// legacy schema: {"ports":[{"address":...,"matching_boards":[...]}]}
type legacySchema struct {
	Ports []struct {
		Address        string `json:"address"`
		Protocol       string `json:"protocol"`
		MatchingBoards []struct {
			Name string `json:"name"`
			FQBN string `json:"fqbn"`
		} `json:"matching_boards"`
	} `json:"ports"`
}

// List enumerates ports, overlaying nicknames and reachability.
func (e *Enumerator) List(ctx context.Context) ([]PortRecord, Diagnostics, error) {
	res, err := procrunner.Run(ctx, []string{e.ToolPath, "board", "list", "--format", "json"}, procrunner.Options{
		Timeout: e.timeout(),
	})
	if err != nil {
		return nil, Diagnostics{}, err
	}

	records, ok := parsePortRecords(res.Stdout)
	diag := Diagnostics{Stdout: string(res.Stdout), Stderr: string(res.Stderr)}
	if !ok {
		return []PortRecord{}, diag, nil
	}

	nicknames := map[string]string{}
	if e.Config != nil {
		nicknames = e.Config.Nicknames()
	}
	for i := range records {
		r := &records[i]
		if !r.TargetClass && e.Catalog != nil {
			if _, found := e.Catalog.MatchVendor(r.Address); found {
				r.TargetClass = true
			}
		}
		r.Nickname = nicknames[r.Address]
		r.Reachable = pathExists(r.Address)
	}
	return records, diag, nil
}

func parsePortRecords(stdout []byte) ([]PortRecord, bool) {
	var modern modernSchema
	if err := json.Unmarshal(stdout, &modern); err == nil && len(modern.DetectedPorts) > 0 {
		out := make([]PortRecord, 0, len(modern.DetectedPorts))
		for _, dp := range modern.DetectedPorts {
			rec := PortRecord{
				Address:  dp.Port.Address,
				Protocol: dp.Port.Protocol,
				Label:    dp.Port.Label,
				Vendor:   dp.Port.Properties.VID,
				Product:  dp.Port.Properties.PID,
			}
			if len(dp.MatchingBoards) > 0 {
				rec.FQBN = dp.MatchingBoards[0].FQBN
				rec.TargetClass = true
			}
			out = append(out, rec)
		}
		return out, true
	}

	var legacy legacySchema
	if err := json.Unmarshal(stdout, &legacy); err == nil && len(legacy.Ports) > 0 {
		out := make([]PortRecord, 0, len(legacy.Ports))
		for _, p := range legacy.Ports {
			rec := PortRecord{Address: p.Address, Protocol: p.Protocol}
			if len(p.MatchingBoards) > 0 {
				rec.FQBN = p.MatchingBoards[0].FQBN
				rec.TargetClass = true
			}
			out = append(out, rec)
		}
		return out, true
	}

	// Neither schema matched: is it at least valid, empty JSON?
	var probe any
	if err := json.Unmarshal(stdout, &probe); err != nil {
		return nil, false
	}
	return []PortRecord{}, true
}

func pathExists(addr string) bool {
	if addr == "" {
		return false
	}
	_, err := os.Stat(addr)
	return err == nil
}
