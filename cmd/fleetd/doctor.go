package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/esp32fleet/core/internal/config"
)

var wellKnownTools = []struct {
	name string
	cmd  string
}{
	{"arduino-cli", "arduino-cli"},
	{"esptool.py", "esptool.py"},
}

func doctorCmd() *cobra.Command {
	var workspaceFlag string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the build toolchain, workspace, and board catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("fleetd doctor")
			fmt.Println()

			root := workspaceFlag
			if root == "" {
				var err error
				root, err = config.DefaultWorkspaceRoot()
				if err != nil {
					return fmt.Errorf("resolve workspace root: %w", err)
				}
			}

			fmt.Println("CLI tools:")
			for _, t := range wellKnownTools {
				if path, err := exec.LookPath(t.cmd); err != nil {
					fmt.Printf("  %-14s not found\n", t.name)
				} else {
					fmt.Printf("  %-14s %s\n", t.name, path)
				}
			}
			fmt.Println()

			fmt.Println("Workspace:")
			fmt.Printf("  root:          %s\n", root)
			if err := checkWritable(root); err != nil {
				fmt.Printf("  writable:      no (%v)\n", err)
			} else {
				fmt.Println("  writable:      yes")
			}

			cfgSvc, err := config.Open(config.ConfigFilePath(root), root)
			if err != nil {
				fmt.Printf("  config:        failed to load (%v)\n", err)
			} else {
				cfg := cfgSvc.Get()
				fmt.Printf("  config:        %s\n", cfgSvc.Path())
				fmt.Printf("  default_fqbn:  %s\n", cfg.DefaultFQBN)
				fmt.Printf("  default_baud:  %d\n", cfg.DefaultBaud)
			}

			boards, err := config.OpenBoardCatalog(config.BoardCatalogPath(root))
			if err != nil {
				fmt.Printf("  board catalog: failed to load (%v)\n", err)
			} else {
				fmt.Printf("  board catalog: %d profile(s)\n", len(boards.Profiles()))
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&workspaceFlag, "workspace", os.Getenv("FLEETD_WORKSPACE"), "workspace root (default ~/.esp32fleet)")

	return cmd
}

// checkWritable probes root for write access by creating and removing a
// throwaway file, rather than inspecting mode bits, since ownership and
// ACLs can make a writable-looking directory actually reject writes.
func checkWritable(root string) error {
	probe := root + "/.fleetd-doctor-probe"
	f, err := os.Create(probe)
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(probe)
}
