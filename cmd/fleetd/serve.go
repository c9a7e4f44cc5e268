package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/esp32fleet/core/internal/appctx"
	"github.com/esp32fleet/core/internal/config"
	"github.com/esp32fleet/core/internal/httpapi"
	"github.com/esp32fleet/core/internal/logger"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func serveCmd(logLevel, logFile *string) *cobra.Command {
	var addrFlag string
	var workspaceFlag string
	var buildToolFlag string
	var runtimeToolFlag string
	var corsOriginFlag string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP+SSE fleet server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init(*logLevel, *logFile); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			root := workspaceFlag
			if root == "" {
				var err error
				root, err = config.DefaultWorkspaceRoot()
				if err != nil {
					return fmt.Errorf("resolve workspace root: %w", err)
				}
			} else if err := os.MkdirAll(root, 0o755); err != nil {
				return fmt.Errorf("create workspace root: %w", err)
			}

			app, err := appctx.New(appctx.Options{
				WorkspaceRoot:   root,
				ConfigPath:      config.ConfigFilePath(root),
				BoardCatalog:    config.BoardCatalogPath(root),
				InstallLogPath:  config.InstallLogPath(root),
				RingCapacity:    0,
				BuildToolPath:   buildToolFlag,
				RuntimeToolPath: runtimeToolFlag,
				CORSOrigin:      corsOriginFlag,
			})
			if err != nil {
				return fmt.Errorf("build app context: %w", err)
			}
			defer app.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			healthStop := make(chan struct{})
			go app.RunHealthObserver(healthStop)
			defer close(healthStop)

			catalogStop := make(chan struct{})
			go func() {
				if err := app.Boards.Watch(catalogStop); err != nil {
					logger.Warn("board catalog watch exited", "error", err)
				}
			}()
			defer close(catalogStop)

			restartCh := make(chan struct{}, 1)
			shutdown := func() {
				select {
				case restartCh <- struct{}{}:
				default:
				}
				stop()
			}

			srv := httpapi.New(app, shutdown)
			httpSrv := &http.Server{Addr: addrFlag, Handler: srv}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("fleetd listening", "addr", addrFlag, "workspace", root)
				if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := httpSrv.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("graceful shutdown: %w", err)
				}
				select {
				case <-restartCh:
					fmt.Println("fleetd stopped: restart requested")
				default:
					fmt.Println("fleetd stopped")
				}
				return nil
			case err := <-errCh:
				return err
			}
		},
	}

	cmd.Flags().StringVar(&addrFlag, "addr", envOr("FLEETD_ADDR", ":8787"), "listen address")
	cmd.Flags().StringVar(&workspaceFlag, "workspace", os.Getenv("FLEETD_WORKSPACE"), "workspace root (default ~/.esp32fleet)")
	cmd.Flags().StringVar(&buildToolFlag, "build-tool", envOr("FLEETD_BUILD_TOOL", "arduino-cli"), "compile/upload tool path")
	cmd.Flags().StringVar(&runtimeToolFlag, "runtime-tool", envOr("FLEETD_RUNTIME_TOOL", "arduino-cli"), "port-list/monitor/reset tool path")
	cmd.Flags().StringVar(&corsOriginFlag, "cors-origin", envOr("FLEETD_CORS_ORIGIN", "*"), "Access-Control-Allow-Origin value")

	return cmd
}
