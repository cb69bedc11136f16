// Command simd is the CLI collaborator around the HTTP/RPC surface of
// internal/httpapi: `simd serve` hosts it on a configurable bind address.
// Grounded on teacher's cmd/webserver/main.go (flag parsing, SIGINT/SIGTERM
// graceful shutdown) and cmd/echo.go's cobra command wiring, with .env
// loading in the style of codeready-toolchain-tarsy/cmd/tarsy/main.go.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/utilityfog/simcore/internal/httpapi"
	"github.com/utilityfog/simcore/internal/runmanager"
)

// Exit codes per §6: 0 normal, 2 configuration error, 3 runtime error, 130
// cancelled by signal.
const (
	exitOK           = 0
	exitConfigError  = 2
	exitRuntimeError = 3
	exitCancelled    = 130
	shutdownGrace    = 10 * time.Second
	defaultHost      = "0.0.0.0"
	defaultPort      = "8080"
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a returned error to one of §6's exit codes; runServe
// wraps cancellation and config errors so this type switch can distinguish
// them from an ordinary runtime failure.
func exitCodeFor(err error) int {
	switch err.(type) {
	case *cancelledError:
		return exitCancelled
	case *configError:
		return exitConfigError
	default:
		return exitRuntimeError
	}
}

type cancelledError struct{ cause error }

func (e *cancelledError) Error() string { return e.cause.Error() }

type configError struct{ cause error }

func (e *configError) Error() string { return e.cause.Error() }

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "simd",
		Short:         "simcore: a multi-agent memetic simulation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var host, port, envFile string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP/RPC and WebSocket streaming surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(host, port)
		},
	}
	serveCmd.Flags().StringVar(&host, "host", "", "bind host (default: $SIMD_HOST or "+defaultHost+")")
	serveCmd.Flags().StringVar(&port, "port", "", "bind port (default: $SIMD_PORT or "+defaultPort+")")
	serveCmd.Flags().StringVar(&envFile, "env-file", ".env", "optional .env file to load before reading flags/environment")
	root.AddCommand(serveCmd)

	cobra.OnInitialize(func() {
		if err := godotenv.Load(envFile); err != nil {
			fmt.Fprintf(os.Stderr, "no %s file loaded, continuing with process environment\n", envFile)
		}
	})

	return root
}

// runServe hosts internal/httpapi on host:port until SIGINT/SIGTERM,
// cooperatively stopping every live run before the process exits (spec
// SPEC_FULL.md §C.3 "graceful shutdown").
func runServe(host, port string) error {
	if host == "" {
		host = getEnv("SIMD_HOST", defaultHost)
	}
	if port == "" {
		port = getEnv("SIMD_PORT", defaultPort)
	}

	manager := runmanager.New()
	server := httpapi.New(manager)

	httpServer := &http.Server{
		Addr:    host + ":" + port,
		Handler: server.Engine(),
	}

	serverErrCh := make(chan error, 1)
	go func() {
		fmt.Printf("simd: listening on %s\n", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
			return
		}
		serverErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrCh:
		if err != nil {
			return &configError{cause: fmt.Errorf("listen on %s: %w", httpServer.Addr, err)}
		}
		return nil
	case sig := <-sigCh:
		fmt.Printf("simd: received %v, shutting down\n", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		for _, snap := range manager.List() {
			if err := manager.Stop(snap.RunID); err != nil {
				fmt.Fprintf(os.Stderr, "simd: error stopping run %s: %v\n", snap.RunID, err)
			}
		}

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return &cancelledError{cause: fmt.Errorf("shutdown: %w", err)}
		}
		return &cancelledError{cause: fmt.Errorf("cancelled by %v", sig)}
	}
}
