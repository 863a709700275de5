// Command hydra-gateway runs the MCP aggregation gateway: a cobra CLI
// with serve, status, and doctor subcommands, adapted from the teacher
// gateway's single-shot gin main into a proper CLI surface.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"hydra-gateway/internal/config"
	"hydra-gateway/internal/diagnostics"
	"hydra-gateway/internal/dockerlaunch"
	"hydra-gateway/internal/events"
	"hydra-gateway/internal/gateway"
	"hydra-gateway/internal/gatewayerrors"
	"hydra-gateway/internal/httpapi"
	"hydra-gateway/internal/launch"
	"hydra-gateway/internal/logging"
	"hydra-gateway/internal/metrics"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "hydra-gateway",
		Short: "Aggregates multiple MCP servers behind one namespaced tool catalog",
	}
	root.PersistentFlags().StringVar(&configPath, "config", envOrDefault("HYDRA_GATEWAY_CONFIG", "./config.yaml"), "path to the gateway config file")

	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(doctorCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func serveCmd() *cobra.Command {
	var diagnosticsPort int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway: spawn every configured child and serve /mcp",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), diagnosticsPort)
		},
	}
	cmd.Flags().IntVar(&diagnosticsPort, "diagnostics-port", 3998, "port for the operator dashboard and status API")
	return cmd
}

func runServe(ctx context.Context, diagnosticsPort int) error {
	settings, specs, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(settings.LogLevel, os.Stderr)
	bus := events.NewBus()
	m := metrics.New()
	m.MustRegister(prometheus.DefaultRegisterer)

	source := config.NewFileConfigSource(specs)
	mgr := gateway.New(source, bus, m, log, settings)

	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := mgr.Start(startCtx, resolveLauncher); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	log.Info().Int("children", len(specs)).Msg("gateway started")

	front := httpapi.New(mgr, log, settings.CORSAllowLocalhostOnly)

	gin.SetMode(gin.ReleaseMode)
	diagEngine := gin.New()
	diagEngine.Use(gin.Recovery())
	diagnostics.NewHandler(mgr).Register(diagEngine)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		addr := fmt.Sprintf("127.0.0.1:%d", settings.Port)
		log.Info().Str("addr", addr).Msg("serving /mcp")
		errCh <- httpapi.ListenAndServe(sigCtx, addr, front, 5*time.Second, log)
	}()
	go func() {
		diagAddr := fmt.Sprintf("127.0.0.1:%d", diagnosticsPort)
		log.Info().Str("addr", diagAddr).Msg("serving diagnostics dashboard")
		srv := &http.Server{Addr: diagAddr, Handler: diagEngine}
		go func() {
			<-sigCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("HTTP listener failed, tearing down")
			if stopErr := mgr.Stop(); stopErr != nil {
				log.Error().Err(stopErr).Msg("error stopping children after listen failure")
			}
			return fmt.Errorf("serve gateway: %w", gatewayerrors.Wrap(gatewayerrors.ErrPortInUse, err.Error()))
		}
	case <-sigCtx.Done():
	}

	log.Info().Msg("shutting down")
	if err := mgr.Stop(); err != nil {
		log.Error().Err(err).Msg("error stopping children")
	}
	return nil
}

func resolveLauncher(spec config.ChildSpec) (launch.Launcher, error) {
	switch spec.Runtime {
	case "docker":
		return dockerlaunch.NewLauncher()
	default:
		return launch.NewProcessLauncher(), nil
	}
}

func statusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report the status of every child against a running gateway's diagnostics API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:3998", "diagnostics API base address")
	return cmd
}

func runStatus(addr string) error {
	resp, err := http.Get(addr + "/api/v1/status")
	if err != nil {
		return fmt.Errorf("reach gateway at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	var body diagnostics.APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode status response: %w", err)
	}
	if !body.Success {
		return fmt.Errorf("gateway reported error: %s", body.Error)
	}

	raw, err := json.MarshalIndent(body.Data, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Validate the gateway config without starting any child",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor()
		},
	}
}

func runDoctor() error {
	settings, specs, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fmt.Printf("config: %s\n", configPath)
	fmt.Printf("port: %d\n", settings.Port)
	fmt.Printf("cors localhost-only: %v\n", settings.CORSAllowLocalhostOnly)
	fmt.Printf("startup timeout: %s\n", settings.StartupTimeout)
	fmt.Printf("request timeout: %s\n", settings.RequestTimeout)
	fmt.Printf("enabled children: %d\n", len(specs))

	seen := make(map[string]bool)
	problems := 0
	for _, spec := range specs {
		if spec.ID == "" {
			fmt.Printf("  [error] child %q missing id\n", spec.Name)
			problems++
			continue
		}
		if seen[spec.ID] {
			fmt.Printf("  [error] duplicate child id %q\n", spec.ID)
			problems++
		}
		seen[spec.ID] = true

		if spec.Runtime == "docker" && spec.Image == "" {
			fmt.Printf("  [error] child %q uses runtime=docker but has no image\n", spec.ID)
			problems++
			continue
		}
		if spec.Runtime == "process" && spec.Command == "" {
			fmt.Printf("  [error] child %q uses runtime=process but has no command\n", spec.ID)
			problems++
			continue
		}
		fmt.Printf("  [ok] %s (%s)\n", spec.ID, spec.Runtime)
	}

	if problems > 0 {
		return fmt.Errorf("%d problem(s) found", problems)
	}
	fmt.Println("config looks good")
	return nil
}
