package cli

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/anchapin/ironclaw/internal/agent"
	"github.com/anchapin/ironclaw/internal/apiserver"
	"github.com/anchapin/ironclaw/internal/approval"
	"github.com/anchapin/ironclaw/internal/config"
	"github.com/anchapin/ironclaw/internal/controller"
	"github.com/anchapin/ironclaw/internal/scheduler"
	"github.com/anchapin/ironclaw/internal/store"
	v1alpha1 "github.com/anchapin/ironclaw/pkg/apis/v1alpha1"
)

func newServeCmd() *cobra.Command {
	var (
		port         int
		host         string
		dataDir      string
		approvalMode string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ironclaw control plane",
		Long:  "Start the ironclaw API server and all controllers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			// 1. Build configuration with CLI overrides.
			cfg := config.DefaultConfig()
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("data-dir") {
				cfg.Store.DataDir = dataDir
			}
			if cmd.Flags().Changed("approval-mode") {
				cfg.Runs.ApprovalMode = approvalMode
			}

			// 2. Create logger.
			logger, err := zap.NewDevelopment()
			if err != nil {
				return fmt.Errorf("creating logger: %w", err)
			}
			defer logger.Sync()

			// 3. Ensure data directory exists and open BoltDB store.
			if err := os.MkdirAll(cfg.Store.DataDir, 0755); err != nil {
				return fmt.Errorf("creating data directory %s: %w", cfg.Store.DataDir, err)
			}

			boltStore, err := store.NewBoltStore(cfg.DBPath())
			if err != nil {
				return fmt.Errorf("opening store at %s: %w", cfg.DBPath(), err)
			}
			defer boltStore.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			// 4. Resolve the server-level approver. Runs may still override it
			// per-run via spec.approvalMode.
			approver, err := serverApprover(ctx, cfg.Runs.ApprovalMode, logger)
			if err != nil {
				return err
			}

			// 5. Create the run runtime.
			runtime := agent.NewRuntime(boltStore, cfg, approver, logger)
			defer runtime.Shutdown()

			// 6. Create scheduler.
			sched := scheduler.NewScheduler(boltStore, logger)

			// 7. Create controller manager and register controllers.
			mgr := controller.NewManager(boltStore, logger)

			runCtrl := controller.NewRunController(boltStore, sched, runtime, logger)
			mgr.Register("RunController", runCtrl, []string{
				v1alpha1.KindAgentRun,
				v1alpha1.KindToolBackend,
			})

			healthInterval := time.Duration(cfg.Runs.HealthCheckInterval) * time.Second
			healthCtrl := controller.NewBackendHealthController(boltStore, runtime, healthInterval, logger)
			go healthCtrl.Start(ctx)

			// 8. Start controller manager.
			if err := mgr.Start(ctx); err != nil {
				return fmt.Errorf("starting controller manager: %w", err)
			}

			// 9. Create and start API server.
			addr := cfg.ServerAddress()
			apiSrv := apiserver.NewServer(addr, boltStore, runtime, logger)

			// Print startup banner.
			banner := color.New(color.FgCyan, color.Bold)
			banner.Println("ironclaw Control Plane")
			fmt.Printf("   API Server: http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
			fmt.Printf("   Data Dir:   %s\n", cfg.Store.DataDir)
			fmt.Printf("   DB Path:    %s\n", cfg.DBPath())
			fmt.Printf("   Approvals:  %s\n", cfg.Runs.ApprovalMode)
			fmt.Println()

			// Start API server in a goroutine.
			errCh := make(chan error, 1)
			go func() {
				if err := apiSrv.Start(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			// 10. Wait for interrupt signal for graceful shutdown.
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			case err := <-errCh:
				logger.Error("API server error", zap.Error(err))
				cancel()
				mgr.Stop()
				return err
			}

			// Graceful shutdown with a 10-second deadline.
			fmt.Println()
			logger.Info("shutting down gracefully...")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()

			// Stop controllers first.
			mgr.Stop()

			// Shutdown API server.
			if err := apiSrv.Shutdown(shutdownCtx); err != nil {
				logger.Error("API server shutdown error", zap.Error(err))
			}

			// Cancel the root context. Closes any live backend sessions via the
			// deferred runtime.Shutdown.
			cancel()

			logger.Info("ironclaw control plane stopped")
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 7117, "API server port")
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "API server host")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Data directory (default: ~/.ironclaw/data)")
	cmd.Flags().StringVar(&approvalMode, "approval-mode", "deny", "Privileged call policy: auto|deny|interactive")

	return cmd
}

// serverApprover builds the default approver for the control plane. In
// "interactive" mode privileged calls are queued on a broker and answered
// from the serve terminal; the other modes map to static approvers.
func serverApprover(ctx context.Context, mode string, logger *zap.Logger) (approval.Approver, error) {
	if mode != "interactive" {
		approver, err := approval.ForMode(mode, nil)
		if err != nil {
			return nil, fmt.Errorf("invalid approval mode: %w", err)
		}
		return approver, nil
	}

	broker := approval.NewBroker(16)
	go promptLoop(ctx, broker, logger)
	return broker, nil
}

// promptLoop answers queued approval requests from stdin. Anything other
// than an explicit yes denies the call.
func promptLoop(ctx context.Context, broker *approval.Broker, logger *zap.Logger) {
	reader := bufio.NewReader(os.Stdin)
	warn := color.New(color.FgYellow, color.Bold)

	for {
		select {
		case <-ctx.Done():
			return
		case pending, ok := <-broker.Requests():
			if !ok {
				return
			}
			warn.Printf("\nPrivileged tool call: %s", pending.Request.Tool)
			if pending.Request.Run != "" {
				fmt.Printf(" (run %s)", pending.Request.Run)
			}
			fmt.Print("\nApprove? [y/N]: ")

			line, err := reader.ReadString('\n')
			if err != nil {
				logger.Warn("approval prompt read failed, denying", zap.Error(err))
				pending.Answer(approval.Denied)
				continue
			}

			answer := strings.ToLower(strings.TrimSpace(line))
			if answer == "y" || answer == "yes" {
				pending.Answer(approval.Approved)
				color.Green("approved %s", pending.Request.Tool)
			} else {
				pending.Answer(approval.Denied)
				color.Red("denied %s", pending.Request.Tool)
			}
		}
	}
}
