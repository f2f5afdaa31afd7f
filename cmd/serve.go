package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marketscope/enrich-cli/internal/job"
)

// shutdownGrace bounds how long in-flight requests may drain on SIGTERM.
const shutdownGrace = 10 * time.Second

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the trigger HTTP server",
	Long:  "Exposes the advance step over HTTP so an external scheduler (cron, cloud timer) can drive jobs. The endpoint is idempotent and safe to call concurrently.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		mux := http.NewServeMux()

		mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		})

		mux.HandleFunc("POST /trigger/advance", func(w http.ResponseWriter, r *http.Request) {
			jobID := r.URL.Query().Get("job")

			var res job.StepResult
			if jobID != "" {
				res = env.Machine.AdvanceOneStep(r.Context(), jobID)
			} else {
				res = env.Machine.AdvanceAny(r.Context())
			}
			logStep(res)

			status := http.StatusOK
			body := map[string]string{
				"status": string(res.Status),
				"job_id": res.JobID,
			}
			if res.ClientID != "" {
				body["client_id"] = res.ClientID
			}
			if res.Outcome != "" {
				body["outcome"] = string(res.Outcome)
			}
			if res.Err != nil {
				status = http.StatusInternalServerError
				body["error"] = res.Err.Error()
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(body)
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return eris.Wrap(err, "server listen")
		}

		zap.L().Info("starting server", zap.Int("port", port))
		return serveUntilShutdown(ctx, &http.Server{Handler: mux}, ln)
	},
}

// serveUntilShutdown serves ln until ctx is cancelled, then drains in-flight
// requests. Shutdown gets a fresh timeout context: the signal context is
// already cancelled by then and would abort the drain immediately.
func serveUntilShutdown(ctx context.Context, srv *http.Server, ln net.Listener) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("server shutdown", zap.Error(err))
		}
	}()

	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server serve")
	}
	// ErrServerClosed means the shutdown goroutine is already draining.
	<-done
	return nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
