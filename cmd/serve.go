package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"leadflow/crm/internal/api"
	"leadflow/crm/internal/tasks"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the editor API and/or the background worker",
	Long: `Run LeadFlow servers.

Modes:
  api  editor API on API_PORT
  bg   asynq worker plus the periodic sweep scheduler
  all  both (default)

The service API (shutdown, test emails, /metrics) runs in every mode on
SERVICE_API_PORT.`,
	Example: `  leadflow serve
  leadflow serve --mode bg`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("mode", "m", "all", "Run mode: 'api', 'bg' (background tasks), 'all'")
}

func runServe(cmd *cobra.Command, args []string) error {
	mode, _ := cmd.Flags().GetString("mode")
	if mode != "api" && mode != "bg" && mode != "all" {
		return fmt.Errorf("invalid run mode %q", mode)
	}

	a, err := newApp(cmd.Context(), mode)
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.log.With().Str("mode", mode).Logger()
	gin.SetMode(gin.ReleaseMode)

	var wg sync.WaitGroup
	shutdownChan := make(chan struct{}, 1)
	requestShutdown := func() {
		select {
		case shutdownChan <- struct{}{}:
		default:
		}
	}

	serve := func(name string, srv *http.Server) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Str("server", name).Str("addr", srv.Addr).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("server", name).Msg("listener failed")
				requestShutdown()
			}
		}()
	}

	serviceSrv := &http.Server{
		Addr:    ":" + a.cfg.ServiceApiPort,
		Handler: api.SetupServiceRouter(a.cfg, a.redisClient, shutdownChan),
	}
	serve("service", serviceSrv)

	var mainApiSrv *http.Server
	if mode == "api" || mode == "all" {
		mainApiSrv = &http.Server{
			Addr:    ":" + a.cfg.ApiPort,
			Handler: api.SetupRouter(a.cfg, a.recurring, a.processor, a.invoices, a.contacts, a.templates),
		}
		serve("api", mainApiSrv)
	}

	var taskSrv *asynq.Server
	var scheduler *asynq.Scheduler
	if mode == "bg" || mode == "all" {
		var mux *asynq.ServeMux
		taskSrv, mux = tasks.SetupServer(a.redisClient, a.processor)
		if err := taskSrv.Start(mux); err != nil {
			return fmt.Errorf("failed to start task server: %w", err)
		}
		scheduler, err = tasks.NewScheduler(a.redisClient, a.cfg)
		if err != nil {
			taskSrv.Shutdown()
			return err
		}
		if err := scheduler.Start(); err != nil {
			taskSrv.Shutdown()
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		log.Info().Str("cron", a.cfg.RecurringSweepCron).Msg("background worker started")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-shutdownChan:
		log.Info().Msg("shutdown requested")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := serviceSrv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("service API shutdown error")
	}
	if mainApiSrv != nil {
		if err := mainApiSrv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("main API shutdown error")
		}
	}
	if scheduler != nil {
		scheduler.Shutdown()
	}
	if taskSrv != nil {
		taskSrv.Shutdown()
	}

	wg.Wait()
	log.Info().Msg("server gracefully stopped")
	return nil
}
