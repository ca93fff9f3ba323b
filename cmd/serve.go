package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"sdhost/internal/api"
	"sdhost/internal/download"
	"sdhost/internal/event"
	"sdhost/internal/mirror"
	"sdhost/internal/task"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

var servePort int

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(*cobra.Command, []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()
	if servePort != 0 {
		a.cfg.Port = servePort
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	a.tasks.SetBaseContext(baseCtx)

	router := setupRouter()
	apiHandler := api.NewAPI(api.Deps{
		Generator: a.generator,
		Downloads: []*download.Service{a.weights, a.engine},
		DefaultDest: map[mirror.Family]string{
			mirror.Weights: a.cfg.ModelsDir,
			mirror.Engine:  a.cfg.EngineDir,
		},
		Releases: a.releases,
		Tasks:    a.tasks,
		Hub:      event.NewHub(),
	})
	apiHandler.RegisterRoutes(router)

	scheduler, err := startProbeSchedule(baseCtx, a.cfg.Mirrors.ProbeSchedule, a.weights.Mirrors(), a.engine.Mirrors())
	if err != nil {
		baseCancel()
		return err
	}

	srv := newHTTPServer(a.cfg.Port, router, readHeaderTimeout)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()
	log.Info().Int("port", a.cfg.Port).Msg("http server listening")

	waitForShutdownSignal()

	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	gracefulShutdown(srv, baseCancel, a.tasks, shutdownTimeout)
	return nil
}

func setupRouter() *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(api.ZerologLogger())
	return r
}

// startProbeSchedule refreshes the cached mirror probes on schedule. An empty
// schedule disables the schedule.
func startProbeSchedule(ctx context.Context, schedule string, registries ...*mirror.Registry) (*cron.Cron, error) {
	if schedule == "" {
		return nil, nil
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		for _, reg := range registries {
			results := reg.Refresh(ctx)
			healthy := 0
			for _, r := range results {
				if r.Success {
					healthy++
				}
			}
			log.Info().Str("family", string(reg.Family())).Int("healthy", healthy).Int("total", len(results)).Msg("scheduled mirror probe")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule mirror probe: %w", err)
	}
	c.Start()
	log.Info().Str("schedule", schedule).Msg("mirror probe scheduled")
	return c, nil
}

func newHTTPServer(port int, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func waitForShutdownSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")
}

func gracefulShutdown(srv *http.Server, cancelBase context.CancelFunc, tm *task.Manager, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	// downloads stop with the base context; the engine needs an explicit cancel
	cancelBase()
	for _, kind := range []task.Kind{task.KindGenerate, task.KindDownloadWeights, task.KindDownloadEngine} {
		tm.Cancel(kind)
	}
	done := tm.WaitAll(ctx)
	if !done {
		log.Warn().Msg("background workers did not finish before timeout")
	}
	log.Info().Msg("server exited cleanly")
}
