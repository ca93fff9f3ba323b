package main

import (
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"sdhost/internal/config"
	"sdhost/internal/download"
	fileutil "sdhost/internal/file"
	"sdhost/internal/generate"
	"sdhost/internal/mirror"
	"sdhost/internal/release"
	"sdhost/internal/task"
)

// app is everything a command needs, built from the config file.
type app struct {
	cfg       config.Config
	tasks     *task.Manager
	generator *generate.Supervisor
	weights   *download.Service
	engine    *download.Service
	releases  *release.Client
}

func loadApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	for _, dir := range []string{cfg.DataDir, cfg.ModelsDir, cfg.EngineDir, cfg.OutputsDir} {
		if err := fileutil.EnsureDir(dir); err != nil {
			return nil, fmt.Errorf("ensure dir %s: %w", dir, err)
		}
	}

	store, err := task.OpenStore(cfg.HistoryBackend, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	tasks := task.NewManagerWithOptions(task.Options{DataDir: cfg.DataDir, Store: store})
	if err := tasks.LoadFromDisk(); err != nil {
		log.Warn().Err(err).Msg("load task history failed")
	}

	client := &http.Client{}
	job := download.NewJob(download.Options{
		Client:         client,
		MaxRedirects:   cfg.Download.MaxRedirects,
		UserAgent:      cfg.Download.UserAgent,
		BandwidthLimit: cfg.Download.BandwidthBytes(),
	})
	probeTimeout := time.Duration(cfg.Mirrors.ProbeTimeoutSeconds) * time.Second

	newService := func(family mirror.Family, defaultID string) (*download.Service, error) {
		reg, err := mirror.NewRegistry(mirror.Options{
			Family:       family,
			StorePath:    filepath.Join(cfg.DataDir, "mirrors_"+string(family)+".json"),
			DefaultID:    defaultID,
			Client:       client,
			ProbeTimeout: probeTimeout,
			UserAgent:    cfg.Download.UserAgent,
		})
		if err != nil {
			return nil, fmt.Errorf("%s mirrors: %w", family, err)
		}
		return download.NewService(reg, job, tasks), nil
	}
	weights, err := newService(mirror.Weights, cfg.Mirrors.WeightsDefault)
	if err != nil {
		return nil, err
	}
	engine, err := newService(mirror.Engine, cfg.Mirrors.EngineDefault)
	if err != nil {
		return nil, err
	}

	generator := generate.NewSupervisor(generate.Options{
		ModelsDir:  cfg.ModelsDir,
		OutputsDir: cfg.OutputsDir,
		EngineDir:  cfg.EngineDir,
		Device:     cfg.Device,
		FFmpeg:     cfg.FFmpegPath,
		Tasks:      tasks,
	})

	log.Info().
		Str("config", configPath).
		Str("device", cfg.Device).
		Str("history", cfg.HistoryBackend).
		Str("engine", generator.Executable()).
		Msg("configuration loaded")

	return &app{
		cfg:       cfg,
		tasks:     tasks,
		generator: generator,
		weights:   weights,
		engine:    engine,
		releases:  release.NewClient(client, cfg.Download.UserAgent),
	}, nil
}

func (a *app) service(family mirror.Family) *download.Service {
	if family == mirror.Engine {
		return a.engine
	}
	return a.weights
}

func (a *app) close() {
	if err := a.tasks.Close(); err != nil {
		log.Warn().Err(err).Msg("close task store")
	}
}
