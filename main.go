package main

import (
	"fmt"
	"time"

	"PromoForge-server/config"
	"PromoForge-server/models"
	"PromoForge-server/routers"
	"PromoForge-server/routers/api"
	"PromoForge-server/service"
)

func main() {
	config.InitConfig()
	fmt.Println("Server starting on port", config.AppConfig.Server.Port)
	models.InitDB()
	fmt.Println("Database initialized")

	service.InitQueue()
	fmt.Println("Queue initialized")

	service.InitMinIO()
	fmt.Println("MinIO initialized")

	cfg := config.AppConfig
	store := models.NewStore(models.GormDB)
	backend := service.NewHTTPRenderBackend(cfg.Render.Addr)

	orch := &service.Orchestrator{
		Store:    store,
		Gateway:  service.NewHTTPAssetGateway(cfg.Gateway.Addr),
		Analyzer: service.NewHTTPQualityAnalyzer(cfg.Analyzer.Addr),
		Backend:  backend,
		Tracker: &service.Tracker{
			Backend:     backend,
			Store:       store,
			Timeout:     time.Duration(cfg.Render.TimeoutMin) * time.Minute,
			StallWindow: time.Duration(cfg.Render.StallMin) * time.Minute,
		},
		Chunks: &service.ChunkRunner{
			Store:   store,
			Backend: backend,
			Stitcher: &service.FFmpegStitcher{
				FFmpegPath: cfg.Render.FFmpegPath,
				ScratchDir: cfg.Render.ScratchDir,
				Upload:     service.UploadToMinIO,
			},
			CompositionID: cfg.Render.CompositionID,
			ChunkCapSec:   cfg.Render.ChunkMaxSec,
			MaxConcurrent: cfg.Render.MaxConcurrentChunks,
			PollInterval:  time.Duration(cfg.Render.PollIntervalSec) * time.Second,
		},
		Queue:               service.AsynqEnqueuer{},
		Thresholds:          service.GateThresholdsFromConfig(cfg),
		CompositionID:       cfg.Render.CompositionID,
		ChunkThresholdSec:   cfg.Render.ChunkThresholdSec,
		BackendHardLimitSec: cfg.Render.BackendHardLimitSec,
		RenderTimeFactor:    cfg.Render.RenderTimeFactor,
		PollInterval:        time.Duration(cfg.Render.PollIntervalSec) * time.Second,
	}
	orch.Regen = &service.RegenEngine{
		Store:       store,
		Gateway:     orch.Gateway,
		Analyzer:    orch.Analyzer,
		Providers:   cfg.Gateway.Providers,
		MaxAttempts: cfg.Regen.MaxAttempts,
		HardFail:    cfg.Quality.HardFailThreshold,
	}

	processor := service.NewProcessor(orch)
	processor.StartProcessor(5)

	api.Init(orch, store)

	r := routers.InitRouter()
	r.Run(config.AppConfig.Server.Port)
}
