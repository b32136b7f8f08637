package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yungbote/nexusflow-backend/internal/config"
	"github.com/yungbote/nexusflow-backend/internal/data/db"
	"github.com/yungbote/nexusflow-backend/internal/data/graph"
	"github.com/yungbote/nexusflow-backend/internal/data/repos"
	"github.com/yungbote/nexusflow-backend/internal/ensemble"
	"github.com/yungbote/nexusflow-backend/internal/events"
	"github.com/yungbote/nexusflow-backend/internal/pipeline"
	apperrors "github.com/yungbote/nexusflow-backend/internal/pkg/errors"
	"github.com/yungbote/nexusflow-backend/internal/platform/envutil"
	"github.com/yungbote/nexusflow-backend/internal/platform/logger"
	"github.com/yungbote/nexusflow-backend/internal/platform/neo4jdb"
	"github.com/yungbote/nexusflow-backend/internal/platform/openai"
	"github.com/yungbote/nexusflow-backend/internal/platform/qdrant"
	"github.com/yungbote/nexusflow-backend/internal/services"
	"github.com/yungbote/nexusflow-backend/internal/taxonomy"
	"github.com/yungbote/nexusflow-backend/internal/vector"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Config
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Postgres
	log.Info("Connecting Postgres from main...")
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err := postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// Neo4j
	log.Info("Connecting Neo4j from main...")
	neoClient, err := neo4jdb.NewFromEnv(log)
	if err != nil {
		log.Error("Neo4j init failed", "error", err)
		os.Exit(1)
	}
	if neoClient == nil {
		log.Error("Neo4j not configured, set NEO4J_URI")
		os.Exit(1)
	}
	defer neoClient.Close(context.Background())
	graphStore, err := graph.NewStore(neoClient, log, graph.Config{
		EdgeWeightMin: cfg.EdgeWeightMin,
		EdgeWeightMax: cfg.EdgeWeightMax,
		AccuracyAlpha: cfg.AccuracyLearningRate,
	})
	if err != nil {
		log.Error("Graph store init failed", "error", err)
		os.Exit(1)
	}
	if err := graphStore.EnsureSchema(ctx); err != nil {
		log.Error("Graph schema setup failed", "error", err)
		os.Exit(1)
	}

	// Qdrant
	log.Info("Connecting Qdrant from main...")
	qdrantCfg, err := qdrant.ResolveConfigFromEnv()
	if err != nil {
		log.Error("Qdrant config invalid", "error", err)
		os.Exit(1)
	}
	qdrantClient, err := qdrant.NewClient(log, qdrantCfg)
	if err != nil {
		log.Error("Qdrant init failed", "error", err)
		os.Exit(1)
	}
	vectorStore, err := vector.NewStore(qdrantClient, log)
	if err != nil {
		log.Error("Vector store init failed", "error", err)
		os.Exit(1)
	}
	if err := vectorStore.EnsureReady(ctx, false); err != nil {
		log.Error("Vector collection setup failed", "error", err)
		os.Exit(1)
	}

	// OpenAI
	openaiClient, err := openai.NewClient(log)
	if err != nil {
		log.Error("Could not init OpenAIClient", "error", err)
		os.Exit(1)
	}

	// Events
	log.Info("Setting up event hub from main...")
	hub := events.NewHub(log)
	var bridge *events.RedisBridge
	if os.Getenv("REDIS_ADDR") != "" {
		bridge, err = events.NewRedisBridge(log)
		if err != nil {
			log.Warn("Redis event bridge unavailable, events stay local", "error", err)
			bridge = nil
		} else if err := bridge.StartForwarder(ctx, hub.Publish); err != nil {
			log.Warn("Redis event forwarder failed, events stay local", "error", err)
			_ = bridge.Close()
			bridge = nil
		}
	}
	var emitter events.Emitter = hub
	if bridge != nil {
		// Bridge-published events return through the forwarder, so the hub
		// still serves local subscribers without double delivery.
		emitter = bridge
	}

	// Ensemble + pipeline
	ensembleCfg := ensemble.Config{
		GraphWeight:               cfg.GraphWeight,
		VectorWeight:              cfg.VectorWeight,
		LLMWeight:                 cfg.LLMWeight,
		CalibrationA:              cfg.CalibrationA,
		CalibrationB:              cfg.CalibrationB,
		CalibrationTemperature:    cfg.CalibrationTemperature,
		AutoResolveThreshold:      cfg.AutoResolveThreshold,
		HITLThreshold:             cfg.HITLThreshold,
		AgreementFloorAutoResolve: cfg.AgreementFloorAutoResolve,
		AgreementFloorReview:      cfg.AgreementFloorReview,
	}
	calc, err := ensemble.New(ensembleCfg)
	if err != nil {
		log.Error("Ensemble calculator init failed", "error", err)
		os.Exit(1)
	}
	pipe, err := pipeline.New(graphStore, vectorStore, openaiClient, openaiClient, calc, emitter, cfg, log)
	if err != nil {
		log.Error("Pipeline init failed", "error", err)
		os.Exit(1)
	}

	// Repos
	log.Info("Setting up Repos from main...")
	ticketRepo := repos.NewTicketRepo(thePG, log)
	userRepo := repos.NewUserRepo(thePG, log)
	taskRepo := repos.NewHITLTaskRepo(thePG, log)
	correctionRepo := repos.NewHITLCorrectionRepo(thePG, log)
	batchJobRepo := repos.NewBatchJobRepo(thePG, log)
	metricRepo := repos.NewClassificationMetricRepo(thePG, log)

	// Services
	log.Info("Setting up Services from main...")
	hitlService := services.NewHITLService(log, taskRepo, correctionRepo, openaiClient, vectorStore)
	evolutionService := services.NewEvolutionService(log, openaiClient, graphStore, ticketRepo)
	learningService := services.NewLearningService(
		repos.NewGormTxRunner(thePG),
		log,
		ensembleCfg,
		graphStore,
		vectorStore,
		evolutionService,
		taskRepo,
		correctionRepo,
		ticketRepo,
		userRepo,
		metricRepo,
	)
	classificationService := services.NewClassificationService(
		log,
		pipe,
		graphStore,
		vectorStore,
		openaiClient,
		hitlService,
		ticketRepo,
		metricRepo,
	)
	batchProcessor := services.NewBatchProcessor(cfg, log, classificationService, batchJobRepo, hub, nil)
	if bridge != nil {
		batchProcessor.MirrorEvents(bridge)
	}

	// Taxonomy
	hierarchy, err := taxonomy.Load()
	if err != nil {
		log.Error("Taxonomy load failed", "error", err)
		os.Exit(1)
	}
	if err := hierarchy.Validate(); err != nil {
		log.Error("Taxonomy invalid", "error", err)
		os.Exit(1)
	}
	if err := graphStore.LoadHierarchy(ctx, hierarchy); err != nil {
		log.Error("Taxonomy seed failed", "error", err)
		os.Exit(1)
	}
	l1, l2, l3 := hierarchy.CountByLevel()
	log.Info("Taxonomy seeded", "level1", l1, "level2", l2, "level3", l3)

	// Workers
	batchProcessor.Start(ctx)
	go recalibrationLoop(ctx, log, cfg, learningService)
	log.Info("Classification engine running", "workers", cfg.BatchWorkerCount)

	<-ctx.Done()
	log.Info("Shutting down...")
	batchProcessor.Stop()
	if bridge != nil {
		_ = bridge.Close()
	}
}

// recalibrationLoop periodically refits Platt calibration on recent labeled
// outcomes and logs the suggested parameters. Fits are advisory;
// NEXUSFLOW_CALIBRATION_A/B stay authoritative until an operator updates them.
func recalibrationLoop(ctx context.Context, log *logger.Logger, cfg config.Config, learning services.LearningService) {
	interval := envutil.Duration("NEXUSFLOW_RECALIBRATE_INTERVAL", 24*time.Hour)
	samples := envutil.Int("NEXUSFLOW_RECALIBRATE_SAMPLES", 500)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fit, err := learning.Recalibrate(ctx, samples)
			if errors.Is(err, apperrors.ErrInvalidArgument) {
				log.Info("Skipping recalibration, not enough labeled corrections")
				continue
			}
			if err != nil {
				log.Warn("Recalibration failed", "error", err)
				continue
			}
			log.Info("Calibration fit",
				"suggested_a", fit.A,
				"suggested_b", fit.B,
				"samples", fit.Samples,
				"current_a", cfg.CalibrationA,
				"current_b", cfg.CalibrationB,
			)
		}
	}
}
