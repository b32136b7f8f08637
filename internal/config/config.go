package config

import (
	"fmt"
	"math"
	"time"

	"github.com/yungbote/nexusflow-backend/internal/platform/envutil"
)

// Config carries every tunable of the classification engine. All values are
// overridable through NEXUSFLOW_* environment variables at startup.
type Config struct {
	// Routing thresholds on the calibrated score.
	AutoResolveThreshold float64
	HITLThreshold        float64

	// Component-agreement floors. Routing applies the review floor; the
	// auto-resolve floor is carried for reporting.
	AgreementFloorAutoResolve float64
	AgreementFloorReview      float64

	// Batch processor.
	BatchMaxSize      int
	BatchWorkerCount  int
	BatchHeartbeat    time.Duration
	CallbackTimeout   time.Duration

	// Embeddings.
	EmbeddingDim int

	// Ensemble weights; must sum to 1.
	GraphWeight  float64
	VectorWeight float64
	LLMWeight    float64

	// Calibration.
	CalibrationA           float64
	CalibrationB           float64
	CalibrationTemperature float64

	// Graph learning.
	EdgeWeightMin        float64
	EdgeWeightMax        float64
	AccuracyLearningRate float64

	// Upper bound on each LLM call.
	LLMTimeout time.Duration
}

// Load reads the engine configuration from the environment, applying the
// documented defaults for anything unset.
func Load() Config {
	return Config{
		AutoResolveThreshold:      envutil.Float("NEXUSFLOW_AUTO_RESOLVE_THRESHOLD", 0.70),
		HITLThreshold:             envutil.Float("NEXUSFLOW_HITL_THRESHOLD", 0.50),
		AgreementFloorAutoResolve: envutil.Float("NEXUSFLOW_AGREEMENT_FLOOR_AUTO_RESOLVE", 0.60),
		AgreementFloorReview:      envutil.Float("NEXUSFLOW_AGREEMENT_FLOOR_REVIEW", 0.40),
		BatchMaxSize:              envutil.Int("NEXUSFLOW_BATCH_MAX_SIZE", 1000),
		BatchWorkerCount:          envutil.Int("NEXUSFLOW_BATCH_WORKER_COUNT", 3),
		BatchHeartbeat:            envutil.Duration("NEXUSFLOW_BATCH_HEARTBEAT", 30*time.Second),
		CallbackTimeout:           envutil.Duration("NEXUSFLOW_CALLBACK_TIMEOUT", 30*time.Second),
		EmbeddingDim:              envutil.Int("NEXUSFLOW_EMBEDDING_DIM", 1536),
		GraphWeight:               envutil.Float("NEXUSFLOW_GRAPH_WEIGHT", 0.35),
		VectorWeight:              envutil.Float("NEXUSFLOW_VECTOR_WEIGHT", 0.35),
		LLMWeight:                 envutil.Float("NEXUSFLOW_LLM_WEIGHT", 0.30),
		CalibrationA:              envutil.Float("NEXUSFLOW_CALIBRATION_A", 1.0),
		CalibrationB:              envutil.Float("NEXUSFLOW_CALIBRATION_B", 0.0),
		CalibrationTemperature:    envutil.Float("NEXUSFLOW_CALIBRATION_TEMPERATURE", 1.0),
		EdgeWeightMin:             envutil.Float("NEXUSFLOW_EDGE_WEIGHT_MIN", 0.1),
		EdgeWeightMax:             envutil.Float("NEXUSFLOW_EDGE_WEIGHT_MAX", 2.0),
		AccuracyLearningRate:      envutil.Float("NEXUSFLOW_ACCURACY_LEARNING_RATE", 0.1),
		LLMTimeout:                envutil.Duration("NEXUSFLOW_LLM_TIMEOUT", 120*time.Second),
	}
}

// Validate rejects configurations that would break routing or learning math.
func (c Config) Validate() error {
	if sum := c.GraphWeight + c.VectorWeight + c.LLMWeight; math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("config: ensemble weights must sum to 1.0, got %.6f", sum)
	}
	if c.GraphWeight < 0 || c.VectorWeight < 0 || c.LLMWeight < 0 {
		return fmt.Errorf("config: ensemble weights must be non-negative")
	}
	if c.AutoResolveThreshold <= 0 || c.AutoResolveThreshold > 1 {
		return fmt.Errorf("config: auto_resolve_threshold must be in (0,1], got %v", c.AutoResolveThreshold)
	}
	if c.HITLThreshold <= 0 || c.HITLThreshold > c.AutoResolveThreshold {
		return fmt.Errorf("config: hitl_threshold must be in (0, auto_resolve_threshold], got %v", c.HITLThreshold)
	}
	if c.AgreementFloorAutoResolve < 0 || c.AgreementFloorAutoResolve > 1 ||
		c.AgreementFloorReview < 0 || c.AgreementFloorReview > 1 {
		return fmt.Errorf("config: agreement floors must be in [0,1]")
	}
	if c.BatchMaxSize < 1 {
		return fmt.Errorf("config: batch_max_size must be positive, got %d", c.BatchMaxSize)
	}
	if c.BatchWorkerCount < 1 {
		return fmt.Errorf("config: batch_worker_count must be positive, got %d", c.BatchWorkerCount)
	}
	if c.EmbeddingDim < 1 {
		return fmt.Errorf("config: embedding_dim must be positive, got %d", c.EmbeddingDim)
	}
	if c.EdgeWeightMin <= 0 || c.EdgeWeightMin >= c.EdgeWeightMax {
		return fmt.Errorf("config: edge weight bounds must satisfy 0 < min < max, got [%v, %v]", c.EdgeWeightMin, c.EdgeWeightMax)
	}
	if c.AccuracyLearningRate <= 0 || c.AccuracyLearningRate > 1 {
		return fmt.Errorf("config: accuracy_learning_rate must be in (0,1], got %v", c.AccuracyLearningRate)
	}
	if c.CalibrationTemperature <= 0 {
		return fmt.Errorf("config: calibration_temperature must be positive, got %v", c.CalibrationTemperature)
	}
	if c.LLMTimeout <= 0 {
		return fmt.Errorf("config: llm_timeout must be positive, got %v", c.LLMTimeout)
	}
	if c.BatchHeartbeat <= 0 {
		return fmt.Errorf("config: batch_heartbeat must be positive, got %v", c.BatchHeartbeat)
	}
	return nil
}
