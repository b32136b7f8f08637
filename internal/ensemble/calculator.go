package ensemble

import (
	"fmt"
	"math"

	"github.com/yungbote/nexusflow-backend/internal/domain"
)

// Config carries the fusion weights, calibration parameters, and the
// reporting thresholds the calculator annotates results with.
type Config struct {
	GraphWeight  float64
	VectorWeight float64
	LLMWeight    float64

	CalibrationA           float64
	CalibrationB           float64
	CalibrationTemperature float64

	AutoResolveThreshold      float64
	HITLThreshold             float64
	AgreementFloorAutoResolve float64
	AgreementFloorReview      float64
}

// DefaultConfig returns the reference parameterization.
func DefaultConfig() Config {
	return Config{
		GraphWeight:               0.35,
		VectorWeight:              0.35,
		LLMWeight:                 0.30,
		CalibrationA:              1.0,
		CalibrationB:              0.0,
		CalibrationTemperature:    1.0,
		AutoResolveThreshold:      0.70,
		HITLThreshold:             0.50,
		AgreementFloorAutoResolve: 0.60,
		AgreementFloorReview:      0.40,
	}
}

// Calculator fuses the three component predictions into a calibrated
// ensemble result. It is pure: no I/O, no shared state mutation outside Fit.
type Calculator struct {
	cfg Config
}

// New validates the config and returns a calculator.
func New(cfg Config) (*Calculator, error) {
	if sum := cfg.GraphWeight + cfg.VectorWeight + cfg.LLMWeight; math.Abs(sum-1.0) > 1e-6 {
		return nil, fmt.Errorf("ensemble: weights must sum to 1.0, got %.6f", sum)
	}
	if cfg.CalibrationTemperature <= 0 {
		return nil, fmt.Errorf("ensemble: temperature must be positive, got %v", cfg.CalibrationTemperature)
	}
	return &Calculator{cfg: cfg}, nil
}

// Config returns the calculator's current parameterization.
func (c *Calculator) Config() Config { return c.cfg }

// Calculate runs the full ensemble: hierarchical agreement, weighted raw
// score, agreement adjustment, entropy, Platt scaling, temperature scaling,
// and the per-level weighted majority vote.
func (c *Calculator) Calculate(graph, vector, llm domain.ComponentPrediction) domain.EnsembleResult {
	agreement := c.agreement(graph, vector, llm)

	raw := c.cfg.GraphWeight*graph.Confidence +
		c.cfg.VectorWeight*vector.Confidence +
		c.cfg.LLMWeight*llm.Confidence

	adjusted := c.adjustForAgreement(raw, agreement)

	entropy := normalizedEntropy([]float64{graph.Confidence, vector.Confidence, llm.Confidence})

	calibrated := c.plattScale(adjusted)
	calibrated = c.temperatureScale(calibrated)

	l1, l2, l3 := c.majorityVote(graph, vector, llm)

	return domain.EnsembleResult{
		Level1:           l1,
		Level2:           l2,
		Level3:           l3,
		GraphConfidence:  graph.Confidence,
		VectorConfidence: vector.Confidence,
		LLMConfidence:    llm.Confidence,
		Weights: domain.EnsembleWeights{
			Graph:  c.cfg.GraphWeight,
			Vector: c.cfg.VectorWeight,
			LLM:    c.cfg.LLMWeight,
		},
		RawCombinedScore:       raw,
		CalibratedScore:        calibrated,
		ComponentAgreement:     agreement,
		Entropy:                entropy,
		CalibrationMethod:      "platt_scaling",
		CalibrationTemperature: c.cfg.CalibrationTemperature,
		IsHighConfidence:       calibrated >= c.cfg.AutoResolveThreshold && agreement >= c.cfg.AgreementFloorAutoResolve,
		NeedsReview:            calibrated < c.cfg.HITLThreshold || agreement < c.cfg.AgreementFloorReview,
	}
}

// adjustForAgreement attenuates the weighted raw score by up to 30% as
// component consensus drops. Unanimous agreement keeps the raw score.
func (c *Calculator) adjustForAgreement(raw, agreement float64) float64 {
	return raw * (0.7 + 0.3*agreement)
}

// RawAdjustedScore recomputes the pre-calibration ensemble score from stored
// component confidences and their agreement. This is the quantity Fit takes
// as training input, so refits see exactly what Calculate fed the sigmoid.
func (c *Calculator) RawAdjustedScore(graph, vector, llm, agreement float64) float64 {
	raw := c.cfg.GraphWeight*graph + c.cfg.VectorWeight*vector + c.cfg.LLMWeight*llm
	return c.adjustForAgreement(raw, agreement)
}

// agreement measures cross-component consensus hierarchically: disagreement
// at L1 devalues downstream agreement, since L2 consensus conditional on L1
// disagreement is usually coincidental.
func (c *Calculator) agreement(preds ...domain.ComponentPrediction) float64 {
	l1 := levelAgreement(preds, func(p domain.ComponentPrediction) string { return p.Level1 })
	l2 := levelAgreement(preds, func(p domain.ComponentPrediction) string { return p.Level2 })
	l3 := levelAgreement(preds, func(p domain.ComponentPrediction) string { return p.Level3 })

	return 0.4*l1 + 0.35*l2*l1 + 0.25*l3*l2
}

func levelAgreement(preds []domain.ComponentPrediction, get func(domain.ComponentPrediction) string) float64 {
	if len(preds) == 0 {
		return 0
	}
	counts := map[string]int{}
	most := 0
	for _, p := range preds {
		v := get(p)
		counts[v]++
		if counts[v] > most {
			most = counts[v]
		}
	}
	return float64(most) / float64(len(preds))
}

// normalizedEntropy treats the confidences as an unnormalized distribution
// and returns Shannon entropy over log2(n). All-zero input means maximum
// uncertainty.
func normalizedEntropy(confidences []float64) float64 {
	total := 0.0
	for _, v := range confidences {
		total += v
	}
	if total == 0 {
		return 1.0
	}

	entropy := 0.0
	for _, v := range confidences {
		p := v / total
		if p > 0 {
			entropy -= p * math.Log2(p)
		}
	}

	maxEntropy := math.Log2(float64(len(confidences)))
	if maxEntropy <= 0 {
		return 0
	}
	return entropy / maxEntropy
}

// plattScale applies sigma(A*score + B) with saturation guards: a large
// positive argument saturates to 1, a large negative one to 0.
func (c *Calculator) plattScale(score float64) float64 {
	x := c.cfg.CalibrationA*score + c.cfg.CalibrationB
	if x > 100 {
		return 1.0
	}
	if x < -100 {
		return 0.0
	}
	return 1.0 / (1.0 + math.Exp(-x))
}

// temperatureScale softens (T>1) or sharpens (T<1) the calibrated score in
// logit space. T=1 is the identity.
func (c *Calculator) temperatureScale(score float64) float64 {
	if c.cfg.CalibrationTemperature == 1.0 {
		return score
	}

	clipped := math.Max(0.001, math.Min(0.999, score))
	logit := math.Log(clipped / (1 - clipped))
	scaled := logit / c.cfg.CalibrationTemperature

	return 1.0 / (1.0 + math.Exp(-scaled))
}

// majorityVote decides each level independently by weight*confidence voting.
// The combined path may be one no single component produced; that is intended.
// Ties keep the earliest voter in graph, vector, llm order.
func (c *Calculator) majorityVote(graph, vector, llm domain.ComponentPrediction) (string, string, string) {
	type weighted struct {
		pred   domain.ComponentPrediction
		weight float64
	}
	voters := []weighted{
		{graph, c.cfg.GraphWeight},
		{vector, c.cfg.VectorWeight},
		{llm, c.cfg.LLMWeight},
	}

	vote := func(get func(domain.ComponentPrediction) string) string {
		totals := map[string]float64{}
		order := make([]string, 0, len(voters))
		for _, v := range voters {
			value := get(v.pred)
			if _, seen := totals[value]; !seen {
				order = append(order, value)
			}
			totals[value] += v.weight * v.pred.Confidence
		}

		winner := ""
		best := math.Inf(-1)
		for _, value := range order {
			if totals[value] > best {
				best = totals[value]
				winner = value
			}
		}
		return winner
	}

	l1 := vote(func(p domain.ComponentPrediction) string { return p.Level1 })
	l2 := vote(func(p domain.ComponentPrediction) string { return p.Level2 })
	l3 := vote(func(p domain.ComponentPrediction) string { return p.Level3 })
	return l1, l2, l3
}

// Fit learns Platt parameters (A, B) by minimizing the negative log
// likelihood of the sigmoid over validation pairs, via plain gradient
// descent. The fitted parameters replace the calculator's current ones.
func (c *Calculator) Fit(scores []float64, labels []bool) (float64, float64, error) {
	if len(scores) == 0 || len(scores) != len(labels) {
		return 0, 0, fmt.Errorf("ensemble: fit needs equal-length non-empty scores and labels, got %d/%d", len(scores), len(labels))
	}

	a, b := 1.0, 0.0
	const (
		lr         = 0.1
		iterations = 2000
		tolerance  = 1e-9
	)

	n := float64(len(scores))
	for i := 0; i < iterations; i++ {
		gradA, gradB := 0.0, 0.0
		for j, s := range scores {
			p := sigmoid(a*s + b)
			y := 0.0
			if labels[j] {
				y = 1.0
			}
			gradA += (p - y) * s
			gradB += p - y
		}
		gradA /= n
		gradB /= n

		a -= lr * gradA
		b -= lr * gradB

		if math.Abs(gradA) < tolerance && math.Abs(gradB) < tolerance {
			break
		}
	}

	if math.IsNaN(a) || math.IsNaN(b) || math.IsInf(a, 0) || math.IsInf(b, 0) {
		return 0, 0, fmt.Errorf("ensemble: fit diverged")
	}

	c.cfg.CalibrationA = a
	c.cfg.CalibrationB = b
	return a, b, nil
}

func sigmoid(x float64) float64 {
	if x > 100 {
		return 1.0
	}
	if x < -100 {
		return 0.0
	}
	return 1.0 / (1.0 + math.Exp(-x))
}
