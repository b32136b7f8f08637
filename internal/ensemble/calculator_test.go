package ensemble

import (
	"math"
	"testing"

	"github.com/yungbote/nexusflow-backend/internal/domain"
)

func pred(l1, l2, l3 string, conf float64, source string) domain.ComponentPrediction {
	return domain.ComponentPrediction{
		Path:       domain.Path{Level1: l1, Level2: l2, Level3: l3},
		Confidence: conf,
		Source:     source,
	}
}

func mustNew(t *testing.T, cfg Config) *Calculator {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func sigmoidRef(x float64) float64 { return 1.0 / (1.0 + math.Exp(-x)) }

func TestNewRejectsBadWeights(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GraphWeight = 0.5
	cfg.VectorWeight = 0.5
	cfg.LLMWeight = 0.5
	if _, err := New(cfg); err == nil {
		t.Fatal("expected weight-sum error")
	}

	cfg = DefaultConfig()
	cfg.CalibrationTemperature = 0
	if _, err := New(cfg); err == nil {
		t.Fatal("expected temperature error")
	}
}

func TestUnanimousHighConfidence(t *testing.T) {
	c := mustNew(t, DefaultConfig())

	graph := pred("Technical Support", "Authentication", "Password Reset Issues", 0.9, "graph")
	vector := pred("Technical Support", "Authentication", "Password Reset Issues", 0.88, "vector")
	llm := pred("Technical Support", "Authentication", "Password Reset Issues", 0.85, "llm")

	res := c.Calculate(graph, vector, llm)

	if res.ComponentAgreement != 1.0 {
		t.Fatalf("agreement = %v, want 1.0", res.ComponentAgreement)
	}

	wantRaw := 0.35*0.9 + 0.35*0.88 + 0.30*0.85
	if math.Abs(res.RawCombinedScore-wantRaw) > 1e-12 {
		t.Fatalf("raw = %v, want %v", res.RawCombinedScore, wantRaw)
	}

	// Full agreement leaves the raw score unattenuated before calibration.
	wantCalibrated := sigmoidRef(wantRaw)
	if math.Abs(res.CalibratedScore-wantCalibrated) > 1e-12 {
		t.Fatalf("calibrated = %v, want sigmoid(raw) = %v", res.CalibratedScore, wantCalibrated)
	}

	if res.Level1 != "Technical Support" || res.Level2 != "Authentication" || res.Level3 != "Password Reset Issues" {
		t.Fatalf("majority path = %s/%s/%s", res.Level1, res.Level2, res.Level3)
	}
	if !res.IsHighConfidence {
		t.Fatalf("IsHighConfidence = false for calibrated %v, agreement %v", res.CalibratedScore, res.ComponentAgreement)
	}
	if res.NeedsReview {
		t.Fatal("NeedsReview = true for unanimous high confidence")
	}
}

func TestIdenticalPredictionsCalibratedFloor(t *testing.T) {
	c := mustNew(t, DefaultConfig())

	for _, x := range []float64{0.1, 0.5, 0.8, 1.0} {
		p := pred("A", "B", "C", x, "graph")
		res := c.Calculate(p, p, p)
		if res.ComponentAgreement != 1.0 {
			t.Fatalf("x=%v: agreement = %v, want 1.0", x, res.ComponentAgreement)
		}
		if res.CalibratedScore < sigmoidRef(x)-1e-12 {
			t.Fatalf("x=%v: calibrated %v < sigmoid(x) %v", x, res.CalibratedScore, sigmoidRef(x))
		}
	}
}

func TestFullDisagreement(t *testing.T) {
	c := mustNew(t, DefaultConfig())

	graph := pred("Technical Support", "Authentication", "Password Reset Issues", 0.6, "graph")
	vector := pred("Billing & Payments", "Payment Processing", "Failed Transactions", 0.5, "vector")
	llm := pred("Account Management", "Security", "Suspicious Activity", 0.4, "llm")

	res := c.Calculate(graph, vector, llm)

	// Closed form: 0.4*(1/3) + 0.35*(1/3)*(1/3) + 0.25*(1/3)*(1/3).
	wantAgreement := 0.4/3 + 0.35/9 + 0.25/9
	if math.Abs(res.ComponentAgreement-wantAgreement) > 1e-12 {
		t.Fatalf("agreement = %v, want %v", res.ComponentAgreement, wantAgreement)
	}

	// Weighted votes: graph 0.35*0.6=0.21 beats vector 0.175 and llm 0.12 on
	// every level, so the graph path wins throughout.
	if res.Level1 != "Technical Support" || res.Level2 != "Authentication" || res.Level3 != "Password Reset Issues" {
		t.Fatalf("majority path = %s/%s/%s, want graph path", res.Level1, res.Level2, res.Level3)
	}

	if !res.NeedsReview {
		t.Fatalf("NeedsReview = false with agreement %v", res.ComponentAgreement)
	}
	if res.IsHighConfidence {
		t.Fatal("IsHighConfidence = true under full disagreement")
	}

	wantRaw := 0.35*0.6 + 0.35*0.5 + 0.30*0.4
	wantCalibrated := sigmoidRef(wantRaw * (0.7 + 0.3*wantAgreement))
	if math.Abs(res.CalibratedScore-wantCalibrated) > 1e-12 {
		t.Fatalf("calibrated = %v, want %v", res.CalibratedScore, wantCalibrated)
	}
}

func TestPartialAgreementLevel1Only(t *testing.T) {
	c := mustNew(t, DefaultConfig())

	graph := pred("Technical Support", "Authentication", "Account Lockout", 0.8, "graph")
	vector := pred("Technical Support", "Performance", "Timeout Errors", 0.7, "vector")
	llm := pred("Billing & Payments", "Invoicing", "Missing Invoice", 0.6, "llm")

	res := c.Calculate(graph, vector, llm)

	a1, a2, a3 := 2.0/3.0, 1.0/3.0, 1.0/3.0
	wantAgreement := 0.4*a1 + 0.35*a2*a1 + 0.25*a3*a2
	if math.Abs(res.ComponentAgreement-wantAgreement) > 1e-12 {
		t.Fatalf("agreement = %v, want %v", res.ComponentAgreement, wantAgreement)
	}

	// L1 should follow the two agreeing components: 0.35*0.8 + 0.35*0.7 = 0.525
	// beats llm's 0.30*0.6 = 0.18.
	if res.Level1 != "Technical Support" {
		t.Fatalf("level1 = %q, want Technical Support", res.Level1)
	}
	// L2/L3 fall to the strongest single vote (graph).
	if res.Level2 != "Authentication" || res.Level3 != "Account Lockout" {
		t.Fatalf("level2/3 = %s/%s, want graph's", res.Level2, res.Level3)
	}
}

func TestMajorityVoteCanCombineComponents(t *testing.T) {
	c := mustNew(t, DefaultConfig())

	// Vector and llm outvote the graph on L1 despite its higher confidence.
	graph := pred("Technical Support", "Authentication", "Login Failures", 0.9, "graph")
	vector := pred("Billing & Payments", "Invoicing", "Missing Invoice", 0.5, "vector")
	llm := pred("Billing & Payments", "Subscription", "Plan Changes", 0.5, "llm")

	res := c.Calculate(graph, vector, llm)

	// L1: Billing 0.35*0.5 + 0.30*0.5 = 0.325 > Technical Support 0.315.
	if res.Level1 != "Billing & Payments" {
		t.Fatalf("level1 = %q, want Billing & Payments", res.Level1)
	}
	// L2: graph's Authentication 0.315 beats Invoicing 0.175 and Subscription 0.15.
	if res.Level2 != "Authentication" {
		t.Fatalf("level2 = %q, want Authentication", res.Level2)
	}
}

func TestMajorityVoteTieKeepsEarliestVoter(t *testing.T) {
	c := mustNew(t, DefaultConfig())

	graph := pred("Alpha", "A2", "A3", 0.5, "graph")
	vector := pred("Beta", "B2", "B3", 0.5, "vector")
	llm := pred("Gamma", "C2", "C3", 0.0, "llm")

	res := c.Calculate(graph, vector, llm)
	// Graph and vector carry equal weight and confidence; the earlier voter wins.
	if res.Level1 != "Alpha" {
		t.Fatalf("level1 = %q, want Alpha (first voter on tie)", res.Level1)
	}
}

func TestPlattSaturation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CalibrationA = 300
	c := mustNew(t, cfg)
	p := pred("A", "B", "C", 1.0, "graph")
	res := c.Calculate(p, p, p)
	if res.CalibratedScore != 1.0 {
		t.Fatalf("large positive argument: calibrated = %v, want 1.0", res.CalibratedScore)
	}

	cfg = DefaultConfig()
	cfg.CalibrationA = -300
	c = mustNew(t, cfg)
	res = c.Calculate(p, p, p)
	if res.CalibratedScore != 0.0 {
		t.Fatalf("large negative argument: calibrated = %v, want 0.0", res.CalibratedScore)
	}
}

func TestTemperatureIdentity(t *testing.T) {
	base := mustNew(t, DefaultConfig())

	graph := pred("A", "B", "C", 0.77, "graph")
	vector := pred("A", "B", "C", 0.61, "vector")
	llm := pred("A", "B", "C", 0.52, "llm")

	want := base.Calculate(graph, vector, llm).CalibratedScore

	cfg := DefaultConfig()
	cfg.CalibrationTemperature = 1.0
	same := mustNew(t, cfg).Calculate(graph, vector, llm).CalibratedScore
	if same != want {
		t.Fatalf("T=1 changed score: %v vs %v", same, want)
	}
}

func TestTemperatureSoftens(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CalibrationTemperature = 2.0
	c := mustNew(t, cfg)

	// logit(0.9) = ln 9; halved gives ln 3; sigmoid(ln 3) = 0.75.
	got := c.temperatureScale(0.9)
	if math.Abs(got-0.75) > 1e-12 {
		t.Fatalf("temperatureScale(0.9) = %v, want 0.75", got)
	}

	// T>1 pulls every score toward 0.5.
	if low := c.temperatureScale(0.2); low <= 0.2 {
		t.Fatalf("temperatureScale(0.2) = %v, want > 0.2", low)
	}
}

func TestEntropyBounds(t *testing.T) {
	if got := normalizedEntropy([]float64{0.5, 0.5, 0.5}); math.Abs(got-1.0) > 1e-12 {
		t.Fatalf("uniform entropy = %v, want 1.0", got)
	}
	if got := normalizedEntropy([]float64{0, 0, 0}); got != 1.0 {
		t.Fatalf("all-zero entropy = %v, want 1.0", got)
	}
	if got := normalizedEntropy([]float64{1, 0, 0}); got != 0.0 {
		t.Fatalf("one-hot entropy = %v, want 0.0", got)
	}
	for _, confs := range [][]float64{{0.9, 0.3, 0.1}, {0.2, 0.7, 0.4}} {
		got := normalizedEntropy(confs)
		if got < 0 || got > 1 {
			t.Fatalf("entropy %v out of [0,1] for %v", got, confs)
		}
	}
}

func TestFitImprovesSeparation(t *testing.T) {
	c := mustNew(t, DefaultConfig())

	scores := []float64{0.1, 0.2, 0.3, 0.4, 0.45, 0.55, 0.6, 0.7, 0.8, 0.9}
	labels := []bool{false, false, false, false, true, false, true, true, true, true}

	a, b, err := c.Fit(scores, labels)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if a <= 0 {
		t.Fatalf("fitted A = %v, want positive slope on positively correlated data", a)
	}
	if got := c.Config().CalibrationA; got != a {
		t.Fatalf("calculator kept A = %v after fit returned %v", got, a)
	}

	pHigh := sigmoidRef(a*0.9 + b)
	pLow := sigmoidRef(a*0.1 + b)
	if pHigh <= pLow {
		t.Fatalf("fit direction wrong: p(0.9)=%v <= p(0.1)=%v", pHigh, pLow)
	}
}

func TestFitRejectsBadInput(t *testing.T) {
	c := mustNew(t, DefaultConfig())
	if _, _, err := c.Fit(nil, nil); err == nil {
		t.Fatal("expected error for empty fit input")
	}
	if _, _, err := c.Fit([]float64{0.5}, []bool{true, false}); err == nil {
		t.Fatal("expected error for mismatched lengths")
	}
}
