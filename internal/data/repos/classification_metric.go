package repos

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/nexusflow-backend/internal/domain"
	"github.com/yungbote/nexusflow-backend/internal/pkg/dbctx"
	"github.com/yungbote/nexusflow-backend/internal/platform/logger"
)

// MetricsSummary is the rollup behind the accuracy dashboard. Accuracy is
// computed over labeled rows only; unlabeled classifications are excluded.
type MetricsSummary struct {
	Total           int64   `json:"total"`
	AutoResolved    int64   `json:"auto_resolved"`
	RequiresHITL    int64   `json:"requires_hitl"`
	AvgConfidence   float64 `json:"avg_confidence"`
	AvgAgreement    float64 `json:"avg_agreement"`
	AvgProcessingMS float64 `json:"avg_processing_ms"`
	Labeled         int64   `json:"labeled"`
	LabeledCorrect  int64   `json:"labeled_correct"`
}

type ClassificationMetricRepo interface {
	Create(dbc dbctx.Context, metrics []*domain.ClassificationMetric) ([]*domain.ClassificationMetric, error)
	MarkCorrectness(dbc dbctx.Context, ticketID uuid.UUID, wasCorrect bool) error
	RecentLabeled(dbc dbctx.Context, limit int) ([]*domain.ClassificationMetric, error)
	Summary(dbc dbctx.Context, since time.Time) (MetricsSummary, error)
}

type classificationMetricRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewClassificationMetricRepo(db *gorm.DB, baseLog *logger.Logger) ClassificationMetricRepo {
	return &classificationMetricRepo{
		db:  db,
		log: baseLog.With("repo", "ClassificationMetricRepo"),
	}
}

func (r *classificationMetricRepo) Create(dbc dbctx.Context, metrics []*domain.ClassificationMetric) ([]*domain.ClassificationMetric, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(metrics) == 0 {
		return []*domain.ClassificationMetric{}, nil
	}
	if err := transaction.WithContext(dbc.Ctx).Create(&metrics).Error; err != nil {
		return nil, err
	}
	return metrics, nil
}

func (r *classificationMetricRepo) MarkCorrectness(dbc dbctx.Context, ticketID uuid.UUID, wasCorrect bool) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if ticketID == uuid.Nil {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.ClassificationMetric{}).
		Where("ticket_id = ?", ticketID).
		Update("was_correct", wasCorrect).Error
}

// RecentLabeled returns the newest reviewer-labeled rows, the training set
// for calibration refits.
func (r *classificationMetricRepo) RecentLabeled(dbc dbctx.Context, limit int) ([]*domain.ClassificationMetric, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 500
	}
	var out []*domain.ClassificationMetric
	if err := transaction.WithContext(dbc.Ctx).
		Where("was_correct IS NOT NULL").
		Order("timestamp DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *classificationMetricRepo) Summary(dbc dbctx.Context, since time.Time) (MetricsSummary, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out MetricsSummary
	err := transaction.WithContext(dbc.Ctx).
		Model(&domain.ClassificationMetric{}).
		Where("timestamp >= ?", since).
		Select(`
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE auto_resolved) AS auto_resolved,
			COUNT(*) FILTER (WHERE requires_hitl) AS requires_hitl,
			COALESCE(AVG(final_confidence), 0) AS avg_confidence,
			COALESCE(AVG(component_agreement), 0) AS avg_agreement,
			COALESCE(AVG(processing_time_ms), 0) AS avg_processing_ms,
			COUNT(was_correct) AS labeled,
			COUNT(*) FILTER (WHERE was_correct) AS labeled_correct
		`).
		Scan(&out).Error
	return out, err
}
