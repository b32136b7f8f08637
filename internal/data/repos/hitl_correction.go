package repos

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/nexusflow-backend/internal/domain"
	"github.com/yungbote/nexusflow-backend/internal/pkg/dbctx"
	"github.com/yungbote/nexusflow-backend/internal/platform/logger"
)

type HITLCorrectionRepo interface {
	Create(dbc dbctx.Context, corrections []*domain.HITLCorrection) ([]*domain.HITLCorrection, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.HITLCorrection, error)
	ListByReviewer(dbc dbctx.Context, reviewerID uuid.UUID, limit, offset int) ([]*domain.HITLCorrection, error)
	ListSince(dbc dbctx.Context, since time.Time, limit int) ([]*domain.HITLCorrection, error)
	AccuracyStats(dbc dbctx.Context, since time.Time) (total int64, correct int64, err error)
}

type hitlCorrectionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewHITLCorrectionRepo(db *gorm.DB, baseLog *logger.Logger) HITLCorrectionRepo {
	return &hitlCorrectionRepo{
		db:  db,
		log: baseLog.With("repo", "HITLCorrectionRepo"),
	}
}

func (r *hitlCorrectionRepo) Create(dbc dbctx.Context, corrections []*domain.HITLCorrection) ([]*domain.HITLCorrection, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(corrections) == 0 {
		return []*domain.HITLCorrection{}, nil
	}
	if err := transaction.WithContext(dbc.Ctx).Create(&corrections).Error; err != nil {
		return nil, err
	}
	return corrections, nil
}

func (r *hitlCorrectionRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.HITLCorrection, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var correction domain.HITLCorrection
	if err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&correction).Error; err != nil {
		return nil, err
	}
	if correction.ID == uuid.Nil {
		return nil, nil
	}
	return &correction, nil
}

func (r *hitlCorrectionRepo) ListByReviewer(dbc dbctx.Context, reviewerID uuid.UUID, limit, offset int) ([]*domain.HITLCorrection, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.HITLCorrection
	if reviewerID == uuid.Nil {
		return out, nil
	}
	if limit <= 0 {
		limit = 50
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("reviewer_id = ?", reviewerID).
		Order("submitted_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *hitlCorrectionRepo) ListSince(dbc dbctx.Context, since time.Time, limit int) ([]*domain.HITLCorrection, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 100
	}
	var out []*domain.HITLCorrection
	if err := transaction.WithContext(dbc.Ctx).
		Where("submitted_at >= ?", since).
		Order("submitted_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *hitlCorrectionRepo) AccuracyStats(dbc dbctx.Context, since time.Time) (int64, int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var row struct {
		Total   int64
		Correct int64
	}
	if err := transaction.WithContext(dbc.Ctx).
		Model(&domain.HITLCorrection{}).
		Where("submitted_at >= ?", since).
		Select("COUNT(*) AS total, COUNT(*) FILTER (WHERE is_correct) AS correct").
		Scan(&row).Error; err != nil {
		return 0, 0, err
	}
	return row.Total, row.Correct, nil
}
