package repos

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/nexusflow-backend/internal/domain"
	"github.com/yungbote/nexusflow-backend/internal/pkg/dbctx"
	"github.com/yungbote/nexusflow-backend/internal/platform/logger"
)

type BatchJobRepo interface {
	Create(dbc dbctx.Context, jobs []*domain.BatchJob) ([]*domain.BatchJob, error)
	GetByBatchID(dbc dbctx.Context, batchID string) (*domain.BatchJob, error)
	List(dbc dbctx.Context, status string, limit, offset int) ([]*domain.BatchJob, error)
	UpdateFields(dbc dbctx.Context, batchID string, updates map[string]interface{}) error
	// UpdateFieldsIfStatus applies updates only while the job is still in
	// requiredStatus; the boolean reports whether the transition won.
	UpdateFieldsIfStatus(dbc dbctx.Context, batchID, requiredStatus string, updates map[string]interface{}) (bool, error)
}

type batchJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewBatchJobRepo(db *gorm.DB, baseLog *logger.Logger) BatchJobRepo {
	return &batchJobRepo{
		db:  db,
		log: baseLog.With("repo", "BatchJobRepo"),
	}
}

func (r *batchJobRepo) Create(dbc dbctx.Context, jobs []*domain.BatchJob) ([]*domain.BatchJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(jobs) == 0 {
		return []*domain.BatchJob{}, nil
	}
	if err := transaction.WithContext(dbc.Ctx).Create(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *batchJobRepo) GetByBatchID(dbc dbctx.Context, batchID string) (*domain.BatchJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if batchID == "" {
		return nil, nil
	}
	var job domain.BatchJob
	if err := transaction.WithContext(dbc.Ctx).
		Where("batch_id = ?", batchID).
		Limit(1).
		Find(&job).Error; err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *batchJobRepo) List(dbc dbctx.Context, status string, limit, offset int) ([]*domain.BatchJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 50
	}
	q := transaction.WithContext(dbc.Ctx).Model(&domain.BatchJob{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []*domain.BatchJob
	if err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *batchJobRepo) UpdateFields(dbc dbctx.Context, batchID string, updates map[string]interface{}) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if batchID == "" {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.BatchJob{}).
		Where("batch_id = ?", batchID).
		Updates(updates).Error
}

func (r *batchJobRepo) UpdateFieldsIfStatus(dbc dbctx.Context, batchID, requiredStatus string, updates map[string]interface{}) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if batchID == "" {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&domain.BatchJob{}).
		Where("batch_id = ? AND status = ?", batchID, requiredStatus).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
