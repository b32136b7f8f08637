package repos

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/nexusflow-backend/internal/domain"
	"github.com/yungbote/nexusflow-backend/internal/pkg/dbctx"
	"github.com/yungbote/nexusflow-backend/internal/platform/logger"
)

// priorityRank orders the review queue: urgent drains before high before
// normal before low, regardless of age.
const priorityRank = `CASE priority
	WHEN 'urgent' THEN 0
	WHEN 'high' THEN 1
	WHEN 'normal' THEN 2
	ELSE 3
END`

type HITLTaskRepo interface {
	Create(dbc dbctx.Context, tasks []*domain.HITLTask) ([]*domain.HITLTask, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.HITLTask, error)
	GetOpenByTicketID(dbc dbctx.Context, ticketID uuid.UUID) (*domain.HITLTask, error)
	ListPending(dbc dbctx.Context, priority string, limit, offset int) ([]*domain.HITLTask, error)
	AssignIfPending(dbc dbctx.Context, id, reviewerID uuid.UUID) (bool, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	CountByStatus(dbc dbctx.Context) (map[string]int64, error)
	CountPendingByPriority(dbc dbctx.Context) (map[string]int64, error)
	OldestPendingAge(dbc dbctx.Context) (time.Duration, error)
	AverageReviewSeconds(dbc dbctx.Context) (float64, error)
}

type hitlTaskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewHITLTaskRepo(db *gorm.DB, baseLog *logger.Logger) HITLTaskRepo {
	return &hitlTaskRepo{
		db:  db,
		log: baseLog.With("repo", "HITLTaskRepo"),
	}
}

func (r *hitlTaskRepo) Create(dbc dbctx.Context, tasks []*domain.HITLTask) ([]*domain.HITLTask, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(tasks) == 0 {
		return []*domain.HITLTask{}, nil
	}
	if err := transaction.WithContext(dbc.Ctx).Create(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *hitlTaskRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.HITLTask, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var task domain.HITLTask
	if err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&task).Error; err != nil {
		return nil, err
	}
	if task.ID == uuid.Nil {
		return nil, nil
	}
	return &task, nil
}

func (r *hitlTaskRepo) GetOpenByTicketID(dbc dbctx.Context, ticketID uuid.UUID) (*domain.HITLTask, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if ticketID == uuid.Nil {
		return nil, nil
	}
	var task domain.HITLTask
	if err := transaction.WithContext(dbc.Ctx).
		Where("ticket_id = ? AND status IN ?", ticketID, []string{domain.HITLStatusPending, domain.HITLStatusInProgress}).
		Order("created_at DESC").
		Limit(1).
		Find(&task).Error; err != nil {
		return nil, err
	}
	if task.ID == uuid.Nil {
		return nil, nil
	}
	return &task, nil
}

func (r *hitlTaskRepo) ListPending(dbc dbctx.Context, priority string, limit, offset int) ([]*domain.HITLTask, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 50
	}
	q := transaction.WithContext(dbc.Ctx).
		Model(&domain.HITLTask{}).
		Where("status = ?", domain.HITLStatusPending)
	if priority != "" {
		q = q.Where("priority = ?", priority)
	}
	var out []*domain.HITLTask
	if err := q.Order(priorityRank + ", created_at ASC").
		Limit(limit).
		Offset(offset).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// AssignIfPending claims a pending task for a reviewer. Returns false when the
// task was already claimed or completed; two reviewers racing on the same task
// leave exactly one winner.
func (r *hitlTaskRepo) AssignIfPending(dbc dbctx.Context, id, reviewerID uuid.UUID) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil || reviewerID == uuid.Nil {
		return false, nil
	}
	now := time.Now()
	res := transaction.WithContext(dbc.Ctx).
		Model(&domain.HITLTask{}).
		Where("id = ? AND status = ?", id, domain.HITLStatusPending).
		Updates(map[string]interface{}{
			"status":      domain.HITLStatusInProgress,
			"assigned_to": reviewerID,
			"assigned_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *hitlTaskRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.HITLTask{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *hitlTaskRepo) CountByStatus(dbc dbctx.Context) (map[string]int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var rows []struct {
		Status string
		Count  int64
	}
	if err := transaction.WithContext(dbc.Ctx).
		Model(&domain.HITLTask{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

func (r *hitlTaskRepo) CountPendingByPriority(dbc dbctx.Context) (map[string]int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var rows []struct {
		Priority string
		Count    int64
	}
	if err := transaction.WithContext(dbc.Ctx).
		Model(&domain.HITLTask{}).
		Where("status = ?", domain.HITLStatusPending).
		Select("priority, COUNT(*) AS count").
		Group("priority").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Priority] = row.Count
	}
	return out, nil
}

func (r *hitlTaskRepo) AverageReviewSeconds(dbc dbctx.Context) (float64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var avg *float64
	if err := transaction.WithContext(dbc.Ctx).
		Model(&domain.HITLTask{}).
		Where("status = ? AND review_time_seconds IS NOT NULL", domain.HITLStatusCompleted).
		Select("AVG(review_time_seconds)").
		Scan(&avg).Error; err != nil {
		return 0, err
	}
	if avg == nil {
		return 0, nil
	}
	return *avg, nil
}

func (r *hitlTaskRepo) OldestPendingAge(dbc dbctx.Context) (time.Duration, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var oldest *time.Time
	if err := transaction.WithContext(dbc.Ctx).
		Model(&domain.HITLTask{}).
		Where("status = ?", domain.HITLStatusPending).
		Select("MIN(created_at)").
		Scan(&oldest).Error; err != nil {
		return 0, err
	}
	if oldest == nil {
		return 0, nil
	}
	return time.Since(*oldest), nil
}
