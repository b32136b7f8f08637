package repos

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/nexusflow-backend/internal/domain"
	"github.com/yungbote/nexusflow-backend/internal/pkg/dbctx"
	"github.com/yungbote/nexusflow-backend/internal/platform/logger"
)

type TicketRepo interface {
	Create(dbc dbctx.Context, tickets []*domain.Ticket) ([]*domain.Ticket, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Ticket, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.Ticket, error)
	List(dbc dbctx.Context, status string, limit, offset int) ([]*domain.Ticket, error)
	ListClassified(dbc dbctx.Context, limit int) ([]*domain.Ticket, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	CountByStatus(dbc dbctx.Context) (map[string]int64, error)
}

type ticketRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTicketRepo(db *gorm.DB, baseLog *logger.Logger) TicketRepo {
	return &ticketRepo{
		db:  db,
		log: baseLog.With("repo", "TicketRepo"),
	}
}

func (r *ticketRepo) Create(dbc dbctx.Context, tickets []*domain.Ticket) ([]*domain.Ticket, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(tickets) == 0 {
		return []*domain.Ticket{}, nil
	}
	if err := transaction.WithContext(dbc.Ctx).Create(&tickets).Error; err != nil {
		return nil, err
	}
	return tickets, nil
}

func (r *ticketRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Ticket, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var ticket domain.Ticket
	if err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&ticket).Error; err != nil {
		return nil, err
	}
	if ticket.ID == uuid.Nil {
		return nil, nil
	}
	return &ticket, nil
}

func (r *ticketRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.Ticket, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.Ticket
	if len(ids) == 0 {
		return out, nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("id IN ?", ids).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *ticketRepo) List(dbc dbctx.Context, status string, limit, offset int) ([]*domain.Ticket, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 50
	}
	q := transaction.WithContext(dbc.Ctx).Model(&domain.Ticket{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []*domain.Ticket
	if err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *ticketRepo) ListClassified(dbc dbctx.Context, limit int) ([]*domain.Ticket, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 100
	}
	var out []*domain.Ticket
	if err := transaction.WithContext(dbc.Ctx).
		Where("level1_category IS NOT NULL AND level1_category <> ''").
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *ticketRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&domain.Ticket{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *ticketRepo) CountByStatus(dbc dbctx.Context) (map[string]int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var rows []struct {
		Status string
		Count  int64
	}
	if err := transaction.WithContext(dbc.Ctx).
		Model(&domain.Ticket{}).
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
