package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/nexusflow-backend/internal/domain"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(

		// =========================
		// Tickets + reviewers
		// =========================
		&domain.Ticket{},
		&domain.User{},

		// =========================
		// Human review loop
		// =========================
		&domain.HITLTask{},
		&domain.HITLCorrection{},

		// =========================
		// Batch processing + accuracy tracking
		// =========================
		&domain.BatchJob{},
		&domain.ClassificationMetric{},
	)
}

func EnsureTicketIndexes(db *gorm.DB) error {
	// uuid-ossp is already enabled in NewPostgresService, but safe to re-run
	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		return fmt.Errorf("enable uuid-ossp: %w", err)
	}
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_tickets_status_created ON tickets(status, created_at DESC);`).Error; err != nil {
		return fmt.Errorf("create idx_tickets_status_created: %w", err)
	}
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_tickets_customer ON tickets(customer_id);`).Error; err != nil {
		return fmt.Errorf("create idx_tickets_customer: %w", err)
	}
	// Category rollups for the analytics endpoints.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_tickets_categories
		ON tickets(level1_category, level2_category, level3_category)
		WHERE level1_category IS NOT NULL;
	`).Error; err != nil {
		return fmt.Errorf("create idx_tickets_categories: %w", err)
	}
	return nil
}

func EnsureHITLIndexes(db *gorm.DB) error {
	// Reviewer queue: pending tasks ordered by priority then age.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_hitl_tasks_pending_queue
		ON hitl_tasks (priority, created_at)
		WHERE status = 'pending';
	`).Error; err != nil {
		return fmt.Errorf("create idx_hitl_tasks_pending_queue: %w", err)
	}
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_hitl_tasks_ticket ON hitl_tasks(ticket_id);`).Error; err != nil {
		return fmt.Errorf("create idx_hitl_tasks_ticket: %w", err)
	}
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_hitl_tasks_assigned ON hitl_tasks(assigned_to, status);`).Error; err != nil {
		return fmt.Errorf("create idx_hitl_tasks_assigned: %w", err)
	}
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_hitl_corrections_reviewer ON hitl_corrections(reviewer_id, submitted_at DESC);`).Error; err != nil {
		return fmt.Errorf("create idx_hitl_corrections_reviewer: %w", err)
	}
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_hitl_corrections_ticket ON hitl_corrections(ticket_id);`).Error; err != nil {
		return fmt.Errorf("create idx_hitl_corrections_ticket: %w", err)
	}
	return nil
}

func EnsureMetricIndexes(db *gorm.DB) error {
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_classification_metrics_ts ON classification_metrics(timestamp DESC);`).Error; err != nil {
		return fmt.Errorf("create idx_classification_metrics_ts: %w", err)
	}
	// Calibration fitting only reads rows with reviewer verdicts.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_classification_metrics_labeled
		ON classification_metrics (timestamp DESC)
		WHERE was_correct IS NOT NULL;
	`).Error; err != nil {
		return fmt.Errorf("create idx_classification_metrics_labeled: %w", err)
	}
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_batch_jobs_status ON batch_jobs(status, created_at DESC);`).Error; err != nil {
		return fmt.Errorf("create idx_batch_jobs_status: %w", err)
	}
	return nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	if err := AutoMigrateAll(s.db); err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	if err := EnsureTicketIndexes(s.db); err != nil {
		s.log.Error("Ticket index migration failed", "error", err)
		return err
	}
	if err := EnsureHITLIndexes(s.db); err != nil {
		s.log.Error("HITL index migration failed", "error", err)
		return err
	}
	if err := EnsureMetricIndexes(s.db); err != nil {
		s.log.Error("Metric index migration failed", "error", err)
		return err
	}

	return nil
}
