package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-marker/internal/models"
)

// MarkingRunRepository journals orchestrator runs.
type MarkingRunRepository interface {
	Create(ctx context.Context, run *models.MarkingRun) error
	Update(ctx context.Context, run *models.MarkingRun) error
	GetByID(ctx context.Context, id string) (models.MarkingRun, error)
	ListByStudent(ctx context.Context, studentID string, limit int) ([]models.MarkingRun, error)
}

type markingRunRepository struct {
	db *gorm.DB
}

// NewMarkingRunRepository instantiates the repository.
func NewMarkingRunRepository(db *gorm.DB) MarkingRunRepository {
	return &markingRunRepository{db: db}
}

func (r *markingRunRepository) Create(ctx context.Context, run *models.MarkingRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *markingRunRepository) Update(ctx context.Context, run *models.MarkingRun) error {
	return r.db.WithContext(ctx).Save(run).Error
}

func (r *markingRunRepository) GetByID(ctx context.Context, id string) (models.MarkingRun, error) {
	var run models.MarkingRun
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&run).Error; err != nil {
		return models.MarkingRun{}, err
	}

	return run, nil
}

func (r *markingRunRepository) ListByStudent(ctx context.Context, studentID string, limit int) ([]models.MarkingRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var runs []models.MarkingRun
	if err := r.db.WithContext(ctx).
		Where("student_id = ?", studentID).
		Order("started_at DESC").
		Limit(limit).
		Find(&runs).Error; err != nil {
		return nil, err
	}

	return runs, nil
}
