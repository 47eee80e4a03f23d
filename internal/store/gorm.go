// internal/store/gorm.go
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"geoportal-back/internal/apperr"
	"geoportal-back/internal/models"
)

// GormStore implements CatalogStore and TaskStore on postgres/PostGIS.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func wrapDBError(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return apperr.NotFound(what, "")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return apperr.Conflict("%s already exists", what)
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		return apperr.Conflict("%s references a missing row", what)
	default:
		return apperr.Storage(fmt.Errorf("%s: %w", what, err))
	}
}

func (s *GormStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	return wrapDBError(s.db.WithContext(ctx).Create(user).Error, "user")
}

func (s *GormStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("user", id.String())
		}
		return nil, apperr.Storage(err)
	}
	return &user, nil
}

func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "email = ?", email).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("user", email)
		}
		return nil, apperr.Storage(err)
	}
	return &user, nil
}

func (s *GormStore) UpdateUser(ctx context.Context, user *models.User) error {
	return wrapDBError(s.db.WithContext(ctx).Save(user).Error, "user")
}

func (s *GormStore) CreateProject(ctx context.Context, project *models.Project) error {
	if err := ValidatePolygonWKT(project.Boundary); err != nil {
		return err
	}
	if project.ID == uuid.Nil {
		project.ID = uuid.New()
	}
	project.Boundary = EWKT(project.Boundary)
	return wrapDBError(s.db.WithContext(ctx).Create(project).Error, "project")
}

func (s *GormStore) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	var project models.Project
	if err := s.db.WithContext(ctx).First(&project, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("project", id.String())
		}
		return nil, apperr.Storage(err)
	}
	return &project, nil
}

func (s *GormStore) ListProjects(ctx context.Context, ownerID uuid.UUID, page, size int) ([]models.Project, int64, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 10
	}
	q := s.db.WithContext(ctx).Model(&models.Project{})
	if ownerID != uuid.Nil {
		q = q.Where("owner_id = ?", ownerID)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, apperr.Storage(err)
	}
	var projects []models.Project
	if err := q.Order("created_at DESC").Offset((page - 1) * size).Limit(size).Find(&projects).Error; err != nil {
		return nil, 0, apperr.Storage(err)
	}
	return projects, total, nil
}

func (s *GormStore) CreateFile(ctx context.Context, file *models.File) error {
	if err := ValidatePointWKT(file.Location); err != nil {
		return err
	}
	if file.ID == uuid.Nil {
		file.ID = uuid.New()
	}
	file.Location = EWKT(file.Location)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Project{}).Where("id = ?", file.ProjectID).Count(&count).Error; err != nil {
			return apperr.Storage(err)
		}
		if count == 0 {
			return apperr.NotFound("project", file.ProjectID.String())
		}
		return wrapDBError(tx.Create(file).Error, "file")
	})
}

func (s *GormStore) GetFile(ctx context.Context, id uuid.UUID) (*models.File, error) {
	var file models.File
	if err := s.db.WithContext(ctx).First(&file, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("file", id.String())
		}
		return nil, apperr.Storage(err)
	}
	return &file, nil
}

func (s *GormStore) GetFiles(ctx context.Context, ids []uuid.UUID) ([]models.File, error) {
	var files []models.File
	if len(ids) == 0 {
		return files, nil
	}
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&files).Error; err != nil {
		return nil, apperr.Storage(err)
	}
	return files, nil
}

func (s *GormStore) ListFilesByProject(ctx context.Context, projectID uuid.UUID, bounds *Bounds) ([]models.File, error) {
	q := s.db.WithContext(ctx).Where("project_id = ?", projectID)
	if bounds != nil {
		if bounds.PolygonWKT != "" {
			if err := ValidatePolygonWKT(bounds.PolygonWKT); err != nil {
				return nil, err
			}
			q = q.Where("ST_Within(location, ST_GeomFromText(?, 4326))", bounds.PolygonWKT)
		} else {
			// && hits the GIST index before exact containment.
			q = q.Where("location && ST_MakeEnvelope(?, ?, ?, ?, 4326)",
				bounds.MinLon, bounds.MinLat, bounds.MaxLon, bounds.MaxLat)
		}
	}
	var files []models.File
	if err := q.Order("created_at DESC").Find(&files).Error; err != nil {
		return nil, apperr.Storage(err)
	}
	return files, nil
}

func (s *GormStore) MarkFileProcessed(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&models.File{}).Where("id = ?", id).Update("is_processed", true)
	if res.Error != nil {
		return apperr.Storage(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("file", id.String())
	}
	return nil
}

func (s *GormStore) DeleteFile(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Delete(&models.File{}, "id = ?", id)
	if res.Error != nil {
		return apperr.Storage(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("file", id.String())
	}
	return nil
}

func (s *GormStore) RegisterOutputFile(ctx context.Context, file *models.File) (*models.File, bool, error) {
	if file.ProducedByTaskID == nil {
		return nil, false, apperr.Validation("output file must reference its producing task")
	}
	var existing *models.File
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var found models.File
		err := tx.Where("produced_by_task_id = ? AND original_filename = ?", *file.ProducedByTaskID, file.OriginalFilename).
			First(&found).Error
		if err == nil {
			existing = &found
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.Storage(err)
		}
		if file.ID == uuid.Nil {
			file.ID = uuid.New()
		}
		file.Location = EWKT(file.Location)
		if err := tx.Create(file).Error; err != nil {
			return wrapDBError(err, "file")
		}
		existing = file
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return existing, created, nil
}

func (s *GormStore) CreateLayer(ctx context.Context, layer *models.VisualizationLayer) error {
	if layer.ID == uuid.Nil {
		layer.ID = uuid.New()
	}
	return wrapDBError(s.db.WithContext(ctx).Create(layer).Error, "layer")
}

func (s *GormStore) ListLayers(ctx context.Context, projectID uuid.UUID) ([]models.VisualizationLayer, error) {
	var layers []models.VisualizationLayer
	if err := s.db.WithContext(ctx).Where("project_id = ?", projectID).Order("created_at").Find(&layers).Error; err != nil {
		return nil, apperr.Storage(err)
	}
	return layers, nil
}

func (s *GormStore) CreateApiKey(ctx context.Context, key *models.ApiKey) error {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	return wrapDBError(s.db.WithContext(ctx).Create(key).Error, "api key")
}

func (s *GormStore) GetApiKey(ctx context.Context, userID uuid.UUID, service string) (*models.ApiKey, error) {
	var key models.ApiKey
	if err := s.db.WithContext(ctx).Where("user_id = ? AND service = ?", userID, service).
		Order("created_at DESC").First(&key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("api key", service)
		}
		return nil, apperr.Storage(err)
	}
	return &key, nil
}

func (s *GormStore) AppendAudit(ctx context.Context, entry *models.AuditLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	return wrapDBError(s.db.WithContext(ctx).Create(entry).Error, "audit entry")
}

func (s *GormStore) CreateTask(ctx context.Context, task *models.ProcessingTask) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.File{}).
			Where("id IN ? AND project_id = ?", []uuid.UUID(task.InputFiles), task.ProjectID).
			Count(&count).Error; err != nil {
			return apperr.Storage(err)
		}
		if int(count) != len(task.InputFiles) {
			return apperr.Validation("input files must all belong to project %s", task.ProjectID)
		}
		return wrapDBError(tx.Create(task).Error, "task")
	})
}

func (s *GormStore) GetTask(ctx context.Context, id uuid.UUID) (*models.ProcessingTask, error) {
	var task models.ProcessingTask
	if err := s.db.WithContext(ctx).First(&task, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("task", id.String())
		}
		return nil, apperr.Storage(err)
	}
	return &task, nil
}

func (s *GormStore) ListTasks(ctx context.Context, projectID uuid.UUID, status models.TaskStatus) ([]models.ProcessingTask, error) {
	q := s.db.WithContext(ctx).Where("project_id = ?", projectID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var tasks []models.ProcessingTask
	if err := q.Order("created_at DESC").Find(&tasks).Error; err != nil {
		return nil, apperr.Storage(err)
	}
	return tasks, nil
}

func (s *GormStore) ListTasksByStatus(ctx context.Context, status models.TaskStatus) ([]models.ProcessingTask, error) {
	var tasks []models.ProcessingTask
	if err := s.db.WithContext(ctx).Where("status = ?", status).Order("priority DESC, created_at").Find(&tasks).Error; err != nil {
		return nil, apperr.Storage(err)
	}
	return tasks, nil
}

func (s *GormStore) UpdateTaskCAS(ctx context.Context, task *models.ProcessingTask, expectedVersion int64) error {
	task.Version = expectedVersion + 1
	res := s.db.WithContext(ctx).Model(&models.ProcessingTask{}).
		Where("id = ? AND version = ?", task.ID, expectedVersion).
		Select("status", "progress", "error_message", "started_at", "completed_at", "output_files", "version", "updated_at").
		Updates(map[string]any{
			"status":        task.Status,
			"progress":      task.Progress,
			"error_message": task.ErrorMessage,
			"started_at":    task.StartedAt,
			"completed_at":  task.CompletedAt,
			"output_files":  task.OutputFiles,
			"version":       task.Version,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return apperr.Storage(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.Conflict("task %s was updated concurrently", task.ID)
	}
	return nil
}

func (s *GormStore) CreateDelegation(ctx context.Context, d *models.EngineDelegation) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.EngineDelegation{}).
			Where("task_id = ? AND active", d.TaskID).
			Update("active", false).Error; err != nil {
			return apperr.Storage(err)
		}
		var maxSeq int
		row := tx.Model(&models.EngineDelegation{}).Where("task_id = ?", d.TaskID).
			Select("COALESCE(MAX(seq), 0)").Row()
		if err := row.Scan(&maxSeq); err != nil {
			return apperr.Storage(err)
		}
		d.Seq = maxSeq + 1
		d.Active = true
		return wrapDBError(tx.Create(d).Error, "delegation")
	})
}

func (s *GormStore) ActiveDelegation(ctx context.Context, taskID uuid.UUID) (*models.EngineDelegation, error) {
	var d models.EngineDelegation
	if err := s.db.WithContext(ctx).Where("task_id = ? AND active", taskID).First(&d).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("delegation", taskID.String())
		}
		return nil, apperr.Storage(err)
	}
	return &d, nil
}

func (s *GormStore) UpdateDelegation(ctx context.Context, d *models.EngineDelegation) error {
	return wrapDBError(s.db.WithContext(ctx).Save(d).Error, "delegation")
}

func (s *GormStore) CreateAnalysis(ctx context.Context, a *models.Analysis) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.File{}).
			Where("id IN ? AND project_id = ?", []uuid.UUID(a.InputFiles), a.ProjectID).
			Count(&count).Error; err != nil {
			return apperr.Storage(err)
		}
		if int(count) != len(a.InputFiles) {
			return apperr.Validation("input files must all belong to project %s", a.ProjectID)
		}
		return wrapDBError(tx.Create(a).Error, "analysis")
	})
}

func (s *GormStore) GetAnalysis(ctx context.Context, id uuid.UUID) (*models.Analysis, error) {
	var a models.Analysis
	if err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("analysis", id.String())
		}
		return nil, apperr.Storage(err)
	}
	return &a, nil
}

func (s *GormStore) ListAnalysesByStatus(ctx context.Context, status models.TaskStatus) ([]models.Analysis, error) {
	var analyses []models.Analysis
	if err := s.db.WithContext(ctx).Where("status = ?", status).Order("created_at").Find(&analyses).Error; err != nil {
		return nil, apperr.Storage(err)
	}
	return analyses, nil
}

func (s *GormStore) UpdateAnalysisCAS(ctx context.Context, a *models.Analysis, expectedVersion int64) error {
	a.Version = expectedVersion + 1
	res := s.db.WithContext(ctx).Model(&models.Analysis{}).
		Where("id = ? AND version = ?", a.ID, expectedVersion).
		Updates(map[string]any{
			"status":        a.Status,
			"results":       a.Results,
			"error_message": a.ErrorMessage,
			"completed_at":  a.CompletedAt,
			"version":       a.Version,
		})
	if res.Error != nil {
		return apperr.Storage(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.Conflict("analysis %s was updated concurrently", a.ID)
	}
	return nil
}
