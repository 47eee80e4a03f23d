// internal/store/store.go
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"geoportal-back/internal/apperr"
	"geoportal-back/internal/models"
)

// Bounds restricts a spatial file listing. Either the bounding box or
// PolygonWKT is set, not both.
type Bounds struct {
	MinLon, MinLat float64
	MaxLon, MaxLat float64
	PolygonWKT     string
}

// CatalogStore is the transactional catalog of users, projects, files and
// the read-mostly entities hanging off them.
type CatalogStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateUser(ctx context.Context, user *models.User) error

	CreateProject(ctx context.Context, project *models.Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	ListProjects(ctx context.Context, ownerID uuid.UUID, page, size int) ([]models.Project, int64, error)

	CreateFile(ctx context.Context, file *models.File) error
	GetFile(ctx context.Context, id uuid.UUID) (*models.File, error)
	GetFiles(ctx context.Context, ids []uuid.UUID) ([]models.File, error)
	ListFilesByProject(ctx context.Context, projectID uuid.UUID, bounds *Bounds) ([]models.File, error)
	MarkFileProcessed(ctx context.Context, id uuid.UUID) error
	DeleteFile(ctx context.Context, id uuid.UUID) error
	// RegisterOutputFile creates a task-produced file unless one with the
	// same producing task and descriptor name already exists, in which
	// case the existing row is returned. Safe to re-apply.
	RegisterOutputFile(ctx context.Context, file *models.File) (*models.File, bool, error)

	CreateLayer(ctx context.Context, layer *models.VisualizationLayer) error
	ListLayers(ctx context.Context, projectID uuid.UUID) ([]models.VisualizationLayer, error)

	CreateApiKey(ctx context.Context, key *models.ApiKey) error
	GetApiKey(ctx context.Context, userID uuid.UUID, service string) (*models.ApiKey, error)

	AppendAudit(ctx context.Context, entry *models.AuditLog) error
}

// TaskStore owns the canonical task and delegation rows. All task updates
// go through compare-and-swap on the row version so concurrent transition
// attempts serialize and exactly one wins.
type TaskStore interface {
	// CreateTask validates, inside the creating transaction, that every
	// input file exists and belongs to the task's project.
	CreateTask(ctx context.Context, task *models.ProcessingTask) error
	GetTask(ctx context.Context, id uuid.UUID) (*models.ProcessingTask, error)
	ListTasks(ctx context.Context, projectID uuid.UUID, status models.TaskStatus) ([]models.ProcessingTask, error)
	ListTasksByStatus(ctx context.Context, status models.TaskStatus) ([]models.ProcessingTask, error)
	// UpdateTaskCAS persists the task if its stored version still equals
	// expectedVersion, bumping the version; otherwise ConflictError.
	UpdateTaskCAS(ctx context.Context, task *models.ProcessingTask, expectedVersion int64) error

	// CreateDelegation appends a delegation for the task, deactivating any
	// previously active one in the same transaction.
	CreateDelegation(ctx context.Context, d *models.EngineDelegation) error
	ActiveDelegation(ctx context.Context, taskID uuid.UUID) (*models.EngineDelegation, error)
	UpdateDelegation(ctx context.Context, d *models.EngineDelegation) error

	CreateAnalysis(ctx context.Context, a *models.Analysis) error
	GetAnalysis(ctx context.Context, id uuid.UUID) (*models.Analysis, error)
	ListAnalysesByStatus(ctx context.Context, status models.TaskStatus) ([]models.Analysis, error)
	UpdateAnalysisCAS(ctx context.Context, a *models.Analysis, expectedVersion int64) error
}

// ValidatePolygonWKT does a cheap shape check before the geometry reaches
// the database, so malformed input fails as ValidationError rather than a
// driver error.
func ValidatePolygonWKT(wkt string) error {
	if wkt == "" {
		return nil
	}
	up := strings.ToUpper(strings.TrimSpace(wkt))
	if !strings.HasPrefix(up, "POLYGON") || !strings.Contains(up, "((") || !strings.HasSuffix(up, "))") {
		return apperr.Validation("malformed polygon geometry: %q", wkt)
	}
	return nil
}

func ValidatePointWKT(wkt string) error {
	if wkt == "" {
		return nil
	}
	lon, lat, err := ParsePointWKT(wkt)
	if err != nil {
		return err
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return apperr.Validation("coordinates out of range: %q", wkt)
	}
	return nil
}

// ParsePointWKT extracts lon/lat from a "POINT(lon lat)" string.
func ParsePointWKT(wkt string) (lon, lat float64, err error) {
	s := strings.TrimSpace(wkt)
	s = strings.TrimPrefix(s, "SRID=4326;")
	if _, scanErr := fmt.Sscanf(s, "POINT(%f %f)", &lon, &lat); scanErr != nil {
		return 0, 0, apperr.Validation("malformed point geometry: %q", wkt)
	}
	return lon, lat, nil
}

// EWKT prefixes a WKT literal with the geodetic SRID so postgres casts it
// into the typed geometry column.
func EWKT(wkt string) string {
	if wkt == "" || strings.HasPrefix(wkt, "SRID=") {
		return wkt
	}
	return "SRID=4326;" + wkt
}
