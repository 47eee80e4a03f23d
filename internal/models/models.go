// internal/models/models.go
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleAnalyst Role = "analyst"
	RoleViewer  Role = "viewer"
)

type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are permitted.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type FileType string

const (
	FileTypeImage       FileType = "image"
	FileTypeOrthomosaic FileType = "orthomosaic"
	FileTypePointCloud  FileType = "point_cloud"
	FileTypeDSM         FileType = "dsm"
	FileTypeDTM         FileType = "dtm"
	FileTypeSatellite   FileType = "satellite"
)

func ValidFileType(t FileType) bool {
	switch t {
	case FileTypeImage, FileTypeOrthomosaic, FileTypePointCloud, FileTypeDSM, FileTypeDTM, FileTypeSatellite:
		return true
	}
	return false
}

type User struct {
	ID        uuid.UUID      `gorm:"type:uuid;primarykey" json:"id"`
	Email     string         `gorm:"unique;not null" json:"email"`
	Username  string         `gorm:"unique;not null" json:"username"`
	Password  string         `gorm:"not null" json:"-"`
	FullName  string         `json:"full_name"`
	Role      Role           `gorm:"default:'viewer'" json:"role"`
	IsActive  bool           `gorm:"default:true" json:"is_active"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Projects []Project `gorm:"foreignKey:OwnerID" json:"projects,omitempty"`
}

type Project struct {
	ID          uuid.UUID `gorm:"type:uuid;primarykey" json:"id"`
	Name        string    `gorm:"not null" json:"name"`
	Description string    `json:"description"`
	OwnerID     uuid.UUID `gorm:"type:uuid;not null;index" json:"owner_id"`
	// WKT polygon, SRID 4326.
	Boundary  string                      `gorm:"type:geometry(Polygon,4326)" json:"boundary,omitempty"`
	Tags      datatypes.JSONSlice[string] `json:"tags"`
	IsActive  bool                        `gorm:"default:true" json:"is_active"`
	CreatedAt time.Time                   `json:"created_at"`
	UpdatedAt time.Time                   `json:"updated_at"`
	DeletedAt gorm.DeletedAt              `gorm:"index" json:"-"`

	Owner User             `gorm:"foreignKey:OwnerID" json:"owner,omitempty"`
	Files []File           `gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE" json:"files,omitempty"`
	Tasks []ProcessingTask `gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE" json:"tasks,omitempty"`
}

type File struct {
	ID               uuid.UUID `gorm:"type:uuid;primarykey" json:"id"`
	ProjectID        uuid.UUID `gorm:"type:uuid;not null;index" json:"project_id"`
	OwnerID          uuid.UUID `gorm:"type:uuid;not null" json:"owner_id"`
	Filename         string    `gorm:"not null" json:"filename"`
	OriginalFilename string    `json:"original_filename"`
	FileType         FileType  `gorm:"not null" json:"file_type"`
	Size             int64     `gorm:"not null" json:"size"`
	MimeType         string    `json:"mime_type"`
	// SHA-256 of the stored object; immutable after creation.
	Checksum    string `gorm:"not null" json:"checksum"`
	StoragePath string `gorm:"not null" json:"storage_path"`
	// WKT point, SRID 4326 (capture GPS position).
	Location    string         `gorm:"type:geometry(Point,4326)" json:"location,omitempty"`
	Metadata    datatypes.JSON `json:"metadata,omitempty"`
	IsProcessed bool           `gorm:"default:false" json:"is_processed"`
	// Set when the file was produced by a task rather than uploaded.
	ProducedByTaskID *uuid.UUID     `gorm:"type:uuid;index" json:"produced_by_task_id,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`

	Project Project `gorm:"foreignKey:ProjectID" json:"project,omitempty"`
}

type ProcessingTask struct {
	ID           uuid.UUID                      `gorm:"type:uuid;primarykey" json:"id"`
	ProjectID    uuid.UUID                      `gorm:"type:uuid;not null;index" json:"project_id"`
	OwnerID      uuid.UUID                      `gorm:"type:uuid;not null" json:"owner_id"`
	TaskType     string                         `gorm:"not null" json:"task_type"`
	InputFiles   datatypes.JSONSlice[uuid.UUID] `json:"input_files"`
	OutputFiles  datatypes.JSONSlice[uuid.UUID] `json:"output_files"`
	Parameters   datatypes.JSON                 `json:"parameters,omitempty"`
	Status       TaskStatus                     `gorm:"default:'pending';index" json:"status"`
	Progress     float64                        `gorm:"default:0" json:"progress"`
	Priority     int                            `gorm:"default:5" json:"priority"`
	ErrorMessage string                         `json:"error_message,omitempty"`
	StartedAt    *time.Time                     `json:"started_at,omitempty"`
	CompletedAt  *time.Time                     `json:"completed_at,omitempty"`
	// Optimistic-lock counter; bumped on every transition.
	Version   int64          `gorm:"default:0" json:"-"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Delegations []EngineDelegation `gorm:"foreignKey:TaskID;constraint:OnDelete:CASCADE" json:"delegations,omitempty"`
}

// EngineDelegation binds a task to one external engine job. A task may
// accumulate several delegations over resubmissions; only the row with
// Active=true feeds task progress, earlier rows are kept superseded.
type EngineDelegation struct {
	ID     uuid.UUID `gorm:"type:uuid;primarykey" json:"id"`
	TaskID uuid.UUID `gorm:"type:uuid;not null;index" json:"task_id"`
	// Adapter kind, equals the adapter's registered name.
	Kind            string         `gorm:"not null" json:"kind"`
	ExternalJobID   string         `gorm:"index" json:"external_job_id"`
	ExternalProject string         `json:"external_project,omitempty"`
	Options         datatypes.JSON `json:"options,omitempty"`
	Status          TaskStatus     `gorm:"default:'pending'" json:"status"`
	Progress        float64        `gorm:"default:0" json:"progress"`
	Active          bool           `gorm:"default:true" json:"active"`
	Seq             int            `gorm:"not null" json:"seq"`
	// Non-empty when the submit outcome was unknown and may have
	// produced a duplicate external job.
	Warning      string    `json:"warning,omitempty"`
	PollAttempts int       `gorm:"default:0" json:"-"`
	NextPollAt   time.Time `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Analysis struct {
	ID           uuid.UUID                      `gorm:"type:uuid;primarykey" json:"id"`
	ProjectID    uuid.UUID                      `gorm:"type:uuid;not null;index" json:"project_id"`
	OwnerID      uuid.UUID                      `gorm:"type:uuid;not null" json:"owner_id"`
	AnalysisType string                         `gorm:"not null" json:"analysis_type"`
	InputFiles   datatypes.JSONSlice[uuid.UUID] `json:"input_files"`
	Parameters   datatypes.JSON                 `json:"parameters,omitempty"`
	Results      datatypes.JSON                 `json:"results,omitempty"`
	Status       TaskStatus                     `gorm:"default:'pending';index" json:"status"`
	ErrorMessage string                         `json:"error_message,omitempty"`
	Version      int64                          `gorm:"default:0" json:"-"`
	CreatedAt    time.Time                      `json:"created_at"`
	CompletedAt  *time.Time                     `json:"completed_at,omitempty"`
	DeletedAt    gorm.DeletedAt                 `gorm:"index" json:"-"`
}

type VisualizationLayer struct {
	ID         uuid.UUID      `gorm:"type:uuid;primarykey" json:"id"`
	ProjectID  uuid.UUID      `gorm:"type:uuid;not null;index" json:"project_id"`
	FileID     *uuid.UUID     `gorm:"type:uuid" json:"file_id,omitempty"`
	Name       string         `gorm:"not null" json:"name"`
	LayerType  string         `gorm:"not null" json:"layer_type"`
	DataSource datatypes.JSON `json:"data_source"`
	Style      datatypes.JSON `json:"style,omitempty"`
	IsVisible  bool           `gorm:"default:true" json:"is_visible"`
	Opacity    float64        `gorm:"default:1" json:"opacity"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}

type ApiKey struct {
	ID      uuid.UUID `gorm:"type:uuid;primarykey" json:"id"`
	UserID  uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`
	Service string    `gorm:"not null" json:"service"`
	// Sealed with the server secret; never returned in responses.
	EncryptedKey []byte     `gorm:"not null" json:"-"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

type AuditLog struct {
	ID           uuid.UUID      `gorm:"type:uuid;primarykey" json:"id"`
	UserID       uuid.UUID      `gorm:"type:uuid;index" json:"user_id"`
	Action       string         `gorm:"not null" json:"action"`
	ResourceType string         `gorm:"not null" json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Details      datatypes.JSON `json:"details,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
