// internal/database/database.go
package database

import (
	"fmt"
	"os"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"geoportal-back/internal/models"
)

func InitDB() (*gorm.DB, error) {
	host := getenv("DATABASE_HOST", "localhost")
	port := getenv("DATABASE_PORT", "5432")
	user := getenv("DATABASE_USER", "postgres")
	password := getenv("DATABASE_PASSWORD", "postgres")
	name := getenv("DATABASE_NAME", "geoportal")
	sslmode := getenv("DATABASE_SSLMODE", "disable")

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, password, name, sslmode)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return db, nil
}

func MigrateDB(db *gorm.DB) error {
	// Geometry columns need PostGIS before AutoMigrate runs.
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS postgis").Error; err != nil {
		return fmt.Errorf("failed to enable postgis: %w", err)
	}

	if err := db.AutoMigrate(
		&models.User{},
		&models.Project{},
		&models.File{},
		&models.ProcessingTask{},
		&models.EngineDelegation{},
		&models.Analysis{},
		&models.VisualizationLayer{},
		&models.ApiKey{},
		&models.AuditLog{},
	); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}

	// AutoMigrate cannot express spatial indexes; project boundaries and
	// file GPS points are queried interactively and need GIST.
	for _, stmt := range []string{
		"CREATE INDEX IF NOT EXISTS idx_projects_boundary ON projects USING GIST (boundary)",
		"CREATE INDEX IF NOT EXISTS idx_files_location ON files USING GIST (location)",
	} {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create spatial index: %w", err)
		}
	}

	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
