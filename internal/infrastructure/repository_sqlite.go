package infrastructure

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yourusername/bili-extract-go/internal/domain"
)

// filterColumns are the columns FindAll accepts as filter keys
var filterColumns = map[string]bool{
	"status":     true,
	"stage":      true,
	"content_id": true,
	"input":      true,
}

// SQLiteDownloadRepository implements DownloadRepository using SQLite
type SQLiteDownloadRepository struct {
	db *gorm.DB
}

// NewSQLiteDownloadRepository opens (creating if needed) the queue database
// at dbPath and migrates the schema.
func NewSQLiteDownloadRepository(dbPath string) (*SQLiteDownloadRepository, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// the CLI and the server may share one database file
	dsn := dbPath + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&domain.Download{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &SQLiteDownloadRepository{db: db}, nil
}

// Create creates a new download
func (r *SQLiteDownloadRepository) Create(download *domain.Download) error {
	return r.db.Create(download).Error
}

// Update updates an existing download
func (r *SQLiteDownloadRepository) Update(download *domain.Download) error {
	return r.db.Save(download).Error
}

// Delete deletes a download by ID
func (r *SQLiteDownloadRepository) Delete(id string) error {
	return r.db.Delete(&domain.Download{}, "id = ?", id).Error
}

// FindByID finds a download by ID
func (r *SQLiteDownloadRepository) FindByID(id string) (*domain.Download, error) {
	var download domain.Download
	if err := r.db.First(&download, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &download, nil
}

// FindByInput returns the newest download for input whose status is one of
// statuses, or nil.
func (r *SQLiteDownloadRepository) FindByInput(input string, statuses []domain.DownloadStatus) (*domain.Download, error) {
	var download domain.Download
	err := r.db.Where("input = ? AND status IN ?", input, statuses).
		Order("created_at DESC").
		First(&download).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &download, nil
}

// FindByStatus finds downloads by status
func (r *SQLiteDownloadRepository) FindByStatus(status domain.DownloadStatus) ([]*domain.Download, error) {
	var downloads []*domain.Download
	err := r.db.Where("status = ?", status).Order("created_at ASC").Find(&downloads).Error
	return downloads, err
}

// FindPending finds queued downloads, highest priority first, then oldest
func (r *SQLiteDownloadRepository) FindPending() ([]*domain.Download, error) {
	var downloads []*domain.Download
	err := r.db.Where("status = ?", domain.StatusQueued).
		Order("priority DESC, created_at ASC").
		Find(&downloads).Error
	return downloads, err
}

// FindAll lists downloads, newest first. Filter keys must be one of
// status, stage, content_id or input.
func (r *SQLiteDownloadRepository) FindAll(filters map[string]interface{}) ([]*domain.Download, error) {
	query := r.db
	for key, value := range filters {
		if !filterColumns[key] {
			return nil, fmt.Errorf("unsupported filter %q", key)
		}
		query = query.Where(fmt.Sprintf("%s = ?", key), value)
	}

	var downloads []*domain.Download
	err := query.Order("created_at DESC").Find(&downloads).Error
	return downloads, err
}

// Count returns the total number of downloads
func (r *SQLiteDownloadRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&domain.Download{}).Count(&count).Error
	return count, err
}

// CountByStatus returns the number of downloads by status
func (r *SQLiteDownloadRepository) CountByStatus(status domain.DownloadStatus) (int64, error) {
	var count int64
	err := r.db.Model(&domain.Download{}).Where("status = ?", status).Count(&count).Error
	return count, err
}

// GetStats returns per-status download counts
func (r *SQLiteDownloadRepository) GetStats() (*domain.DownloadStats, error) {
	var rows []struct {
		Status domain.DownloadStatus
		Count  int64
	}
	if err := r.db.Model(&domain.Download{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	stats := &domain.DownloadStats{}
	for _, row := range rows {
		stats.Total += row.Count
		switch row.Status {
		case domain.StatusQueued:
			stats.Queued = row.Count
		case domain.StatusProcessing:
			stats.Processing = row.Count
		case domain.StatusCompleted:
			stats.Completed = row.Count
		case domain.StatusFailed:
			stats.Failed = row.Count
		case domain.StatusCancelled:
			stats.Cancelled = row.Count
		}
	}
	return stats, nil
}

// Close closes the database connection
func (r *SQLiteDownloadRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
