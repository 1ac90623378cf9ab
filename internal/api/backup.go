package api

import (
	"bytes"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/labstack/echo/v4"
)

// @Title: List Backups
// @Route: GET /api/backups
// @Description: Lists the timestamped backup files kept next to the registry database, oldest first
// @Response: ["registry-20260101-120000.db", ...]
func (s *Service) HandleBackupList(c echo.Context) error {
	paths, err := s.store.Backups()
	if err != nil {
		s.logger.Error(fmt.Sprintf("Failed to list backups: %v", err))
		return writeError(c, http.StatusInternalServerError, "Failed to list backups")
	}
	names := make([]string, 0, len(paths))
	for _, p := range paths {
		names = append(names, filepath.Base(p))
	}
	return c.JSON(http.StatusOK, names)
}

// @Title: Create Internal Backup
// @Route: POST /api/backups
// @Description: Writes a timestamped snapshot of the registry database to the backup directory
// @Response: {"status": "ok", "path": "..."}
func (s *Service) HandleBackupInternal(c echo.Context) error {
	backupPath, err := s.store.BackupCurrent(s.maxBackups)
	if err != nil {
		s.logger.Error(fmt.Sprintf("Failed to create internal backup: %v", err))
		return writeError(c, http.StatusInternalServerError, "Failed to save internal backup")
	}

	s.logger.Info(fmt.Sprintf("API: Created internal backup at: %s", backupPath))
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
		"path":   backupPath,
	})
}

// @Title: Download Snapshot
// @Route: GET /api/backups/download
// @Description: Downloads a consistent SQLite snapshot of the committed registry
// @Response: application/vnd.sqlite3 file download
func (s *Service) HandleBackupDownload(c echo.Context) error {
	snapshot, err := s.store.ExportSnapshot()
	if err != nil {
		s.logger.Error(fmt.Sprintf("Failed to export snapshot: %v", err))
		return writeError(c, http.StatusInternalServerError, "Failed to export snapshot")
	}

	filename := fmt.Sprintf("dvr-registry-%s.db", time.Now().Format("2006-01-02"))
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	s.logger.Info(fmt.Sprintf("API: Served snapshot download: %s", filename))
	return c.Stream(http.StatusOK, "application/vnd.sqlite3", bytes.NewReader(snapshot))
}
