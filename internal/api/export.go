package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"calsyncd/internal/metrics"
	"calsyncd/internal/models"

	"github.com/xuri/excelize/v2"
)

// handleExport writes the current queue contents to an XLSX report and
// serves it. An optional status query narrows the export.
func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("sync_export")
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	status := r.URL.Query().Get("status")
	if status != "" {
		switch status {
		case models.StatusPending, models.StatusProcessing, models.StatusCompleted, models.StatusFailed:
		default:
			writeError(w, http.StatusBadRequest, "unknown status")
			return
		}
	}

	path, err := s.exportQueueReport(r.Context(), status)
	if err != nil {
		s.logger.Error().Err(err).Msg("export queue report")
		writeError(w, http.StatusInternalServerError, "failed to build report")
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	http.ServeFile(w, r, path)
}

func (s *HTTPServer) exportQueueReport(ctx context.Context, status string) (string, error) {
	if err := os.MkdirAll(s.exports.Path, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}

	items, err := s.db.ListQueueItems(ctx, status)
	if err != nil {
		return "", fmt.Errorf("list queue items: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	const sheetName = "Sync Queue"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return "", fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headers := []string{"ID", "User", "Account", "Provider", "Operation", "Status", "Priority", "Attempts", "Last Error", "Created", "Completed"}
	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheetName, cell, header)
		_ = f.SetCellStyle(sheetName, cell, cell, headerStyle)
	}

	for rowIdx, item := range items {
		lastError := ""
		if item.LastError != nil {
			lastError = *item.LastError
		}
		completed := ""
		if item.CompletedAt != nil {
			completed = item.CompletedAt.Format(time.RFC3339)
		}

		values := []any{
			item.ID,
			item.UserID,
			item.AccountID,
			string(item.Provider),
			string(item.Operation),
			item.Status,
			item.Priority,
			item.Attempts,
			lastError,
			item.CreatedAt.Format(time.RFC3339),
			completed,
		}
		for colIdx, value := range values {
			cell, _ := excelize.CoordinatesToCellName(colIdx+1, rowIdx+2)
			_ = f.SetCellValue(sheetName, cell, value)
		}
	}

	_ = f.SetColWidth(sheetName, "A", "C", 10)
	_ = f.SetColWidth(sheetName, "D", "F", 18)
	_ = f.SetColWidth(sheetName, "I", "K", 28)
	_ = f.DeleteSheet("Sheet1")

	fileName := fmt.Sprintf("sync_queue_%s.xlsx", time.Now().Format("2006-01-02_150405"))
	path := filepath.Join(s.exports.Path, fileName)
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("save report: %w", err)
	}

	s.logger.Info().Str("file_path", path).Int("items", len(items)).Msg("queue report created")
	return path, nil
}
