package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/efuentes-sec/ztcore/internal/core/ports"
)

// ReportHandler serves the posture report download and the status
// snapshot.
type ReportHandler struct {
	Reports  ports.ReportService
	Exporter ports.ReportExporter
	Status   ports.StatusService
}

// NewReportHandler creates a new ReportHandler.
func NewReportHandler(reports ports.ReportService, exporter ports.ReportExporter, status ports.StatusService) *ReportHandler {
	return &ReportHandler{
		Reports:  reports,
		Exporter: exporter,
		Status:   status,
	}
}

// HandleReportPDF builds the current posture report and streams it as
// a PDF attachment.
func (h *ReportHandler) HandleReportPDF(w http.ResponseWriter, r *http.Request) {
	report, err := h.Reports.Build(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}

	data, err := h.Exporter.Render(report)
	if err != nil {
		respondError(w, err)
		return
	}

	filename := fmt.Sprintf("ztcore-posture-%s.pdf", time.Now().Format("2006-01-02-1504"))
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Write(data)
}

// HandleStatus returns operational counters for dashboards.
func (h *ReportHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.Status.Status(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}
