// Package reporting renders posture reports into PDF documents for
// operators who want a point-in-time artifact outside the API.
package reporting

import (
	"bytes"
	"fmt"

	"github.com/jung-kurt/gofpdf"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
	"github.com/efuentes-sec/ztcore/internal/core/ports"
)

const (
	deviceRowLimit     = 15
	mitigationRowLimit = 8
)

// PDFExporter renders posture reports to PDF.
type PDFExporter struct{}

var _ ports.ReportExporter = (*PDFExporter)(nil)

// NewPDFExporter creates a new PDF exporter instance.
func NewPDFExporter() *PDFExporter {
	return &PDFExporter{}
}

// Render generates a posture report PDF.
func (e *PDFExporter) Render(report *domain.PostureReport) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.AddPage()

	e.addHeader(pdf, report)
	e.addRiskScore(pdf, report)
	e.addFleetSummary(pdf, report)
	e.addDeviceTable(pdf, report)
	e.addThreats(pdf, report)
	e.addMitigations(pdf, report)
	e.addRecommendations(pdf, report)
	e.addFooter(pdf, report)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to generate PDF: %w", err)
	}
	return buf.Bytes(), nil
}

// addHeader adds the report title block.
func (e *PDFExporter) addHeader(pdf *gofpdf.Fpdf, report *domain.PostureReport) {
	pdf.SetFont("Arial", "B", 24)
	pdf.SetTextColor(0, 51, 102) // Dark blue
	pdf.CellFormat(0, 15, "Network Posture Report", "", 1, "L", false, 0, "")
	pdf.Ln(2)

	pdf.SetFont("Arial", "", 14)
	pdf.SetTextColor(100, 100, 100) // Gray
	pdf.CellFormat(0, 8, "Zero Trust Policy Core", "", 1, "L", false, 0, "")
	pdf.Ln(2)

	pdf.SetFont("Arial", "", 10)
	pdf.SetTextColor(120, 120, 120)
	dateStr := fmt.Sprintf("Generated: %s", report.GeneratedAt.Format("2006-01-02 15:04 MST"))
	pdf.CellFormat(0, 6, dateStr, "", 1, "L", false, 0, "")

	pdf.Ln(8)
}

// addRiskScore adds the prominent network risk display.
func (e *PDFExporter) addRiskScore(pdf *gofpdf.Fpdf, report *domain.PostureReport) {
	r, g, b := e.getRiskColor(report.RiskScore)

	pdf.SetFillColor(r, g, b)
	pdf.Rect(20, pdf.GetY(), 170, 30, "F")

	y := pdf.GetY()

	pdf.SetFont("Arial", "B", 36)
	pdf.SetTextColor(255, 255, 255) // White
	pdf.SetXY(25, y+5)
	scoreStr := fmt.Sprintf("%.1f/10", report.RiskScore)
	pdf.CellFormat(80, 20, scoreStr, "", 0, "L", false, 0, "")

	pdf.SetFont("Arial", "B", 18)
	pdf.SetXY(110, y+8)
	levelStr := fmt.Sprintf("%s Risk", report.RiskLevel)
	pdf.CellFormat(80, 14, levelStr, "", 0, "L", false, 0, "")

	pdf.SetY(y + 35)
	pdf.Ln(5)
}

// getRiskColor returns RGB color based on network risk score.
func (e *PDFExporter) getRiskColor(score float64) (r, g, b int) {
	switch {
	case score >= 8.0:
		return 220, 53, 69 // Red (Critical)
	case score >= 6.0:
		return 255, 149, 0 // Orange (High)
	case score >= 4.0:
		return 255, 204, 0 // Yellow (Medium)
	default:
		return 52, 199, 89 // Green (Low)
	}
}

// addFleetSummary adds the device population counters.
func (e *PDFExporter) addFleetSummary(pdf *gofpdf.Fpdf, report *domain.PostureReport) {
	pdf.SetFont("Arial", "B", 14)
	pdf.SetTextColor(0, 51, 102)
	pdf.CellFormat(0, 10, "Fleet Summary", "", 1, "L", false, 0, "")
	pdf.Ln(2)

	stats := []struct {
		label string
		value string
		color []int
	}{
		{"Enrolled Devices", fmt.Sprintf("%d", report.TotalDevices), []int{0, 102, 204}},
		{"Active", fmt.Sprintf("%d", report.ActiveDevices), []int{52, 199, 89}},
		{"Profiling", fmt.Sprintf("%d", report.ProfilingDevices), []int{0, 102, 204}},
		{"Pending Approval", fmt.Sprintf("%d", report.PendingDevices), []int{255, 149, 0}},
		{"Quarantined", fmt.Sprintf("%d", report.QuarantinedDevices), []int{220, 53, 69}},
		{"Revoked", fmt.Sprintf("%d", report.RevokedDevices), []int{150, 150, 150}},
		{"Low Trust", fmt.Sprintf("%d", report.LowTrustDevices), []int{255, 149, 0}},
		{"Alerts (24h)", fmt.Sprintf("%d", report.AlertsLast24h), []int{0, 102, 204}},
	}

	// Two-column grid.
	colWidth := 85.0
	for i, stat := range stats {
		x := 20.0
		if i%2 == 1 {
			x = 105.0
		}
		pdf.SetXY(x, pdf.GetY())

		pdf.SetFont("Arial", "", 10)
		pdf.SetTextColor(100, 100, 100)
		pdf.CellFormat(50, 7, stat.label+":", "", 0, "L", false, 0, "")

		pdf.SetFont("Arial", "B", 11)
		pdf.SetTextColor(stat.color[0], stat.color[1], stat.color[2])
		pdf.CellFormat(colWidth-50, 7, stat.value, "", 0, "R", false, 0, "")

		if i%2 == 1 {
			pdf.Ln(7)
		}
	}

	pdf.Ln(10)
}

// addDeviceTable adds the per-device table, lowest trust first.
func (e *PDFExporter) addDeviceTable(pdf *gofpdf.Fpdf, report *domain.PostureReport) {
	pdf.SetFont("Arial", "B", 14)
	pdf.SetTextColor(0, 51, 102)
	pdf.CellFormat(0, 10, "Devices by Trust", "", 1, "L", false, 0, "")
	pdf.Ln(2)

	if len(report.Devices) == 0 {
		pdf.SetFont("Arial", "I", 10)
		pdf.SetTextColor(100, 100, 100)
		pdf.CellFormat(0, 7, "No devices enrolled", "", 1, "L", false, 0, "")
		pdf.Ln(5)
		return
	}

	pdf.SetFillColor(240, 240, 240)
	pdf.SetFont("Arial", "B", 10)
	pdf.SetTextColor(60, 60, 60)

	pdf.CellFormat(40, 8, "Device", "1", 0, "L", true, 0, "")
	pdf.CellFormat(38, 8, "MAC", "1", 0, "L", true, 0, "")
	pdf.CellFormat(26, 8, "Status", "1", 0, "C", true, 0, "")
	pdf.CellFormat(18, 8, "Trust", "1", 0, "C", true, 0, "")
	pdf.CellFormat(30, 8, "Decision", "1", 0, "C", true, 0, "")
	pdf.CellFormat(18, 8, "Alerts", "1", 1, "C", true, 0, "")

	pdf.SetFont("Arial", "", 9)
	for i, dev := range report.Devices {
		if i >= deviceRowLimit {
			pdf.SetFont("Arial", "I", 9)
			pdf.SetTextColor(100, 100, 100)
			pdf.CellFormat(0, 7, fmt.Sprintf("... and %d more devices", len(report.Devices)-deviceRowLimit), "", 1, "L", false, 0, "")
			break
		}
		if pdf.GetY() > 260 {
			pdf.AddPage()
		}

		id := dev.DeviceID
		if len(id) > 22 {
			id = id[:19] + "..."
		}
		decision := string(dev.Decision)
		if decision == "" {
			decision = "-"
		}

		pdf.SetTextColor(60, 60, 60)
		pdf.CellFormat(40, 7, id, "1", 0, "L", false, 0, "")
		pdf.CellFormat(38, 7, dev.MAC, "1", 0, "L", false, 0, "")
		pdf.CellFormat(26, 7, string(dev.Status), "1", 0, "C", false, 0, "")

		r, g, b := e.getTrustColor(dev.Trust)
		pdf.SetTextColor(r, g, b)
		pdf.CellFormat(18, 7, fmt.Sprintf("%d", dev.Trust), "1", 0, "C", false, 0, "")

		pdf.SetTextColor(60, 60, 60)
		pdf.CellFormat(30, 7, decision, "1", 0, "C", false, 0, "")
		pdf.CellFormat(18, 7, fmt.Sprintf("%d", dev.RecentAlerts), "1", 1, "C", false, 0, "")
	}

	pdf.Ln(8)
}

// getTrustColor returns RGB color based on the trust score bands.
func (e *PDFExporter) getTrustColor(trust int) (r, g, b int) {
	switch {
	case trust >= 70:
		return 52, 199, 89 // Green
	case trust >= 50:
		return 255, 204, 0 // Yellow
	case trust >= 30:
		return 255, 149, 0 // Orange
	default:
		return 220, 53, 69 // Red
	}
}

// addThreats adds the active threat source table.
func (e *PDFExporter) addThreats(pdf *gofpdf.Fpdf, report *domain.PostureReport) {
	pdf.SetFont("Arial", "B", 14)
	pdf.SetTextColor(0, 51, 102)
	pdf.CellFormat(0, 10, "Active Threat Sources", "", 1, "L", false, 0, "")
	pdf.Ln(2)

	if len(report.Threats) == 0 {
		pdf.SetFont("Arial", "I", 10)
		pdf.SetTextColor(100, 100, 100)
		pdf.CellFormat(0, 7, "No threat activity on record", "", 1, "L", false, 0, "")
		pdf.Ln(5)
		return
	}

	pdf.SetFillColor(240, 240, 240)
	pdf.SetFont("Arial", "B", 10)
	pdf.SetTextColor(60, 60, 60)

	pdf.CellFormat(45, 8, "Source IP", "1", 0, "L", true, 0, "")
	pdf.CellFormat(28, 8, "Severity", "1", 0, "C", true, 0, "")
	pdf.CellFormat(22, 8, "Hits", "1", 0, "C", true, 0, "")
	pdf.CellFormat(37, 8, "First Seen", "1", 0, "C", true, 0, "")
	pdf.CellFormat(38, 8, "Last Seen", "1", 1, "C", true, 0, "")

	pdf.SetFont("Arial", "", 9)
	for _, th := range report.Threats {
		if pdf.GetY() > 260 {
			pdf.AddPage()
		}

		pdf.SetTextColor(60, 60, 60)
		pdf.CellFormat(45, 7, th.SourceIP, "1", 0, "L", false, 0, "")

		r, g, b := e.getSeverityColor(th.Severity)
		pdf.SetTextColor(r, g, b)
		pdf.CellFormat(28, 7, string(th.Severity), "1", 0, "C", false, 0, "")

		pdf.SetTextColor(60, 60, 60)
		pdf.CellFormat(22, 7, fmt.Sprintf("%d", th.Hits), "1", 0, "C", false, 0, "")
		pdf.CellFormat(37, 7, th.FirstSeen.Format("2006-01-02 15:04"), "1", 0, "C", false, 0, "")
		pdf.CellFormat(38, 7, th.LastSeen.Format("2006-01-02 15:04"), "1", 1, "C", false, 0, "")
	}

	pdf.Ln(8)
}

// getSeverityColor returns RGB color based on alert severity.
func (e *PDFExporter) getSeverityColor(severity domain.AlertSeverity) (r, g, b int) {
	switch severity {
	case domain.SeverityCritical:
		return 220, 53, 69 // Red
	case domain.SeverityHigh:
		return 255, 149, 0 // Orange
	case domain.SeverityMedium:
		return 255, 204, 0 // Yellow
	default:
		return 52, 199, 89 // Green
	}
}

// addMitigations adds the installed mitigation rule table.
func (e *PDFExporter) addMitigations(pdf *gofpdf.Fpdf, report *domain.PostureReport) {
	pdf.SetFont("Arial", "B", 14)
	pdf.SetTextColor(0, 51, 102)
	pdf.CellFormat(0, 10, "Mitigation Rules", "", 1, "L", false, 0, "")
	pdf.Ln(2)

	if len(report.Mitigations) == 0 {
		pdf.SetFont("Arial", "I", 10)
		pdf.SetTextColor(100, 100, 100)
		pdf.CellFormat(0, 7, "No mitigation rules installed", "", 1, "L", false, 0, "")
		pdf.Ln(5)
		return
	}

	pdf.SetFillColor(240, 240, 240)
	pdf.SetFont("Arial", "B", 10)
	pdf.SetTextColor(60, 60, 60)

	pdf.CellFormat(45, 8, "Source IP", "1", 0, "L", true, 0, "")
	pdf.CellFormat(30, 8, "Action", "1", 0, "C", true, 0, "")
	pdf.CellFormat(25, 8, "Priority", "1", 0, "C", true, 0, "")
	pdf.CellFormat(25, 8, "Expires", "1", 0, "C", true, 0, "")
	pdf.CellFormat(45, 8, "Installed", "1", 1, "C", true, 0, "")

	pdf.SetFont("Arial", "", 9)
	for i, rule := range report.Mitigations {
		if i >= mitigationRowLimit {
			pdf.SetFont("Arial", "I", 9)
			pdf.SetTextColor(100, 100, 100)
			pdf.CellFormat(0, 7, fmt.Sprintf("... and %d more rules", len(report.Mitigations)-mitigationRowLimit), "", 1, "L", false, 0, "")
			break
		}
		if pdf.GetY() > 260 {
			pdf.AddPage()
		}

		expires := "yes"
		if rule.Permanent {
			expires = "never"
		}

		pdf.SetTextColor(60, 60, 60)
		pdf.CellFormat(45, 7, rule.SourceIP, "1", 0, "L", false, 0, "")
		pdf.CellFormat(30, 7, string(rule.Action), "1", 0, "C", false, 0, "")
		pdf.CellFormat(25, 7, fmt.Sprintf("%d", rule.Priority), "1", 0, "C", false, 0, "")
		pdf.CellFormat(25, 7, expires, "1", 0, "C", false, 0, "")
		pdf.CellFormat(45, 7, rule.CreatedAt.Format("2006-01-02 15:04"), "1", 1, "C", false, 0, "")
	}

	pdf.Ln(8)
}

// addRecommendations adds the prioritized operator actions.
func (e *PDFExporter) addRecommendations(pdf *gofpdf.Fpdf, report *domain.PostureReport) {
	pdf.SetFont("Arial", "B", 14)
	pdf.SetTextColor(0, 51, 102)
	pdf.CellFormat(0, 10, "Recommendations", "", 1, "L", false, 0, "")
	pdf.Ln(2)

	for _, rec := range report.Recommendations {
		if pdf.GetY() > 250 {
			pdf.AddPage()
		}

		r, g, b := e.getPriorityColor(rec.Priority)
		pdf.SetFillColor(r, g, b)
		pdf.SetTextColor(255, 255, 255)
		pdf.SetFont("Arial", "B", 9)
		pdf.CellFormat(25, 6, rec.Priority, "", 0, "C", true, 0, "")

		pdf.SetFont("Arial", "B", 11)
		pdf.SetTextColor(0, 51, 102)
		pdf.CellFormat(0, 6, "  "+rec.Title, "", 1, "L", false, 0, "")
		pdf.Ln(1)

		pdf.SetFont("Arial", "", 9)
		pdf.SetTextColor(60, 60, 60)
		pdf.MultiCell(0, 5, rec.Detail, "", "L", false)

		pdf.Ln(4)
	}
}

// getPriorityColor returns RGB color based on recommendation priority.
func (e *PDFExporter) getPriorityColor(priority string) (r, g, b int) {
	switch priority {
	case "critical":
		return 220, 53, 69 // Red
	case "high":
		return 255, 149, 0 // Orange
	case "medium":
		return 255, 204, 0 // Yellow
	default:
		return 52, 199, 89 // Green
	}
}

// addFooter adds the report footer.
func (e *PDFExporter) addFooter(pdf *gofpdf.Fpdf, report *domain.PostureReport) {
	pdf.SetY(-20)

	pdf.SetDrawColor(200, 200, 200)
	pdf.Line(20, pdf.GetY(), 190, pdf.GetY())
	pdf.Ln(3)

	pdf.SetFont("Arial", "I", 8)
	pdf.SetTextColor(120, 120, 120)
	footerText := fmt.Sprintf("ztcore posture report | %s", report.GeneratedAt.Format("2006-01-02 15:04 MST"))
	pdf.CellFormat(0, 5, footerText, "", 1, "C", false, 0, "")
}
