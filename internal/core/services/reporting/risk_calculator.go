package reporting

import (
	"math"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
)

// Risk weights. Low-trust saturation carries half the scale; threat and
// quarantine pressure fill the rest up to their caps.
const (
	riskWeightLowTrust = 5.0

	riskWeightPerThreat = 1.5
	riskThreatCap       = 3.0

	riskWeightPerQuarantine = 1.0
	riskQuarantineCap       = 2.0
)

// RiskCalculator derives the network risk score from a posture snapshot.
type RiskCalculator struct{}

// NewRiskCalculator creates a new risk calculator instance.
func NewRiskCalculator() *RiskCalculator {
	return &RiskCalculator{}
}

// NetworkRisk scores the network 0-10. Three pressures add up: the
// fraction of enrolled devices below the limited-trust boundary, active
// high or critical threats, and quarantined devices. An empty network
// scores zero.
func (rc *RiskCalculator) NetworkRisk(report *domain.PostureReport) float64 {
	enrolled := report.TotalDevices - report.RevokedDevices

	var risk float64
	if enrolled > 0 {
		risk += riskWeightLowTrust * float64(report.LowTrustDevices) / float64(enrolled)
	}

	severe := 0
	for _, t := range report.Threats {
		if t.Severity.AtLeast(domain.SeverityHigh) {
			severe++
		}
	}
	risk += math.Min(float64(severe)*riskWeightPerThreat, riskThreatCap)

	risk += math.Min(float64(report.QuarantinedDevices)*riskWeightPerQuarantine, riskQuarantineCap)

	return math.Min(risk, 10.0)
}

// RiskLevel converts the numeric score to a human-readable level.
func (rc *RiskCalculator) RiskLevel(score float64) string {
	switch {
	case score >= 8.0:
		return "Critical"
	case score >= 6.0:
		return "High"
	case score >= 4.0:
		return "Medium"
	default:
		return "Low"
	}
}
