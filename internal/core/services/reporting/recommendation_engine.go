package reporting

import (
	"fmt"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
)

// maxRecommendations caps the list so the report stays actionable.
const maxRecommendations = 5

// alertVolumeThreshold is the 24h alert count above which noise tuning is suggested.
const alertVolumeThreshold = 50

// RecommendationEngine derives prioritized operator actions from a posture report.
type RecommendationEngine struct{}

// NewRecommendationEngine creates a new recommendation engine instance.
func NewRecommendationEngine() *RecommendationEngine {
	return &RecommendationEngine{}
}

// Recommend inspects the report and returns the most urgent actions first.
// An empty result never happens: a healthy fleet still gets a routine entry.
func (re *RecommendationEngine) Recommend(report *domain.PostureReport) []domain.Recommendation {
	var recs []domain.Recommendation

	if n := report.QuarantinedDevices; n > 0 {
		recs = append(recs, domain.Recommendation{
			Priority: "critical",
			Title:    "Review quarantined devices",
			Detail: fmt.Sprintf("%d device(s) are isolated in quarantine. Inspect their alert history, "+
				"re-image or replace compromised hardware, then release them to restore service.", n),
		})
	}

	if n := severeThreatCount(report.Threats); n > 0 {
		recs = append(recs, domain.Recommendation{
			Priority: "high",
			Title:    "Investigate high-severity threat sources",
			Detail: fmt.Sprintf("%d source(s) triggered high or critical alerts within the retention window. "+
				"Confirm the mitigation rules cover them and escalate persistent offenders upstream.", n),
		})
	}

	if n := report.LowTrustDevices; n > 0 {
		priority := "medium"
		if enrolled := report.TotalDevices - report.RevokedDevices; enrolled > 0 && n*4 >= enrolled {
			priority = "high"
		}
		recs = append(recs, domain.Recommendation{
			Priority: priority,
			Title:    "Investigate trust degradation",
			Detail: fmt.Sprintf("%d device(s) have fallen below the restricted-traffic threshold. "+
				"Review their recent alerts and attestation results before trust decays further.", n),
		})
	}

	if n := permanentMitigationCount(report.Mitigations); n > 0 {
		recs = append(recs, domain.Recommendation{
			Priority: "medium",
			Title:    "Audit permanent mitigation rules",
			Detail: fmt.Sprintf("%d permanent block(s) never expire on their own. Verify each source is still "+
				"hostile and withdraw rules that block recovered or reassigned addresses.", n),
		})
	}

	if n := report.PendingDevices; n > 0 {
		recs = append(recs, domain.Recommendation{
			Priority: "medium",
			Title:    "Work the enrollment queue",
			Detail: fmt.Sprintf("%d device(s) await an approval decision. Unreviewed enrollments hold no "+
				"network access, so stale entries usually mean a forgotten deployment.", n),
		})
	}

	if report.AlertsLast24h >= alertVolumeThreshold {
		recs = append(recs, domain.Recommendation{
			Priority: "low",
			Title:    "Tune detection thresholds",
			Detail: fmt.Sprintf("%d alerts fired in the last 24 hours. Sustained volume at this level "+
				"drowns out real incidents; revisit baseline windows and deviation ratios.", report.AlertsLast24h),
		})
	}

	if len(recs) == 0 {
		recs = append(recs, domain.Recommendation{
			Priority: "low",
			Title:    "No urgent findings",
			Detail: "The fleet is within normal operating posture. Keep firmware current and " +
				"re-run the report after the next enrollment wave.",
		})
	}

	if len(recs) > maxRecommendations {
		recs = recs[:maxRecommendations]
	}
	return recs
}

func severeThreatCount(threats []domain.Threat) int {
	n := 0
	for _, th := range threats {
		if th.Severity.AtLeast(domain.SeverityHigh) {
			n++
		}
	}
	return n
}

func permanentMitigationCount(rules []domain.MitigationRule) int {
	n := 0
	for _, r := range rules {
		if r.Permanent {
			n++
		}
	}
	return n
}
