package alerts

import "github.com/dockmon/server/internal/domain"

// ClassifySeverity resolves the open question recorded in DESIGN.md: the
// Python original's validator.py allows an "error" severity that spec.md's
// AlertRule data model does not. Anything that would be "error" upstream is
// recorded as critical.
func ClassifySeverity(raw string) domain.Severity {
	switch raw {
	case "info":
		return domain.SeverityInfo
	case "warning":
		return domain.SeverityWarning
	case "error", "critical":
		return domain.SeverityCritical
	default:
		return domain.SeverityInfo
	}
}
