package storage

import "strings"

// ReportStatus — статус обработки отчёта
type ReportStatus string

const (
	StatusPending    ReportStatus = "pending"
	StatusProcessing ReportStatus = "processing"
	StatusCompleted  ReportStatus = "completed"
	StatusFailed     ReportStatus = "failed"
)

// AllStatuses lists the status domain in pipeline order.
var AllStatuses = []ReportStatus{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

// ParseStatus accepts the lower-case wire form (case-insensitive).
func ParseStatus(s string) (ReportStatus, bool) {
	st := ReportStatus(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return st, true
	}
	return "", false
}

// IsTerminal reports whether the pipeline never moves the status again.
func (s ReportStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether the pipeline may move a report from -> to.
// PROCESSING -> PROCESSING is allowed so a redelivered job can resume after a crash.
func CanTransition(from, to ReportStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusProcessing || to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}
