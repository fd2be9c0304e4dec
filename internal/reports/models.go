package reports

import (
	"time"

	"github.com/metroai/defect-hub/internal/storage"
)

// Upload is one photo of an ingestion request.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// CreateReportsRequest shares one metadata block across all files.
type CreateReportsRequest struct {
	Category    string
	Station     *string
	Description *string
	Latitude    *float64
	Longitude   *float64
	Files       []Upload
}

// ListParams are the raw list query parameters.
type ListParams struct {
	Category    string
	Status      string
	IsSynthetic *bool
	Limit       int
	Offset      int
}

// ReportDTO is the wire form of a report
type ReportDTO struct {
	ID          int64                  `json:"id"`
	Category    string                 `json:"category"`
	Station     *string                `json:"station"`
	Description *string                `json:"description"`
	Latitude    *float64               `json:"latitude"`
	Longitude   *float64               `json:"longitude"`
	PhotoURL    string                 `json:"photo_url"`
	AIResult    storage.AnalysisResult `json:"ai_result"`
	IsSynthetic bool                   `json:"is_synthetic"`
	Status      storage.ReportStatus   `json:"status"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

func ToDTO(r storage.Report) ReportDTO {
	return ReportDTO{
		ID:          r.ID,
		Category:    r.Category,
		Station:     r.Station,
		Description: r.Description,
		Latitude:    r.Latitude,
		Longitude:   r.Longitude,
		PhotoURL:    r.PhotoKey,
		AIResult:    r.AIResult,
		IsSynthetic: r.IsSynthetic,
		Status:      r.Status,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func toDTOs(reports []storage.Report) []ReportDTO {
	out := make([]ReportDTO, len(reports))
	for i, r := range reports {
		out[i] = ToDTO(r)
	}
	return out
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxCategoryLen   = 64
)
