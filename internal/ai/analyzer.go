package ai

import (
	"context"

	"github.com/metroai/defect-hub/internal/storage"
)

// Photo is the input to an analysis: the stored image plus report context.
type Photo struct {
	ReportID    int64
	Category    string
	Key         string
	ContentType string
	Data        []byte
}

// Analyzer turns a defect photo into a structured result stored on the report.
type Analyzer interface {
	Analyze(ctx context.Context, photo Photo) (storage.AnalysisResult, error)
}
