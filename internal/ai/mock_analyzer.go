package ai

import (
	"context"
	"time"

	"github.com/metroai/defect-hub/internal/storage"
)

// MockAnalyzer returns a fixed high-confidence result after an optional delay.
type MockAnalyzer struct {
	delay time.Duration
	now   func() time.Time
}

func NewMockAnalyzer(delay time.Duration) *MockAnalyzer {
	return &MockAnalyzer{delay: delay, now: time.Now}
}

func (a *MockAnalyzer) Analyze(ctx context.Context, photo Photo) (storage.AnalysisResult, error) {
	if a.delay > 0 {
		t := time.NewTimer(a.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	labels := []string{"defect"}
	if photo.Category != "" {
		labels = []string{photo.Category, "defect"}
	}
	return storage.AnalysisResult{
		"confidence":   0.95,
		"labels":       labels,
		"model":        ModeMock,
		"processed_at": a.now().UTC().Format(time.RFC3339),
	}, nil
}
