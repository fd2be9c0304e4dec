package ai

import (
	"strings"
	"time"

	"github.com/metroai/defect-hub/internal/config"
)

const (
	ModeMock   = "mock"
	ModeOpenAI = "openai"
)

func NewAnalyzer(cfg *config.Config) Analyzer {
	mode := strings.ToLower(strings.TrimSpace(cfg.AIMode))
	if mode == "" {
		mode = ModeMock
	}

	switch mode {
	case ModeOpenAI:
		return NewOpenAIAnalyzer(cfg)
	default:
		return NewMockAnalyzer(time.Duration(cfg.AIMockDelayMS) * time.Millisecond)
	}
}
