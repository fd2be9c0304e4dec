package dbmigrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metroai/defect-hub/internal/config"
)

func TestSelectDatabaseURL(t *testing.T) {
	cases := []struct {
		name        string
		cfg         config.Config
		wantURL     string
		wantSource  string
		wantWarning bool
	}{
		{
			name:       "direct wins",
			cfg:        config.Config{DatabaseURLDirect: "postgres://direct", DatabaseURLRaw: "postgres://url", DatabaseURLPooled: "postgres://pooled"},
			wantURL:    "postgres://direct",
			wantSource: "DATABASE_URL_DIRECT",
		},
		{
			name:       "fallback to DATABASE_URL",
			cfg:        config.Config{DatabaseURLRaw: "postgres://url", DatabaseURLPooled: "postgres://pooled"},
			wantURL:    "postgres://url",
			wantSource: "DATABASE_URL",
		},
		{
			name:        "pooled warns",
			cfg:         config.Config{DatabaseURLPooled: "postgres://pooled"},
			wantURL:     "postgres://pooled",
			wantSource:  "DATABASE_URL_POOLED",
			wantWarning: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dbURL, source, warning, err := SelectDatabaseURL(&tc.cfg, false)
			require.NoError(t, err)
			assert.Equal(t, tc.wantURL, dbURL)
			assert.Equal(t, tc.wantSource, source)
			assert.Equal(t, tc.wantWarning, warning != "")
		})
	}
}

func TestSelectDatabaseURL_RequireDirect(t *testing.T) {
	cfg := &config.Config{DatabaseURLRaw: "postgres://url", DatabaseURLPooled: "postgres://pooled"}
	_, _, _, err := SelectDatabaseURL(cfg, true)
	assert.Error(t, err)
}

func TestSelectDatabaseURL_NothingConfigured(t *testing.T) {
	_, _, _, err := SelectDatabaseURL(&config.Config{}, false)
	assert.Error(t, err)
}

func TestEmbeddedMigrations(t *testing.T) {
	files, err := Embedded()
	require.NoError(t, err)
	assert.Contains(t, files, "00001_defect_reports.sql")
}

func TestRunRejectsBadInput(t *testing.T) {
	assert.Error(t, Run(context.Background(), "up", "", ""))
	assert.ErrorContains(t, Run(context.Background(), "drop-everything", "postgres://localhost/x", ""), "unsupported command")
}
