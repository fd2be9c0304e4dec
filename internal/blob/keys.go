package blob

import (
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

const (
	datasetPrefix = "datasets"
	imagesPrefix  = "images"
)

// NewDatasetKey builds datasets/{category}/{YYYY-MM-DD}/{uuid}_{filename}.
// The uuid makes keys unique even when category, date and filename repeat.
func NewDatasetKey(category, filename string, now time.Time) string {
	return path.Join(
		datasetPrefix,
		CleanSegment(category, "uncategorized"),
		now.UTC().Format("2006-01-02"),
		uuid.NewString()+"_"+CleanSegment(filename, "photo"),
	)
}

// ArchivePath maps an object key to images/{category}/{last key segment}.
func ArchivePath(category, key string) string {
	return path.Join(imagesPrefix, CleanSegment(category, "uncategorized"), path.Base(key))
}

// CleanSegment reduces s to one safe key segment: only the part after the last
// path separator is kept, control characters become '_' and leading dots are dropped.
func CleanSegment(s, fallback string) string {
	s = strings.TrimRight(strings.TrimSpace(s), `/\`)
	if i := strings.LastIndexAny(s, `/\`); i >= 0 {
		s = s[i+1:]
	}

	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return '_'
		}
		return r
	}, s)
	s = strings.TrimLeft(s, ".")
	if s == "" {
		return fallback
	}
	return s
}
