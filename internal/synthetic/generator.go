// Package synthetic fabricates labelled defect reports for training datasets.
package synthetic

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/apex/log"

	"github.com/metroai/defect-hub/internal/blob"
	"github.com/metroai/defect-hub/internal/metrics"
	"github.com/metroai/defect-hub/internal/reports"
	"github.com/metroai/defect-hub/internal/storage"
)

var (
	Categories = []string{"seat", "handrail", "wall", "floor", "graffiti", "glass", "window"}
	Stations   = []string{"Невский проспект", "Площадь Восстания", "Московская", "Технологический институт"}
)

const (
	StatusSuccess = "success"
	StatusPartial = "partial"

	centerLat = 59.9
	centerLon = 30.3
)

// Result is the outcome of one Generate call.
type Result struct {
	Status         string `json:"status"`
	GeneratedCount int    `json:"generated_count"`
	Message        string `json:"message"`
}

// Generator creates COMPLETED synthetic reports with rendered photos.
type Generator struct {
	store      storage.ReportStore
	blobs      blob.Store
	maxCount   int
	flushEvery int
	now        func() time.Time
	logger     log.Interface

	mu  sync.Mutex // guards rnd
	rnd *rand.Rand
}

func NewGenerator(store storage.ReportStore, blobs blob.Store, maxCount, flushEvery int, logger log.Interface) *Generator {
	if maxCount <= 0 {
		maxCount = 1000
	}
	if flushEvery <= 0 {
		flushEvery = 10
	}
	if logger == nil {
		logger = log.Log
	}
	return &Generator{
		store:      store,
		blobs:      blobs,
		maxCount:   maxCount,
		flushEvery: flushEvery,
		now:        time.Now,
		logger:     logger,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithRand replaces the random source (tests).
func (g *Generator) WithRand(rnd *rand.Rand) *Generator {
	g.rnd = rnd
	return g
}

// MaxCount is the largest n Generate accepts.
func (g *Generator) MaxCount() int { return g.maxCount }

// Generate renders, uploads and inserts n synthetic reports. Rows are
// committed every flushEvery rows. On failure the rows already buffered are
// still committed and the partial result is returned with the error.
func (g *Generator) Generate(ctx context.Context, n int) (Result, error) {
	if n < 1 || n > g.maxCount {
		return Result{}, &reports.ValidationError{Field: "count", Message: fmt.Sprintf("must be between 1 and %d", g.maxCount)}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	committed := 0
	buf := make([]*storage.Report, 0, g.flushEvery)
	flush := func(ctx context.Context) error {
		if len(buf) == 0 {
			return nil
		}
		if err := g.store.CreateReports(ctx, buf, false); err != nil {
			return &reports.StorageWriteError{Op: "insert_reports", Err: err}
		}
		committed += len(buf)
		metrics.ReportsCreatedTotal.WithLabelValues("synthetic").Add(float64(len(buf)))
		buf = buf[:0]
		return nil
	}

	var genErr error
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			genErr = err
			break
		}
		row, err := g.generateOne(ctx, i)
		if err != nil {
			genErr = err
			break
		}
		buf = append(buf, row)
		if len(buf) >= g.flushEvery {
			if err := flush(ctx); err != nil {
				genErr = err
				break
			}
		}
	}

	if err := flush(context.WithoutCancel(ctx)); err != nil && genErr == nil {
		genErr = err
	}

	if genErr != nil {
		g.logger.WithError(genErr).WithFields(log.Fields{"requested": n, "generated": committed}).Error("synthetic: generation aborted")
		return Result{
			Status:         StatusPartial,
			GeneratedCount: committed,
			Message:        fmt.Sprintf("Generated %d of %d synthetic reports before failure", committed, n),
		}, genErr
	}

	g.logger.WithField("count", committed).Info("synthetic: reports generated")
	return Result{
		Status:         StatusSuccess,
		GeneratedCount: committed,
		Message:        fmt.Sprintf("Successfully generated %d synthetic reports", committed),
	}, nil
}

func (g *Generator) generateOne(ctx context.Context, i int) (*storage.Report, error) {
	category := Categories[g.rnd.Intn(len(Categories))]
	station := Stations[g.rnd.Intn(len(Stations))]

	img, err := RenderImage(g.rnd, category)
	if err != nil {
		return nil, fmt.Errorf("render %s image: %w", category, err)
	}

	key := blob.NewDatasetKey(category, fmt.Sprintf("synthetic_%s_%d.jpg", category, i), g.now())
	if _, err := g.blobs.PutObject(ctx, key, img, "image/jpeg"); err != nil {
		return nil, &reports.StorageWriteError{Op: "put_object", Err: fmt.Errorf("%s: %w", key, err)}
	}

	description := fmt.Sprintf("Synthetic %s defect for training", category)
	lat := centerLat + g.rnd.Float64()*0.2 - 0.1
	lon := centerLon + g.rnd.Float64()*0.2 - 0.1

	return &storage.Report{
		Category:    category,
		Station:     &station,
		Description: &description,
		Latitude:    &lat,
		Longitude:   &lon,
		PhotoKey:    key,
		Status:      storage.StatusCompleted,
		IsSynthetic: true,
		AIResult: storage.AnalysisResult{
			"confidence": 0.85 + g.rnd.Float64()*0.14,
			"labels":     []string{category, "synthetic"},
			"generated":  true,
		},
	}, nil
}
