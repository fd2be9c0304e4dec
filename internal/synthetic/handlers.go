package synthetic

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/metroai/defect-hub/internal/reports"
)

const defaultCount = 100

type Handlers struct {
	generator *Generator
}

func NewHandlers(generator *Generator) *Handlers {
	return &Handlers{generator: generator}
}

// HandleGenerate handles POST /api/v1/synthetic/generate?count=N
func (h *Handlers) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	count := defaultCount
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			reports.WriteServiceError(w, &reports.ValidationError{Field: "count", Message: "must be an integer"})
			return
		}
		count = n
	}

	res, err := h.generator.Generate(r.Context(), count)
	if err != nil {
		if res.Status == StatusPartial {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{
					"code":    "generation_failed",
					"message": res.Message,
				},
				"generated_count": res.GeneratedCount,
			})
			return
		}
		reports.WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(res)
}
