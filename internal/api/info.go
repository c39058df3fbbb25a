package api

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/joeblew999/mainstem-explorer/internal/service"
)

type InfoHandler struct {
	dataDir string
	store   *service.MainstemService
}

func NewInfoHandler(dataDir string, store *service.MainstemService) *InfoHandler {
	return &InfoHandler{dataDir: dataDir, store: store}
}

func (h *InfoHandler) RegisterRoutes(api huma.API) {
	huma.Get(api, "/api/v1/info", h.GetInfo, huma.OperationTags("health"))
}

type InfoBody struct {
	Name      string    `json:"name" doc:"Service name"`
	Version   string    `json:"version" doc:"Service version"`
	DataDir   string    `json:"data_dir" doc:"Data directory path"`
	DB        bool      `json:"db" doc:"Whether database is available"`
	Mainstems int       `json:"mainstems" doc:"Stored mainstems"`
	Datasets  int       `json:"datasets" doc:"Stored datasets"`
	Extent    []float64 `json:"extent,omitempty" doc:"Bounding box of all mainstems [west, south, east, north]"`
	Features  []string  `json:"features" doc:"Available features"`
}

func (h *InfoHandler) GetInfo(ctx context.Context, input *struct{}) (*struct{ Body InfoBody }, error) {
	body := InfoBody{
		Name:     "mainstem-explorer",
		Version:  Version,
		DataDir:  h.dataDir,
		DB:       h.store != nil,
		Features: []string{"search", "vector-tiles", "spiderfy", "datastar-viewer", "duckdb"},
	}
	if h.store != nil {
		m, d, err := h.store.Counts(ctx)
		if err != nil {
			return nil, huma.Error500InternalServerError("Counting records failed", err)
		}
		body.Mainstems, body.Datasets = m, d
		b, ok, err := h.store.Extent(ctx)
		if err != nil {
			return nil, huma.Error500InternalServerError("Computing extent failed", err)
		}
		if ok {
			body.Extent = []float64{b.Min.X(), b.Min.Y(), b.Max.X(), b.Max.Y()}
		}
	}
	return &struct{ Body InfoBody }{Body: body}, nil
}
