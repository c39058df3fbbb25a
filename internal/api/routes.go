// Package api defines the Huma API routes and handlers.
package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"net/url"

	"github.com/danielgtaylor/huma/v2"
	"github.com/paulmach/orb/geojson"

	"github.com/joeblew999/mainstem-explorer/internal/humastar"
	"github.com/joeblew999/mainstem-explorer/internal/mainstem"
	"github.com/joeblew999/mainstem-explorer/internal/registry"
	"github.com/joeblew999/mainstem-explorer/internal/service"
	"github.com/joeblew999/mainstem-explorer/internal/tiles"
)

// Version is reported by /health and /api/v1/info.
const Version = "1.0.0"

// Services holds the service dependencies for API handlers.
type Services struct {
	Mainstems *service.MainstemService
	Sources   *service.SourceService
	Importer  *service.Importer
	Registry  *registry.Registry
	Tiles     *tiles.Server
}

// Types

type IDInput struct {
	ID string `path:"id" doc:"Mainstem ID" example:"1"`
}

type SearchInput struct {
	Q      string `query:"q" doc:"Case-insensitive substring of the name or URI" example:"ohio"`
	Offset int    `query:"offset" minimum:"0" default:"0" doc:"Items to skip"`
	Limit  int    `query:"limit" minimum:"1" maximum:"100" default:"20" doc:"Page size"`
}

type SearchOutput struct {
	Body humastar.PageBody[mainstem.Mainstem]
}

// MainstemBody is a mainstem with its datasets and export actions.
type MainstemBody struct {
	mainstem.Mainstem
}

var mainstemActions = []humastar.ActionDef{
	{Rel: "export", Pattern: "/api/v1/mainstems/%s/datasets.csv", Method: "GET", Title: "Download datasets"},
	{Rel: "alternate", Pattern: "/api/v1/datasets.geojson?mainstem=%s", Method: "GET", Title: "Datasets as GeoJSON"},
}

// Actions implements humastar.Actor.
func (b MainstemBody) Actions() []humastar.Action {
	return humastar.ActionsFor(b.ID, mainstemActions)
}

type MainstemOutput struct {
	Body MainstemBody
}

type CSVOutput struct {
	ContentType        string `header:"Content-Type"`
	ContentDisposition string `header:"Content-Disposition"`
	Body               []byte
}

type DatasetsInput struct {
	Mainstem string `query:"mainstem" doc:"Only datasets of this mainstem"`
	Variable string `query:"variable" doc:"Measured variable (case-insensitive)" example:"discharge"`
	Type     string `query:"type" doc:"Dataset type" example:"Stage"`
}

type DatasetsOutput struct {
	ContentType string `header:"Content-Type"`
	Body        *geojson.FeatureCollection
}

type LayersBody struct {
	Toggles []registry.ToggleEntry `json:"toggles" doc:"User-controllable layers"`
	Legend  []registry.LegendEntry `json:"legend" doc:"Legend rows"`
}

type TileInput struct {
	Z uint32 `path:"z" doc:"Zoom" maximum:"14"`
	X uint32 `path:"x" doc:"Column"`
	Y uint32 `path:"y" doc:"Row"`
}

type TileOutput struct {
	Status          int
	ContentType     string `header:"Content-Type"`
	ContentEncoding string `header:"Content-Encoding"`
	CacheControl    string `header:"Cache-Control"`
	Body            []byte
}

type ImportInput struct {
	Body struct {
		File string `json:"file" doc:"Source file name in the sources directory" example:"mainstems.shp"`
	}
}

type HealthBody struct {
	Status  string `json:"status" doc:"Health status" example:"ok"`
	Version string `json:"version" doc:"API version" example:"1.0.0"`
}

// APIHandler holds all REST API handlers. Methods named Register* are
// auto-discovered by huma.AutoRegister.
type APIHandler struct {
	svc *Services
}

func NewAPIHandler(svc *Services) *APIHandler {
	return &APIHandler{svc: svc}
}

// RegisterHealth registers health check routes.
func (h *APIHandler) RegisterHealth(api huma.API) {
	huma.Get(api, "/health", h.GetHealth, huma.OperationTags("health"))
}

// RegisterMainstems registers mainstem search and detail routes.
func (h *APIHandler) RegisterMainstems(api huma.API) {
	huma.Get(api, humastar.SearchPath, h.SearchMainstems, huma.OperationTags("mainstems"))
	huma.Get(api, humastar.SearchPath+"/{id}", h.GetMainstem, huma.OperationTags("mainstems"))
	huma.Register(api, huma.Operation{
		OperationID: "export-mainstem-datasets",
		Method:      "GET",
		Path:        humastar.SearchPath + "/{id}/datasets.csv",
		Summary:     "Export a mainstem's datasets as CSV",
		Tags:        []string{"datasets"},
		Responses: map[string]*huma.Response{
			"200": {Description: "CSV export", Content: map[string]*huma.MediaType{"text/csv": {}}},
		},
	}, h.ExportDatasets)
}

// RegisterDatasets registers dataset point routes.
func (h *APIHandler) RegisterDatasets(api huma.API) {
	huma.Get(api, "/api/v1/datasets.geojson", h.GetDatasets, huma.OperationTags("datasets"))
}

// RegisterLayers registers the layer legend route.
func (h *APIHandler) RegisterLayers(api huma.API) {
	huma.Get(api, "/api/v1/layers", h.GetLayers, huma.OperationTags("layers"))
}

// RegisterSources registers source listing and import routes.
func (h *APIHandler) RegisterSources(api huma.API) {
	huma.Get(api, "/api/v1/sources", h.GetSources, huma.OperationTags("sources"))
	huma.Post(api, "/api/v1/sources/import", h.ImportSource, huma.OperationTags("sources"))
}

// RegisterTiles registers the mainstem vector tile route.
func (h *APIHandler) RegisterTiles(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-mainstem-tile",
		Method:      "GET",
		Path:        "/tiles/mainstems/{z}/{x}/{y}",
		Summary:     "Mainstem vector tile",
		Tags:        []string{"tiles"},
		Responses: map[string]*huma.Response{
			"200": {Description: "Gzipped Mapbox Vector Tile", Content: map[string]*huma.MediaType{tileType: {}}},
			"204": {Description: "No features in the tile"},
		},
	}, h.GetTile)
}

const tileType = "application/vnd.mapbox-vector-tile"

// Handlers

func (h *APIHandler) GetHealth(ctx context.Context, input *struct{}) (*struct{ Body HealthBody }, error) {
	return &struct{ Body HealthBody }{Body: HealthBody{Status: "ok", Version: Version}}, nil
}

func (h *APIHandler) store() (*service.MainstemService, error) {
	if h.svc == nil || h.svc.Mainstems == nil {
		return nil, huma.Error503ServiceUnavailable("Database not available")
	}
	return h.svc.Mainstems, nil
}

func (h *APIHandler) SearchMainstems(ctx context.Context, input *SearchInput) (*SearchOutput, error) {
	store, err := h.store()
	if err != nil {
		return nil, err
	}
	data, total, err := store.Search(ctx, input.Q, input.Offset, input.Limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("Search failed", err)
	}
	params := url.Values{}
	if input.Q != "" {
		params.Set("q", input.Q)
	}
	return &SearchOutput{Body: humastar.PageBody[mainstem.Mainstem]{
		Total: total, Offset: input.Offset, Limit: input.Limit, Data: data, Params: params,
	}}, nil
}

func (h *APIHandler) mainstem(ctx context.Context, id string) (*mainstem.Mainstem, error) {
	store, err := h.store()
	if err != nil {
		return nil, err
	}
	m, err := store.Get(ctx, id)
	if errors.Is(err, service.ErrNotFound) {
		return nil, huma.Error404NotFound("mainstem not found")
	}
	if err != nil {
		return nil, huma.Error500InternalServerError("Lookup failed", err)
	}
	return m, nil
}

func (h *APIHandler) GetMainstem(ctx context.Context, input *IDInput) (*MainstemOutput, error) {
	m, err := h.mainstem(ctx, input.ID)
	if err != nil {
		return nil, err
	}
	return &MainstemOutput{Body: MainstemBody{Mainstem: *m}}, nil
}

var csvHeader = []string{
	"url", "site_name", "variable_measured", "variable_unit", "type",
	"wkt", "temporal_coverage", "distribution_url", "description",
}

func (h *APIHandler) ExportDatasets(ctx context.Context, input *IDInput) (*CSVOutput, error) {
	m, err := h.mainstem(ctx, input.ID)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(csvHeader)
	for _, d := range m.Datasets {
		_ = w.Write([]string{
			d.URL, d.SiteName, d.VariableMeasured, d.VariableUnit, d.Type,
			d.WKT, d.TemporalCoverage, d.DistributionURL, d.Description,
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, huma.Error500InternalServerError("Export failed", err)
	}
	return &CSVOutput{
		ContentType:        "text/csv; charset=utf-8",
		ContentDisposition: `attachment; filename="` + url.PathEscape(m.ID) + `-datasets.csv"`,
		Body:               buf.Bytes(),
	}, nil
}

func (h *APIHandler) GetDatasets(ctx context.Context, input *DatasetsInput) (*DatasetsOutput, error) {
	store, err := h.store()
	if err != nil {
		return nil, err
	}
	fc, err := store.DatasetFeatures(ctx, service.DatasetFilter{
		MainstemID: input.Mainstem, Variable: input.Variable, Type: input.Type,
	})
	if err != nil {
		return nil, huma.Error500InternalServerError("Listing datasets failed", err)
	}
	return &DatasetsOutput{ContentType: "application/geo+json", Body: fc}, nil
}

func (h *APIHandler) GetLayers(ctx context.Context, input *struct{}) (*struct{ Body LayersBody }, error) {
	body := LayersBody{Toggles: []registry.ToggleEntry{}, Legend: []registry.LegendEntry{}}
	if h.svc != nil && h.svc.Registry != nil {
		if t := h.svc.Registry.Controllable(); t != nil {
			body.Toggles = t
		}
		if l := h.svc.Registry.LegendEntries(); l != nil {
			body.Legend = l
		}
	}
	return &struct{ Body LayersBody }{Body: body}, nil
}

func (h *APIHandler) GetSources(ctx context.Context, input *struct{}) (*struct{ Body []service.SourceFile }, error) {
	if h.svc == nil || h.svc.Sources == nil {
		return &struct{ Body []service.SourceFile }{Body: []service.SourceFile{}}, nil
	}
	sources, err := h.svc.Sources.List()
	if err != nil {
		return &struct{ Body []service.SourceFile }{Body: []service.SourceFile{}}, nil
	}
	return &struct{ Body []service.SourceFile }{Body: sources}, nil
}

func (h *APIHandler) ImportSource(ctx context.Context, input *ImportInput) (*struct{ Body service.ImportResult }, error) {
	if h.svc == nil || h.svc.Sources == nil || h.svc.Importer == nil {
		return nil, huma.Error503ServiceUnavailable("Import not available")
	}
	path, err := h.svc.Sources.Path(input.Body.File)
	if errors.Is(err, service.ErrNotFound) {
		return nil, huma.Error404NotFound(err.Error())
	}
	if err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}
	res, err := h.svc.Importer.ImportFile(ctx, path)
	if err != nil {
		return nil, huma.Error422UnprocessableEntity("Import failed", err)
	}
	return &struct{ Body service.ImportResult }{Body: res}, nil
}

func (h *APIHandler) GetTile(ctx context.Context, input *TileInput) (*TileOutput, error) {
	if h.svc == nil || h.svc.Tiles == nil {
		return nil, huma.Error503ServiceUnavailable("Tiles not available")
	}
	data, err := h.svc.Tiles.Tile(ctx, input.Z, input.X, input.Y)
	if errors.Is(err, tiles.ErrInvalidTile) {
		return nil, huma.Error400BadRequest(err.Error())
	}
	if err != nil {
		return nil, huma.Error500InternalServerError("Tile rendering failed", err)
	}
	if len(data) == 0 {
		return &TileOutput{Status: 204}, nil
	}
	return &TileOutput{
		Status:          200,
		ContentType:     tileType,
		ContentEncoding: "gzip",
		CacheControl:    "public, max-age=60",
		Body:            data,
	}, nil
}

// Register wires every REST route onto api.
func Register(api huma.API, svc *Services) {
	huma.AutoRegister(api, NewAPIHandler(svc))
}
