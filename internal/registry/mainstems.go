package registry

import (
	"context"

	"github.com/paulmach/orb/geojson"
)

// Source ids.
const (
	SourceMainstems  = "mainstems"
	SourceDatasets   = "datasets"
	SourceSpiderfied = "datasets-spiderfied"
	SourceHUC        = "huc-boundaries"
)

// Layer ids.
const (
	LayerMainstems         = "mainstems"
	LayerMainstemsLine     = "mainstems-line"
	LayerMainstemsSelected = "mainstems-selected"
	LayerDatasets          = "datasets"
	LayerClusters          = "datasets-clusters"
	LayerClusterCount      = "datasets-cluster-count"
	LayerPoints            = "datasets-points"
	LayerSpiderfied        = "datasets-spiderfied"
	LayerHUC               = "huc-boundaries"
)

// MarkerImage is the icon drawn for spiderfied dataset points.
const MarkerImage = "dataset-marker"

// Options parameterizes the explorer registry.
type Options struct {
	TileURL        string
	MarkerURL      string
	Datasets       func(ctx context.Context) (*geojson.FeatureCollection, error)
	ClusterRadius  float64
	ClusterMaxZoom int

	// TransitionZoom hides spiderfied points below the zoom clusters expand at.
	TransitionZoom float64

	// HUC boundaries are only registered when a feature service URL is set.
	FeatureServiceURL string
	Simplify          float64
}

// Mainstems builds the explorer's registry.
func Mainstems(opts Options) *Registry {
	styles := DefaultStyles()
	if opts.TileURL == "" {
		opts.TileURL = "/tiles/mainstems/{z}/{x}/{y}"
	}
	if opts.MarkerURL == "" {
		opts.MarkerURL = "/static/img/dataset-marker.png"
	}
	if opts.TransitionZoom > 0 {
		styles[LayerSpiderfied].MinZoom = opts.TransitionZoom
	}

	r := &Registry{
		Sources: []SourceConfig{
			{ID: SourceMainstems, Definition: VectorTile{Tiles: []string{opts.TileURL}, MaxZoom: 14, PromoteID: "id"}},
			{ID: SourceDatasets, Definition: GeoJSON{
				Load:           opts.Datasets,
				Cluster:        true,
				ClusterRadius:  opts.ClusterRadius,
				ClusterMaxZoom: opts.ClusterMaxZoom,
			}},
			{ID: SourceSpiderfied, Definition: GeoJSON{}},
		},
		Images: map[string]string{MarkerImage: opts.MarkerURL},
		Layers: []MainLayerDefinition{
			{
				LayerDefinition: LayerDefinition{ID: LayerMainstems, Label: "Mainstems", Controllable: true},
				SubLayers: []LayerDefinition{
					{ID: LayerMainstemsLine, Label: "Mainstem", Legend: true, Config: styles[LayerMainstemsLine], Behavior: factory(NewMainstemBehavior)},
					{ID: LayerMainstemsSelected, Label: "Selected mainstem", Legend: true, Config: styles[LayerMainstemsSelected]},
				},
			},
			{
				LayerDefinition: LayerDefinition{ID: LayerDatasets, Label: "Datasets", Controllable: true},
				SubLayers: []LayerDefinition{
					{ID: LayerClusters, Label: "Dataset cluster", Legend: true, Config: styles[LayerClusters], Behavior: factory(NewClusterBehavior)},
					{ID: LayerClusterCount, Config: styles[LayerClusterCount]},
					{ID: LayerPoints, Label: "Dataset", Legend: true, Config: styles[LayerPoints], Behavior: factory(NewDatasetBehavior)},
					{ID: LayerSpiderfied, Config: styles[LayerSpiderfied], Behavior: factory(NewDatasetBehavior)},
				},
			},
		},
		Selection: []SelectionRule{
			{LayerID: LayerMainstemsLine, Kind: SelectPaint, Property: "line-opacity", Key: "id", Selected: 1.0, Default: 0.8},
			{LayerID: LayerMainstemsSelected, Kind: SelectFilter, Key: "id"},
		},
	}

	if opts.FeatureServiceURL != "" {
		r.Sources = append(r.Sources, SourceConfig{ID: SourceHUC, Definition: FeatureService{
			URL:      opts.FeatureServiceURL,
			Where:    "1=1",
			Simplify: opts.Simplify,
		}})
		r.Layers = append(r.Layers, MainLayerDefinition{LayerDefinition: LayerDefinition{
			ID: LayerHUC, Label: "HUC boundaries", Controllable: true, Legend: true,
			Config: styles[LayerHUC], Behavior: factory(NewHUCBehavior),
		}})
	}
	return r
}
