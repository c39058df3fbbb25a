// Package config loads the explorer's tuning from a YAML file and
// MAINSTEMS_* environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/joeblew999/mainstem-explorer/internal/wiring"
)

// EnvPrefix prefixes every environment override, e.g. MAINSTEMS_TRANSITION_ZOOM
// or MAINSTEMS_CLUSTER_RADIUS.
const EnvPrefix = "MAINSTEMS"

// Cluster tunes the dataset point clustering.
type Cluster struct {
	Radius  float64
	MaxZoom int
}

// FeatureService points at an optional boundary service.
type FeatureService struct {
	URL      string
	Simplify float64
}

// Config is the explorer tuning.
type Config struct {
	Style           string
	TransitionZoom  float64
	SearchDebounce  time.Duration
	HoverDebounce   time.Duration
	FilteredOpacity float64
	SearchLimit     int
	Cluster         Cluster
	TileCacheSize   int
	FeatureService  FeatureService
	// APIBase, when set, makes viewer sessions search a remote explorer API
	// instead of the local store.
	APIBase  string
	Controls wiring.Controls
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("style", "https://demotiles.maplibre.org/style.json")
	v.SetDefault("transition_zoom", 14)
	v.SetDefault("search_debounce", "500ms")
	v.SetDefault("hover_debounce", "300ms")
	v.SetDefault("filtered_opacity", 0.25)
	v.SetDefault("search_limit", 20)
	v.SetDefault("cluster.radius", 50)
	v.SetDefault("cluster.max_zoom", 16)
	v.SetDefault("tile_cache_size", 512)
	v.SetDefault("feature_service.url", "")
	v.SetDefault("feature_service.simplify", 0.0)
	v.SetDefault("api_base", "")
	v.SetDefault("controls.scale", true)
	v.SetDefault("controls.navigation", true)
	v.SetDefault("controls.fullscreen", false)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration. With an empty path it looks for
// config.yaml in the working directory and silently falls back to defaults
// when there is none; an explicit path must exist.
func Load(path string) (Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}
	return decode(v)
}

// Defaults returns the configuration with no file, honouring the environment.
func Defaults() Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(err)
	}
	return cfg
}

func decode(v *viper.Viper) (Config, error) {
	cfg := Config{
		Style:           v.GetString("style"),
		TransitionZoom:  v.GetFloat64("transition_zoom"),
		SearchDebounce:  v.GetDuration("search_debounce"),
		HoverDebounce:   v.GetDuration("hover_debounce"),
		FilteredOpacity: v.GetFloat64("filtered_opacity"),
		SearchLimit:     v.GetInt("search_limit"),
		Cluster: Cluster{
			Radius:  v.GetFloat64("cluster.radius"),
			MaxZoom: v.GetInt("cluster.max_zoom"),
		},
		TileCacheSize: v.GetInt("tile_cache_size"),
		FeatureService: FeatureService{
			URL:      v.GetString("feature_service.url"),
			Simplify: v.GetFloat64("feature_service.simplify"),
		},
		APIBase: v.GetString("api_base"),
	}

	controls := map[string]any{}
	for _, name := range []string{"scale", "navigation", "fullscreen"} {
		key := "controls." + name
		switch val := v.Get(key).(type) {
		case string:
			controls[name] = v.GetBool(key)
		default:
			controls[name] = val
		}
	}
	data, err := json.Marshal(controls)
	if err != nil {
		return Config{}, fmt.Errorf("encoding controls: %w", err)
	}
	if err := json.Unmarshal(data, &cfg.Controls); err != nil {
		return Config{}, fmt.Errorf("controls: %w", err)
	}

	if cfg.TransitionZoom < 0 || cfg.TransitionZoom > 24 {
		return Config{}, fmt.Errorf("transition_zoom %v out of range", cfg.TransitionZoom)
	}
	if cfg.FilteredOpacity < 0 || cfg.FilteredOpacity > 1 {
		return Config{}, fmt.Errorf("filtered_opacity %v out of range", cfg.FilteredOpacity)
	}
	return cfg, nil
}
