package registry

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/joeblew999/mainstem-explorer/internal/mapview"
)

//go:embed styles.yaml
var stylesYAML []byte

// Styles parses a YAML document of style layers keyed by layer id.
func Styles(data []byte) (map[string]*mapview.LayerStyle, error) {
	var styles map[string]*mapview.LayerStyle
	if err := yaml.Unmarshal(data, &styles); err != nil {
		return nil, fmt.Errorf("parsing styles: %w", err)
	}
	for id, s := range styles {
		if s == nil {
			return nil, fmt.Errorf("style %q is empty", id)
		}
		s.ID = id
	}
	return styles, nil
}

// DefaultStyles returns the built-in style layers.
func DefaultStyles() map[string]*mapview.LayerStyle {
	styles, err := Styles(stylesYAML)
	if err != nil {
		panic(err)
	}
	return styles
}
