package registry

import (
	"fmt"

	"github.com/joeblew999/mainstem-explorer/internal/expr"
	"github.com/joeblew999/mainstem-explorer/internal/mapview"
)

// SelectionKind is what a selection rule rewrites.
type SelectionKind string

const (
	SelectPaint  SelectionKind = "paint"
	SelectFilter SelectionKind = "filter"
)

// SelectionRule restyles a layer for the currently selected feature id.
//
// A paint rule sets Property to a case expression choosing Selected for the
// feature whose Key equals the id and Default otherwise. A filter rule limits
// the layer to that feature; with no selection it matches nothing.
type SelectionRule struct {
	LayerID  string
	Kind     SelectionKind
	Property string
	Key      string
	Selected any
	Default  any
}

// Apply writes the rule for id ("" clears the selection).
func (r SelectionRule) Apply(m mapview.Map, id string) error {
	if m == nil || !m.HasLayer(r.LayerID) {
		return nil
	}
	switch r.Kind {
	case SelectPaint:
		var v any = r.Default
		if id != "" {
			v = expr.Case(r.Default, expr.Branch{When: expr.Eq(expr.Get(r.Key), id), Then: r.Selected})
		}
		return m.SetPaintProperty(r.LayerID, r.Property, v)
	case SelectFilter:
		return m.SetFilter(r.LayerID, expr.Eq(expr.Get(r.Key), id))
	}
	return fmt.Errorf("unknown selection kind %q", r.Kind)
}
