package wiring

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/joeblew999/mainstem-explorer/internal/mapview"
)

// ControlOption is either a boolean or a set of control options. Options
// imply the control is enabled.
type ControlOption struct {
	Enabled bool
	Options map[string]any
}

// Enabled returns an option that attaches the control with defaults.
func Enabled() ControlOption { return ControlOption{Enabled: true} }

// WithOptions returns an option that attaches the control with opts.
func WithOptions(opts map[string]any) ControlOption {
	return ControlOption{Enabled: true, Options: opts}
}

func (o ControlOption) MarshalJSON() ([]byte, error) {
	if o.Enabled && len(o.Options) > 0 {
		return json.Marshal(o.Options)
	}
	return json.Marshal(o.Enabled)
}

func (o *ControlOption) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*o = ControlOption{}
		return nil
	case len(data) > 0 && data[0] == '{':
		var opts map[string]any
		if err := json.Unmarshal(data, &opts); err != nil {
			return err
		}
		*o = WithOptions(opts)
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("control option must be a boolean or an object: %w", err)
	}
	*o = ControlOption{Enabled: b}
	return nil
}

// Controls selects the map controls to attach.
type Controls struct {
	Scale      ControlOption `json:"scale"`
	Navigation ControlOption `json:"navigation"`
	Fullscreen ControlOption `json:"fullscreen"`
}

func (c Controls) list() []mapview.Control {
	var out []mapview.Control
	add := func(kind, position string, o ControlOption) {
		if !o.Enabled {
			return
		}
		ctl := mapview.Control{Kind: kind, Position: position, Options: o.Options}
		if p, ok := o.Options["position"].(string); ok {
			ctl.Position = p
		}
		out = append(out, ctl)
	}
	add("scale", "bottom-left", c.Scale)
	add("navigation", "top-right", c.Navigation)
	add("fullscreen", "top-right", c.Fullscreen)
	return out
}
