// Package dxf renders a parsed assembly system into a vector CAD detail.
//
// Layers are laid out as stacked horizontal bands, top of assembly first,
// each labeled with its product name. A membrane termination (turned-up
// edge) is drawn at the left end, per standard roofing-detail convention.
// The entity list can be encoded as a minimal ASCII DXF for CAD interchange.
package dxf

import (
	"log/slog"

	"github.com/hazyhaar/takeoff/assembly"
)

// NoteNoLayers is recorded when the source system has no layers. The result
// is an empty detail, not an error.
const NoteNoLayers = "no_layers"

// Drawing layer names. Band geometry goes on MEMBRANE or INSULATION,
// labels on TEXT.
const (
	LayerMembrane   = "MEMBRANE"
	LayerInsulation = "INSULATION"
	LayerText       = "TEXT"
)

// EntityKind discriminates the entity variants.
type EntityKind string

const (
	KindPolyline EntityKind = "polyline"
	KindText     EntityKind = "text"
)

// Point is a 2D drawing coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Entity is one drawing entity. Kind selects which fields are meaningful:
// polylines carry Points/Closed, texts carry At/Height/Text.
type Entity struct {
	Kind   EntityKind `json:"kind"`
	Layer  string     `json:"layer"`
	Points []Point    `json:"points,omitempty"`
	Closed bool       `json:"closed,omitempty"`
	At     Point      `json:"at,omitempty"`
	Height float64    `json:"height,omitempty"`
	Text   string     `json:"text,omitempty"`
}

// Detail is the vector rendering of one assembly system. Entity order is the
// draw order and is deterministic for a given input. Immutable once built.
type Detail struct {
	Entities []Entity `json:"entities"`
	Notes    []string `json:"notes,omitempty"`
}

// Options tunes the layout. Zero values select the defaults.
type Options struct {
	// BandWidth is the horizontal extent of each band. Default: 120.
	BandWidth float64
	// UnitsPerInch scales a known layer thickness to a band height.
	// Default: 4.
	UnitsPerInch float64
	// DefaultBandHeight is used when a layer's thickness is unknown.
	// Default: 6.
	DefaultBandHeight float64
	// MinBandHeight keeps thin layers (mil membranes) visible. Default: 2.
	MinBandHeight float64
	// TextHeight for labels. Default: 2.5.
	TextHeight float64

	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.BandWidth <= 0 {
		o.BandWidth = 120
	}
	if o.UnitsPerInch <= 0 {
		o.UnitsPerInch = 4
	}
	if o.DefaultBandHeight <= 0 {
		o.DefaultBandHeight = 6
	}
	if o.MinBandHeight <= 0 {
		o.MinBandHeight = 2
	}
	if o.TextHeight <= 0 {
		o.TextHeight = 2.5
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Generate renders sys as a stacked-band detail. A system with zero layers
// yields an empty Detail with a no_layers note.
func Generate(sys *assembly.System, opts Options) *Detail {
	opts.defaults()

	if sys == nil || len(sys.Layers) == 0 {
		opts.Logger.Debug("dxf: system has no layers")
		return &Detail{Notes: []string{NoteNoLayers}}
	}

	d := &Detail{}

	// Stack downward from y=0: the first parsed layer (top of assembly) gets
	// the topmost band.
	y := 0.0
	for i, layer := range sys.Layers {
		h := bandHeight(layer, opts)
		top, bottom := y, y-h

		d.Entities = append(d.Entities, Entity{
			Kind:  KindPolyline,
			Layer: bandLayer(layer.Type),
			Points: []Point{
				{0, bottom}, {opts.BandWidth, bottom},
				{opts.BandWidth, top}, {0, top},
			},
			Closed: true,
		})
		d.Entities = append(d.Entities, Entity{
			Kind:   KindText,
			Layer:  LayerText,
			At:     Point{opts.BandWidth + opts.TextHeight, (top + bottom) / 2},
			Height: opts.TextHeight,
			Text:   layer.Product,
		})

		// Membrane termination: turn the top layer up at the left edge.
		if i == 0 {
			flap := h * 3
			if flap < opts.DefaultBandHeight {
				flap = opts.DefaultBandHeight
			}
			d.Entities = append(d.Entities, Entity{
				Kind:  KindPolyline,
				Layer: LayerMembrane,
				Points: []Point{
					{0, top}, {0, top + flap}, {-h, top + flap}, {-h, top},
				},
			})
		}

		y = bottom
	}

	// Title under the stack.
	d.Entities = append(d.Entities, Entity{
		Kind:   KindText,
		Layer:  LayerText,
		At:     Point{0, y - 3*opts.TextHeight},
		Height: opts.TextHeight * 1.4,
		Text:   sys.Manufacturer + " " + sys.SystemName,
	})

	return d
}

// bandHeight converts a layer thickness to drawing units, clamped so thin
// membranes stay visible.
func bandHeight(layer assembly.Layer, opts Options) float64 {
	if layer.ThicknessIn <= 0 {
		return opts.DefaultBandHeight
	}
	h := layer.ThicknessIn * opts.UnitsPerInch
	if h < opts.MinBandHeight {
		return opts.MinBandHeight
	}
	return h
}

// bandLayer maps an assembly layer type to its drawing layer. Membranes get
// their own layer; every other structural band is grouped on INSULATION.
func bandLayer(t assembly.LayerType) string {
	if t == assembly.LayerMembrane {
		return LayerMembrane
	}
	return LayerInsulation
}
