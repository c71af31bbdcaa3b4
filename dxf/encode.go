package dxf

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

// Encode writes d as a minimal ASCII DXF (AC1015) document: a HEADER with
// the version variable, a LAYER table for the referenced layers, and the
// ENTITIES section with LWPOLYLINE and TEXT records.
func Encode(w io.Writer, d *Detail) error {
	bw := bufio.NewWriter(w)

	// Header.
	pairs(bw,
		"0", "SECTION", "2", "HEADER",
		"9", "$ACADVER", "1", "AC1015",
		"0", "ENDSEC",
	)

	// Layer table.
	layers := layerNames(d)
	pairs(bw,
		"0", "SECTION", "2", "TABLES",
		"0", "TABLE", "2", "LAYER",
		"70", strconv.Itoa(len(layers)),
	)
	for i, name := range layers {
		pairs(bw,
			"0", "LAYER",
			"2", name,
			"70", "0",
			"62", strconv.Itoa(i+1), // color index
			"6", "CONTINUOUS",
		)
	}
	pairs(bw, "0", "ENDTAB", "0", "ENDSEC")

	// Entities.
	pairs(bw, "0", "SECTION", "2", "ENTITIES")
	for _, e := range d.Entities {
		switch e.Kind {
		case KindPolyline:
			encodePolyline(bw, e)
		case KindText:
			encodeText(bw, e)
		}
	}
	pairs(bw, "0", "ENDSEC", "0", "EOF")

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("dxf encode: %w", err)
	}
	return nil
}

func encodePolyline(w *bufio.Writer, e Entity) {
	closed := "0"
	if e.Closed {
		closed = "1"
	}
	pairs(w,
		"0", "LWPOLYLINE",
		"8", e.Layer,
		"90", strconv.Itoa(len(e.Points)),
		"70", closed,
	)
	for _, p := range e.Points {
		pairs(w,
			"10", coord(p.X),
			"20", coord(p.Y),
		)
	}
}

func encodeText(w *bufio.Writer, e Entity) {
	pairs(w,
		"0", "TEXT",
		"8", e.Layer,
		"10", coord(e.At.X),
		"20", coord(e.At.Y),
		"40", coord(e.Height),
		"1", e.Text,
	)
}

// pairs writes alternating group-code/value lines.
func pairs(w *bufio.Writer, kv ...string) {
	for i := 0; i+1 < len(kv); i += 2 {
		w.WriteString(kv[i])
		w.WriteByte('\n')
		w.WriteString(kv[i+1])
		w.WriteByte('\n')
	}
}

func coord(f float64) string {
	return strconv.FormatFloat(f, 'f', 3, 64)
}

// layerNames collects the distinct layer names referenced by d, in first-use
// order, so the LAYER table covers every entity.
func layerNames(d *Detail) []string {
	seen := map[string]bool{}
	var names []string
	for _, e := range d.Entities {
		if e.Layer == "" || seen[e.Layer] {
			continue
		}
		seen[e.Layer] = true
		names = append(names, e.Layer)
	}
	if len(names) == 0 {
		names = []string{"0"}
	}
	return names
}
