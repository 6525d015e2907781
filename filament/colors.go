// Package filament keeps the loaded-material model aligned with
// hardware observations and accounts for consumption when jobs finish.
package filament

import (
	"fmt"
	"math"
	"strings"
)

// RGB is a parsed color.
type RGB struct {
	R, G, B uint8
}

// ParseHex parses "#RRGGBB" (hash optional, case-insensitive).
func ParseHex(s string) (RGB, error) {
	h := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(h) != 6 {
		return RGB{}, fmt.Errorf("color %q is not a 6-digit hex value", s)
	}
	var c RGB
	if _, err := fmt.Sscanf(strings.ToUpper(h), "%02X%02X%02X", &c.R, &c.G, &c.B); err != nil {
		return RGB{}, fmt.Errorf("color %q is not valid hex: %w", s, err)
	}
	return c, nil
}

// Hex renders the color back to "#RRGGBB".
func (c RGB) Hex() string {
	return fmt.Sprintf("#%02X%02X%02X", c.R, c.G, c.B)
}

// Distance is the Euclidean RGB distance between two colors.
func Distance(a, b RGB) float64 {
	dr := float64(a.R) - float64(b.R)
	dg := float64(a.G) - float64(b.G)
	db := float64(a.B) - float64(b.B)
	return math.Sqrt(dr*dr + dg*dg + db*db)
}

// DriftThreshold is the RGB distance beyond which a reported slot color
// no longer matches its assigned spool.
const DriftThreshold = 60.0

// palette maps well-known filament colors to reference points. Nearest
// palette entry within paletteRadius wins before the structural
// classifiers run.
var palette = []struct {
	name string
	c    RGB
}{
	{"Red", RGB{0xE0, 0x1E, 0x26}},
	{"Orange", RGB{0xFF, 0x6A, 0x13}},
	{"Yellow", RGB{0xF4, 0xE2, 0x37}},
	{"Green", RGB{0x16, 0xA0, 0x4A}},
	{"Blue", RGB{0x0A, 0x2C, 0xA5}},
	{"Cyan", RGB{0x0E, 0xB2, 0xC9}},
	{"Purple", RGB{0x5E, 0x43, 0xB7}},
	{"Pink", RGB{0xF5, 0x5A, 0x74}},
	{"Brown", RGB{0x9D, 0x43, 0x2C}},
	{"Beige", RGB{0xF7, 0xE6, 0xDE}},
	{"Gold", RGB{0xE4, 0xBD, 0x68}},
}

const paletteRadius = 50.0

// NameForHex derives a deterministic display name for an arbitrary
// color: palette match first, then a grayscale classifier, then the
// dominant-component classifier.
func NameForHex(hex string) string {
	c, err := ParseHex(hex)
	if err != nil {
		return "Unknown"
	}

	best := ""
	bestDist := math.MaxFloat64
	for _, p := range palette {
		if d := Distance(c, p.c); d < bestDist {
			bestDist = d
			best = p.name
		}
	}
	if bestDist <= paletteRadius {
		return best
	}

	// Grayscale: low channel spread.
	maxC := math.Max(float64(c.R), math.Max(float64(c.G), float64(c.B)))
	minC := math.Min(float64(c.R), math.Min(float64(c.G), float64(c.B)))
	if maxC-minC < 30 {
		switch {
		case maxC < 60:
			return "Black"
		case maxC > 200:
			return "White"
		default:
			return "Gray"
		}
	}

	// Dominant component.
	switch {
	case c.R >= c.G && c.R >= c.B:
		if float64(c.G) > 0.6*float64(c.R) {
			return "Orange"
		}
		return "Red"
	case c.G >= c.R && c.G >= c.B:
		if float64(c.B) > 0.7*float64(c.G) {
			return "Teal"
		}
		return "Green"
	default:
		if float64(c.R) > 0.7*float64(c.B) {
			return "Purple"
		}
		return "Blue"
	}
}
