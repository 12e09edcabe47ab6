package reproject

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// AxisOrder is the coordinate order of a raw BBOX four-tuple.
type AxisOrder int

const (
	// LonLat is minx,miny,maxx,maxy (WMS 1.1.x, and projected systems).
	LonLat AxisOrder = iota
	// LatLon is miny,minx,maxy,maxx (WMS 1.3.0 with EPSG:4326).
	LatLon
)

func (o AxisOrder) String() string {
	if o == LatLon {
		return "lat,lon"
	}
	return "lon,lat"
}

// BoundingBox is a raw BBOX four-tuple with the axis order needed to read it.
type BoundingBox struct {
	C1, C2, C3, C4 float64
	Order          AxisOrder
}

// ParseBBox parses four comma-separated numbers. Whitespace anywhere in s is ignored.
func ParseBBox(s string, order AxisOrder) (BoundingBox, error) {
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)

	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return BoundingBox{}, fmt.Errorf("bbox %q: want 4 components, got %d", s, len(parts))
	}

	var c [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return BoundingBox{}, fmt.Errorf("bbox component %d %q is not a number", i+1, p)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return BoundingBox{}, fmt.Errorf("bbox component %d %q is not finite", i+1, p)
		}
		c[i] = v
	}
	return BoundingBox{C1: c[0], C2: c[1], C3: c[2], C4: c[3], Order: order}, nil
}

// Canonical returns the box as minx, miny, maxx, maxy.
func (b BoundingBox) Canonical() (minX, minY, maxX, maxY float64) {
	if b.Order == LatLon {
		return b.C2, b.C1, b.C4, b.C3
	}
	return b.C1, b.C2, b.C3, b.C4
}

// FromCanonical builds a box in the given order from minx, miny, maxx, maxy.
func FromCanonical(minX, minY, maxX, maxY float64, order AxisOrder) BoundingBox {
	if order == LatLon {
		return BoundingBox{C1: minY, C2: minX, C3: maxY, C4: maxX, Order: order}
	}
	return BoundingBox{C1: minX, C2: minY, C3: maxX, C4: maxY, Order: order}
}

// String renders the four components with six decimals in the box's own order.
func (b BoundingBox) String() string {
	return strings.Join([]string{
		strconv.FormatFloat(b.C1, 'f', 6, 64),
		strconv.FormatFloat(b.C2, 'f', 6, 64),
		strconv.FormatFloat(b.C3, 'f', 6, 64),
		strconv.FormatFloat(b.C4, 'f', 6, 64),
	}, ",")
}
