package reproject

import (
	"fmt"
	"strings"

	"wms-proxy-go/internal/model"
	"wms-proxy-go/internal/params"
)

// SourceCRS is the only geographic system the proxy reprojects from.
const SourceCRS = "EPSG:4326"

// defaultVersion applies when the request carries no VERSION.
const defaultVersion = "1.1.1"

// crsKeys are checked in order; the first one present decides.
var crsKeys = []string{"SRS", "CRS"}

// Result describes what Apply did, for logging and metrics.
type Result struct {
	Applied  bool
	Key      string
	Order    AxisOrder
	Original string
	BBox     string
}

// Reprojector rewrites SourceCRS bounding boxes into Target.
type Reprojector struct {
	Target Projection
}

// New returns a Reprojector targeting p.
func New(p Projection) *Reprojector {
	return &Reprojector{Target: p}
}

// NewLambert93 returns the reprojector used by the proxy.
func NewLambert93() *Reprojector {
	return New(MustLambertConic(Lambert93))
}

// Apply mutates m in place when it is a SourceCRS request with a BBOX. Other
// requests are left untouched and return a zero Result. Errors wrap
// model.ErrReprojection.
func (r *Reprojector) Apply(m params.Map) (Result, error) {
	key, ok := detect(m)
	if !ok {
		return Result{}, nil
	}
	raw := m["BBOX"].String()

	order := LonLat
	if version(m) >= "1.3.0" {
		order = LatLon
	}

	box, err := ParseBBox(raw, order)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", model.ErrReprojection, err)
	}

	minLon, minLat, maxLon, maxLat := box.Canonical()
	minX, minY, err := r.Target.Forward(minLon, minLat)
	if err != nil {
		return Result{}, fmt.Errorf("%w: min corner: %w", model.ErrReprojection, err)
	}
	maxX, maxY, err := r.Target.Forward(maxLon, maxLat)
	if err != nil {
		return Result{}, fmt.Errorf("%w: max corner: %w", model.ErrReprojection, err)
	}

	out := FromCanonical(minX, minY, maxX, maxY, order).String()
	m["BBOX"] = params.Scalar(out)
	m[key] = params.Scalar(r.Target.Code())

	return Result{Applied: true, Key: key, Order: order, Original: raw, BBox: out}, nil
}

func detect(m params.Map) (string, bool) {
	if _, ok := m["BBOX"]; !ok {
		return "", false
	}
	for _, k := range crsKeys {
		v, ok := m[k]
		if !ok {
			continue
		}
		if strings.EqualFold(v.String(), SourceCRS) {
			return k, true
		}
		return "", false
	}
	return "", false
}

// version is compared as a plain string, which orders the published WMS
// versions (1.0.0, 1.1.0, 1.1.1, 1.3.0) correctly.
func version(m params.Map) string {
	if v, ok := m["VERSION"]; ok {
		return v.String()
	}
	return defaultVersion
}
