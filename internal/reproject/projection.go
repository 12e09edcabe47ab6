// Package reproject rewrites EPSG:4326 bounding boxes of WMS requests into a
// fixed projected coordinate system.
package reproject

import (
	"fmt"
	"math"
)

// Projection converts WGS84 longitude/latitude (degrees) into projected coordinates.
type Projection interface {
	Forward(lon, lat float64) (x, y float64, err error)

	// Code returns the identifier sent upstream as SRS/CRS.
	Code() string
}

// ConicParams defines a two-standard-parallel Lambert Conformal Conic projection.
// Angles are in degrees, offsets in metres.
type ConicParams struct {
	Code string

	SemiMajor       float64
	InvFlattening   float64
	StdParallel1    float64
	StdParallel2    float64
	OriginLat       float64
	CentralMeridian float64
	FalseEasting    float64
	FalseNorthing   float64
}

// Lambert93 is RGF93 / Lambert-93 on GRS80, spelled out so results do not depend
// on any coordinate-system database.
var Lambert93 = ConicParams{
	Code:            "EPSG:2154",
	SemiMajor:       6378137.0,
	InvFlattening:   298.257222101,
	StdParallel1:    49,
	StdParallel2:    44,
	OriginLat:       46.5,
	CentralMeridian: 3,
	FalseEasting:    700000,
	FalseNorthing:   6600000,
}

// LambertConic is a precomputed ellipsoidal LCC projection (Snyder, eq. 15-1..15-10).
type LambertConic struct {
	p    ConicParams
	e    float64
	n    float64
	aF   float64
	rho0 float64
	lon0 float64
}

// NewLambertConic validates p and precomputes the cone constants.
func NewLambertConic(p ConicParams) (*LambertConic, error) {
	if p.SemiMajor <= 0 || p.InvFlattening <= 0 {
		return nil, fmt.Errorf("lambert conic %s: invalid ellipsoid", p.Code)
	}
	if p.StdParallel1 == p.StdParallel2 {
		return nil, fmt.Errorf("lambert conic %s: standard parallels must differ", p.Code)
	}

	f := 1 / p.InvFlattening
	e := math.Sqrt(2*f - f*f)
	phi1, phi2 := radians(p.StdParallel1), radians(p.StdParallel2)

	m1, m2 := lccM(phi1, e), lccM(phi2, e)
	t1, t2 := lccT(phi1, e), lccT(phi2, e)
	n := (math.Log(m1) - math.Log(m2)) / (math.Log(t1) - math.Log(t2))
	aF := p.SemiMajor * m1 / (n * math.Pow(t1, n))

	return &LambertConic{
		p:    p,
		e:    e,
		n:    n,
		aF:   aF,
		rho0: aF * math.Pow(lccT(radians(p.OriginLat), e), n),
		lon0: radians(p.CentralMeridian),
	}, nil
}

// MustLambertConic is NewLambertConic for package-level constants.
func MustLambertConic(p ConicParams) *LambertConic {
	lc, err := NewLambertConic(p)
	if err != nil {
		panic(err)
	}
	return lc
}

// Code implements Projection.
func (l *LambertConic) Code() string { return l.p.Code }

// Forward implements Projection.
func (l *LambertConic) Forward(lon, lat float64) (float64, float64, error) {
	if math.IsNaN(lon) || math.IsNaN(lat) || lat < -90 || lat > 90 {
		return 0, 0, fmt.Errorf("coordinate (%v, %v) outside the geographic domain", lon, lat)
	}
	if (l.n > 0 && lat == -90) || (l.n < 0 && lat == 90) {
		return 0, 0, fmt.Errorf("latitude %v is the pole opposite the cone apex of %s", lat, l.p.Code)
	}

	rho := l.aF * math.Pow(lccT(radians(lat), l.e), l.n)
	theta := l.n * (radians(lon) - l.lon0)

	x := l.p.FalseEasting + rho*math.Sin(theta)
	y := l.p.FalseNorthing + l.rho0 - rho*math.Cos(theta)
	if math.IsInf(x, 0) || math.IsInf(y, 0) || math.IsNaN(x) || math.IsNaN(y) {
		return 0, 0, fmt.Errorf("coordinate (%v, %v) projects to infinity in %s", lon, lat, l.p.Code)
	}
	return x, y, nil
}

func lccM(phi, e float64) float64 {
	s := e * math.Sin(phi)
	return math.Cos(phi) / math.Sqrt(1-s*s)
}

func lccT(phi, e float64) float64 {
	s := e * math.Sin(phi)
	return math.Tan(math.Pi/4-phi/2) / math.Pow((1-s)/(1+s), e/2)
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
