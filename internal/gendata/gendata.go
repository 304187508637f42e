// Package gendata implements the default in-process synthetic data
// generator the core's insertBatch path consumes, behind a narrow
// Generator interface so core depends on no particular runtime for
// data generation.
package gendata

import (
	"math/rand/v2"

	"github.com/grailbio/geoserver/internal/geo"
)

// Record is one synthetically produced object, ready for the caller to
// compute an MBR from and stage for insertion.
type Record struct {
	ID     uint64
	Kind   geo.Kind
	Coords []geo.Point
}

// Generator produces n GeoObjects with ids starting at startID,
// startID+1, ..., startID+n-1.
type Generator interface {
	Generate(n int, startID uint64) ([]Record, error)
}

// Domain bounds the coordinate range synthetic geometry is drawn from.
type Domain struct {
	MinX, MinY, MaxX, MaxY float64
}

// DefaultDomain is a generously sized default coordinate range.
var DefaultDomain = Domain{MinX: -1000, MinY: -1000, MaxX: 1000, MaxY: 1000}

// RandomGenerator produces a uniform mix of points, lines, and polygons
// with coordinates drawn uniformly from its Domain.
type RandomGenerator struct {
	domain Domain
	rnd    *rand.Rand
}

// NewRandomGenerator builds a generator over domain, seeded from seed.
// A fixed seed makes generation reproducible for tests.
func NewRandomGenerator(domain Domain, seed uint64) *RandomGenerator {
	return &RandomGenerator{
		domain: domain,
		rnd:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Generate produces n records with sequential ids starting at startID.
// Kind is chosen round-robin (Point, Line, Polygon) so a batch always
// exercises all three coordinate-count invariants.
func (g *RandomGenerator) Generate(n int, startID uint64) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	out := make([]Record, n)
	for i := 0; i < n; i++ {
		kind := [...]geo.Kind{geo.KindPoint, geo.KindLine, geo.KindPolygon}[i%3]
		out[i] = Record{
			ID:     startID + uint64(i),
			Kind:   kind,
			Coords: g.coordsFor(kind),
		}
	}
	return out, nil
}

func (g *RandomGenerator) coordsFor(kind geo.Kind) []geo.Point {
	switch kind {
	case geo.KindPoint:
		return []geo.Point{g.randPoint()}
	case geo.KindLine:
		return []geo.Point{g.randPoint(), g.randPoint()}
	case geo.KindPolygon:
		base := g.randPoint()
		return []geo.Point{
			base,
			{X: base.X + g.span(), Y: base.Y},
			{X: base.X + g.span(), Y: base.Y + g.span()},
			{X: base.X, Y: base.Y + g.span()},
		}
	default:
		return nil
	}
}

func (g *RandomGenerator) randPoint() geo.Point {
	return geo.Point{
		X: g.domain.MinX + g.rnd.Float64()*(g.domain.MaxX-g.domain.MinX),
		Y: g.domain.MinY + g.rnd.Float64()*(g.domain.MaxY-g.domain.MinY),
	}
}

// span returns a small positive extent for synthetic polygons: between 1
// and 1 plus 1% of the domain width. It is not clamped to the domain, so a
// polygon whose base point lies near MaxX or MaxY can extend past it.
func (g *RandomGenerator) span() float64 {
	width := g.domain.MaxX - g.domain.MinX
	return 1 + g.rnd.Float64()*(width*0.01)
}
