package gendata

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateSequentialIDs(t *testing.T) {
	g := NewRandomGenerator(DefaultDomain, 42)
	recs, err := g.Generate(10, 100)
	require.NoError(t, err)
	require.Len(t, recs, 10)
	for i, r := range recs {
		require.Equal(t, uint64(100+i), r.ID)
	}
}

func TestGenerateAllKindsValid(t *testing.T) {
	g := NewRandomGenerator(DefaultDomain, 7)
	recs, err := g.Generate(9, 1)
	require.NoError(t, err)

	var points, lines, polygons int
	for _, r := range recs {
		switch r.Kind {
		case "Point":
			require.Len(t, r.Coords, 1)
			points++
		case "Line":
			require.GreaterOrEqual(t, len(r.Coords), 2)
			lines++
		case "Polygon":
			require.GreaterOrEqual(t, len(r.Coords), 3)
			polygons++
		}
	}
	require.Equal(t, 3, points)
	require.Equal(t, 3, lines)
	require.Equal(t, 3, polygons)
}

func TestGenerateZeroReturnsNil(t *testing.T) {
	g := NewRandomGenerator(DefaultDomain, 1)
	recs, err := g.Generate(0, 1)
	require.NoError(t, err)
	require.Nil(t, recs)
}

func TestGenerateDeterministicWithSameSeed(t *testing.T) {
	a := NewRandomGenerator(DefaultDomain, 99)
	b := NewRandomGenerator(DefaultDomain, 99)
	recsA, _ := a.Generate(5, 1)
	recsB, _ := b.Generate(5, 1)
	require.Equal(t, recsA, recsB)
}
