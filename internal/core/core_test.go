package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/geoserver/internal/config"
	"github.com/grailbio/geoserver/internal/gendata"
	"github.com/grailbio/geoserver/internal/geo"
	"github.com/stretchr/testify/require"
)

const s1CSV = "H\n" +
	"1,Point,\"10.000000,20.000000\"\n" +
	"2,Line,\"0.000000,0.000000 5.000000,5.000000\"\n" +
	"3,Polygon,\"0.000000,0.000000 10.000000,0.000000 10.000000,10.000000 0.000000,10.000000\"\n"

func newTestCore(t *testing.T, content string) *Core {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshot.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := config.Load(writeCfg(t, path))
	require.NoError(t, err)

	c, err := New(cfg, gendata.NewRandomGenerator(gendata.DefaultDomain, 1))
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return c
}

func writeCfg(t *testing.T, dataFile string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	body := `{"DataFile":"` + dataFile + `","GeoLog":"/dev/null","InitialWorkers":2}`
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o644))
	return cfgPath
}

func TestNewBuildsIndexFromSnapshot(t *testing.T) {
	c := newTestCore(t, s1CSV)
	require.Equal(t, 3, c.Count())
	require.Equal(t, uint64(3), c.NextID())
}

func TestNewRejectsBadSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	cfg, err := config.Load(writeCfg(t, path))
	require.NoError(t, err)

	_, err = New(cfg, gendata.NewRandomGenerator(gendata.DefaultDomain, 1))
	require.ErrorIs(t, err, ErrBadSnapshot)
}

func TestQueryMatchesS2(t *testing.T) {
	c := newTestCore(t, s1CSV)
	res, err := c.Query([]geo.Point{{X: -1, Y: -1}, {X: 11, Y: -1}, {X: 11, Y: 11}, {X: -1, Y: 11}})
	require.NoError(t, err)
	require.Equal(t, 1, res.Statistics.PointCount)
	require.Equal(t, 1, res.Statistics.LineCount)
	require.Equal(t, 1, res.Statistics.PolygonCount)
	require.Len(t, res.Data, 3)
}

func TestQueryRejectsTooFewPoints(t *testing.T) {
	c := newTestCore(t, s1CSV)
	_, err := c.Query([]geo.Point{{X: 0, Y: 0}})
	require.ErrorIs(t, err, ErrBadRequest)
}

func TestDeleteOneMatchesS4(t *testing.T) {
	c := newTestCore(t, s1CSV)
	removed, err := c.DeleteOne(2)
	require.NoError(t, err)
	require.True(t, removed)
	require.Equal(t, 2, c.Count())

	removed, err = c.DeleteOne(999)
	require.NoError(t, err)
	require.False(t, removed)
}

func TestDeleteRandomAllMatchesS5(t *testing.T) {
	c := newTestCore(t, s1CSV)
	achieved, err := c.DeleteRandom(3)
	require.NoError(t, err)
	require.Equal(t, 3, achieved)
	require.Equal(t, 0, c.Count())
}

func TestDeleteRandomRejectsOutOfRange(t *testing.T) {
	c := newTestCore(t, s1CSV)
	_, err := c.DeleteRandom(0)
	require.ErrorIs(t, err, ErrBadRequest)

	_, err = c.DeleteRandom(1000)
	require.ErrorIs(t, err, ErrBadRequest)
}

func TestInsertBatchMatchesS3(t *testing.T) {
	c := newTestCore(t, s1CSV)
	ok, err := c.InsertBatch(10000)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 10003, c.Count())
	require.Equal(t, uint64(10003), c.NextID())
	require.Len(t, c.DrainInserts(), 10000)
}

func TestInsertBatchRejectsOutOfRange(t *testing.T) {
	c := newTestCore(t, s1CSV)
	_, err := c.InsertBatch(9999)
	require.ErrorIs(t, err, ErrBadRequest)

	_, err = c.InsertBatch(100001)
	require.ErrorIs(t, err, ErrBadRequest)
}

type failingGenerator struct{}

func (failingGenerator) Generate(n int, startID uint64) ([]gendata.Record, error) {
	return nil, nil
}

func TestInsertBatchSurfacesGeneratorFailureWithoutAdvancingCounter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.csv")
	require.NoError(t, os.WriteFile(path, []byte(s1CSV), 0o644))
	cfg, err := config.Load(writeCfg(t, path))
	require.NoError(t, err)

	c, err := New(cfg, failingGenerator{})
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)

	before := c.NextID()
	_, err = c.InsertBatch(10000)
	require.ErrorIs(t, err, ErrGeneratorFailure)
	require.Equal(t, before, c.NextID())
}
