package csvio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/geoserver/internal/geo"
	"github.com/stretchr/testify/require"
)

const sampleCSV = "id,kind,coords\n" +
	"1,Point,\"10.000000,20.000000\"\n" +
	"2,Line,\"0.000000,0.000000 5.000000,5.000000\"\n" +
	"3,Polygon,\"0.000000,0.000000 10.000000,0.000000 10.000000,10.000000 0.000000,10.000000\"\n"

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCountLines(t *testing.T) {
	path := writeTemp(t, sampleCSV)
	n, err := CountLines(path)
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestGetInitID(t *testing.T) {
	path := writeTemp(t, sampleCSV)
	id, err := GetInitID(path)
	require.NoError(t, err)
	require.Equal(t, uint64(3), id)
}

func TestGetInitIDEmptyFile(t *testing.T) {
	path := writeTemp(t, "")
	_, err := GetInitID(path)
	require.Error(t, err)
}

func TestReadRangeSkipsHeader(t *testing.T) {
	path := writeTemp(t, sampleCSV)
	objs, err := ReadRange(path, 2, 4)
	require.NoError(t, err)
	require.Len(t, objs, 3)
	require.Equal(t, uint64(1), objs[0].ID)
	require.Equal(t, geo.KindPoint, objs[0].Kind)
	require.Equal(t, uint64(3), objs[2].ID)
	require.Equal(t, geo.KindPolygon, objs[2].Kind)
}

func TestReadRangeSkipsMalformedRows(t *testing.T) {
	content := "header\n1,Point,\"1.0,1.0\"\nGARBAGE ROW WITHOUT COMMAS\n2,Point,\"2.0,2.0\"\n"
	path := writeTemp(t, content)
	objs, err := ReadRange(path, 2, 4)
	require.NoError(t, err)
	require.Len(t, objs, 2)
}

func TestFormatRecordRoundTrip(t *testing.T) {
	obj := geo.Object{ID: 42, Kind: geo.KindLine, Coords: []geo.Point{{1, 2}, {3, 4}}}
	line := FormatRecord(obj)
	parsed, err := ParseRecord(line)
	require.NoError(t, err)
	require.Equal(t, obj, parsed)
}

func TestAppendLines(t *testing.T) {
	path := writeTemp(t, sampleCSV)
	newObj := geo.Object{ID: 4, Kind: geo.KindPoint, Coords: []geo.Point{{1, 1}}}
	require.NoError(t, AppendLines(path, []geo.Object{newObj}))

	n, err := CountLines(path)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	objs, err := ReadRange(path, 5, 5)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	require.Equal(t, uint64(4), objs[0].ID)
}

func TestRewriteDroppingRemovesMatchingRows(t *testing.T) {
	path := writeTemp(t, sampleCSV)
	require.NoError(t, RewriteDropping(path, map[uint64]bool{2: true}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "id,kind,coords\n"+
		"1,Point,\"10.000000,20.000000\"\n"+
		"3,Polygon,\"0.000000,0.000000 10.000000,0.000000 10.000000,10.000000 0.000000,10.000000\"\n",
		string(data))
}

func TestRewriteDroppingNoMatchesLeavesFileByteIdentical(t *testing.T) {
	path := writeTemp(t, sampleCSV)
	require.NoError(t, RewriteDropping(path, map[uint64]bool{999: true}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, sampleCSV, string(data))
}

func TestRewriteDroppingFailureLeavesOriginalUntouched(t *testing.T) {
	path := writeTemp(t, sampleCSV)
	err := RewriteDropping(filepath.Join(filepath.Dir(path), "missing.csv"), map[uint64]bool{1: true})
	require.Error(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, sampleCSV, string(data))
}
