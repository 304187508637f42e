// Package query implements the polygon-window query engine: ring
// closing, envelope computation, index search, and parallel result
// shaping with per-kind tallies.
package query

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/base/traverse"
	"github.com/grailbio/geoserver/internal/geo"
	"github.com/grailbio/geoserver/internal/spatial"
)

// ErrTooFewPoints is returned when fewer than 3 coordinates are given,
// surfaced without any index access.
var ErrTooFewPoints = errors.New("query requires at least 3 coordinates")

// Statistics tallies the shaped results by geometry kind.
type Statistics struct {
	PointCount   int `json:"pointCount"`
	LineCount    int `json:"lineCount"`
	PolygonCount int `json:"polygonCount"`
}

// Record is one shaped query result row.
type Record struct {
	ID          uint64 `json:"id"`
	Kind        string `json:"kind"`
	Coordinates string `json:"coordinates"`
}

// Result is the full response shape for a successful query.
type Result struct {
	Statistics Statistics    `json:"statistics"`
	Data       []Record      `json:"data"`
	QueryTime  time.Duration `json:"-"`
}

// Run closes the input ring if necessary, computes its envelope, searches
// idx, and shapes+tallies the results in parallel across workerCount
// segments (segment count = min(workerCount, len(results)), never zero).
// It returns ErrTooFewPoints if fewer than 3 coordinates are supplied,
// before any index access.
func Run(idx *spatial.RTree, coords []geo.Point, workerCount int) (Result, error) {
	if len(coords) < 3 {
		return Result{}, ErrTooFewPoints
	}
	start := time.Now()

	ring := coords
	if ring[0] != ring[len(ring)-1] {
		ring = make([]geo.Point, len(coords)+1)
		copy(ring, coords)
		ring[len(coords)] = coords[0]
	}
	queryBox, err := geo.MBR(geo.KindPolygon, ring)
	if err != nil {
		return Result{}, ErrTooFewPoints
	}

	entries := idx.Search(queryBox)
	if len(entries) == 0 {
		return Result{Data: []Record{}, QueryTime: time.Since(start)}, nil
	}

	segments := workerCount
	if segments <= 0 || segments > len(entries) {
		segments = len(entries)
	}
	if segments < 1 {
		segments = 1
	}

	segResults := make([][]Record, segments)
	segStats := make([]Statistics, segments)

	traverse.Each(segments, func(jobIdx int) error { // nolint: errcheck
		n := len(entries)
		startIdx := jobIdx * n / segments
		endIdx := (jobIdx + 1) * n / segments

		var recs []Record
		var stats Statistics
		for _, e := range entries[startIdx:endIdx] {
			id, kind, ok := splitPayload(e.Payload)
			if !ok {
				continue
			}
			switch geo.Kind(kind) {
			case geo.KindPoint:
				stats.PointCount++
			case geo.KindLine:
				stats.LineCount++
			case geo.KindPolygon:
				stats.PolygonCount++
			}
			recs = append(recs, Record{ID: id, Kind: kind, Coordinates: e.MBR.String()})
		}
		segResults[jobIdx] = recs
		segStats[jobIdx] = stats
		return nil
	})

	var total Statistics
	data := make([]Record, 0, len(entries))
	for i := 0; i < segments; i++ {
		data = append(data, segResults[i]...)
		total.PointCount += segStats[i].PointCount
		total.LineCount += segStats[i].LineCount
		total.PolygonCount += segStats[i].PolygonCount
	}

	return Result{Statistics: total, Data: data, QueryTime: time.Since(start)}, nil
}

func splitPayload(payload string) (uint64, string, bool) {
	comma := strings.IndexByte(payload, ',')
	if comma < 0 {
		return 0, "", false
	}
	id, err := strconv.ParseUint(payload[:comma], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return id, payload[comma+1:], true
}
