// Package csvio implements the CSV snapshot reader and writer: a
// memory-mapped, bounded-range reader so concurrent workers can parse
// disjoint line ranges of the same file without seek contention, plus
// the append/rewrite primitives the reconciler uses.
//
// Reads go through github.com/edsrzf/mmap-go rather than the raw
// unix.Mmap use in fusion/kmer_index.go, which builds an
// unsafe-pointer hash table rather than reading line-oriented text.
package csvio

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/grailbio/base/log"
	"github.com/grailbio/geoserver/internal/geo"
	"github.com/pkg/errors"
)

// CountLines returns the number of newline-terminated (or trailing
// partial) records in path. Used only to partition work across workers.
func CountLines(path string) (int, error) {
	data, closeFn, err := mapFile(path)
	if err != nil {
		return 0, err
	}
	defer closeFn()
	return countLines(data), nil
}

func countLines(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	n := bytes.Count(data, []byte("\n"))
	if data[len(data)-1] != '\n' {
		n++
	}
	return n
}

// GetInitID returns the first comma-separated field of the last
// non-empty line of path, parsed as an unsigned 64-bit integer. It
// fails if the file is empty or the id field does not parse; the
// caller treats that as the BadSnapshot error class.
func GetInitID(path string) (uint64, error) {
	data, closeFn, err := mapFile(path)
	if err != nil {
		return 0, err
	}
	defer closeFn()

	lines := bytes.Split(bytes.TrimRight(data, "\n"), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimRight(lines[i], "\r")
		if len(line) == 0 {
			continue
		}
		comma := bytes.IndexByte(line, ',')
		if comma < 0 {
			return 0, errors.Errorf("bad snapshot: last line %q has no id field", line)
		}
		id, err := strconv.ParseUint(string(line[:comma]), 10, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "bad snapshot: id field %q unparseable", line[:comma])
		}
		return id, nil
	}
	return 0, errors.New("bad snapshot: file is empty")
}

// ReadRange returns the GeoObjects parsed from the closed line interval
// [startLine, endLine] (1-based; header is line 1 and is skipped by
// callers that start ranges at line 2). Malformed rows are skipped with
// a logged warning; ReadRange never aborts the whole range for one bad
// row.
func ReadRange(path string, startLine, endLine int) ([]geo.Object, error) {
	data, closeFn, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	lines := bytes.Split(data, []byte("\n"))
	var objs []geo.Object
	for i := startLine; i <= endLine && i <= len(lines); i++ {
		if i < 1 {
			continue
		}
		raw := bytes.TrimRight(lines[i-1], "\r")
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		obj, err := ParseRecord(string(raw))
		if err != nil {
			log.Debug.Printf("csvio: skipping malformed row at %s:%d: %v", path, i, err)
			continue
		}
		objs = append(objs, obj)
	}
	return objs, nil
}

// ParseRecord parses one CSV data record of the grammar
// `<id>,<kind>,"<x1,y1> <x2,y2> ...<xn,yn>"`.
func ParseRecord(line string) (geo.Object, error) {
	first := strings.IndexByte(line, ',')
	if first < 0 {
		return geo.Object{}, fmt.Errorf("missing id/kind separator")
	}
	rest := line[first+1:]
	second := strings.IndexByte(rest, ',')
	if second < 0 {
		return geo.Object{}, fmt.Errorf("missing kind/coords separator")
	}
	second += first + 1

	id, err := strconv.ParseUint(line[:first], 10, 64)
	if err != nil {
		return geo.Object{}, fmt.Errorf("bad id %q: %w", line[:first], err)
	}
	kind := geo.Kind(line[first+1 : second])
	if !kind.Valid() {
		return geo.Object{}, fmt.Errorf("bad kind %q", kind)
	}
	pts, warnings := geo.ParseCoords(line[second+1:])
	for _, w := range warnings {
		log.Debug.Printf("csvio: coordinate warning on id %d: %v", id, w)
	}
	obj := geo.Object{ID: id, Kind: kind, Coords: pts}
	if !obj.Valid() {
		return geo.Object{}, fmt.Errorf("object %d,%s fails coordinate-count invariant", id, kind)
	}
	return obj, nil
}

// FormatRecord renders a GeoObject back into one CSV data line, without
// a trailing newline.
func FormatRecord(o geo.Object) string {
	return fmt.Sprintf("%d,%s,\"%s\"", o.ID, o.Kind, geo.FormatCoords(o.Coords))
}

// mapFile opens and memory-maps path read-only. An empty file maps to an
// empty, zero-cost slice rather than failing, since mmap.Map rejects
// zero-length mappings.
func mapFile(path string) (mmap.MMap, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "bad snapshot: open %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, errors.Wrapf(err, "bad snapshot: stat %s", path)
	}
	if info.Size() == 0 {
		f.Close()
		return mmap.MMap{}, func() {}, nil
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, nil, errors.Wrapf(err, "bad snapshot: mmap %s", path)
	}
	return data, func() {
		_ = data.Unmap()
		_ = f.Close()
	}, nil
}
