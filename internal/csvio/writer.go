package csvio

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/grailbio/geoserver/internal/geo"
	"github.com/pkg/errors"
)

// AppendLines appends each object as one CSV data line to the snapshot
// at path, in the order given. Used by the reconciler to flush staged
// inserts.
func AppendLines(path string, objs []geo.Object) error {
	if len(objs) == 0 {
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "reconciler: open %s for append", path)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, o := range objs {
		if _, err := w.WriteString(FormatRecord(o) + "\n"); err != nil {
			return errors.Wrap(err, "reconciler: write appended row")
		}
	}
	return w.Flush()
}

// RewriteDropping stream-rewrites the snapshot at path to a sibling temp
// file, passing the header through verbatim and skipping any row whose
// leading id is present in drop, then atomically renames the temp file
// over the original. A half-written temp file is discarded (not
// renamed) on any failure; the original file is left untouched.
func RewriteDropping(path string, drop map[uint64]bool) error {
	in, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "reconciler: open %s", path)
	}
	defer in.Close()

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "reconciler: create temp file")
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		tmp.Close()
		if !success {
			os.Remove(tmpPath)
		}
	}()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	w := bufio.NewWriter(tmp)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if lineNo == 1 {
			if _, err := w.WriteString(line + "\n"); err != nil {
				return errors.Wrap(err, "reconciler: write header")
			}
			continue
		}
		if id, ok := leadingID(line); ok && drop[id] {
			continue
		}
		if _, err := w.WriteString(line + "\n"); err != nil {
			return errors.Wrap(err, "reconciler: write row")
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "reconciler: scan original")
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "reconciler: flush temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "reconciler: close temp file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrap(err, "reconciler: rename temp over original")
	}
	success = true
	return nil
}

func leadingID(line string) (uint64, bool) {
	comma := strings.IndexByte(line, ',')
	if comma < 0 {
		return 0, false
	}
	id, err := strconv.ParseUint(line[:comma], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
