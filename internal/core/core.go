// Package core owns the spatial index, mutation staging, worker pool,
// and identity counter, and exposes the operation surface: query,
// deleteOne, deleteRandom, insertBatch, count, and shutdown. It is the
// single owning context the initializer builds and every collaborator
// (reconciler, HTTP boundary) is handed a reference to, in place of a
// process-wide singleton.
package core

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/log"
	"github.com/grailbio/geoserver/internal/config"
	"github.com/grailbio/geoserver/internal/csvio"
	"github.com/grailbio/geoserver/internal/gendata"
	"github.com/grailbio/geoserver/internal/geo"
	"github.com/grailbio/geoserver/internal/query"
	"github.com/grailbio/geoserver/internal/spatial"
	"github.com/grailbio/geoserver/internal/stage"
	"github.com/grailbio/geoserver/internal/workerpool"
	"github.com/pkg/errors"
)

// Sentinel error kinds. Callers check with errors.Is; the HTTP
// boundary maps each to a status code the way edirooss-zmux-server
// checks errors.Is(err, redis.ErrChannelNotFound) in its handlers.
var (
	ErrBadRequest       = errors.New("bad request")
	ErrBadSnapshot      = errors.New("bad snapshot")
	ErrGeneratorFailure = errors.New("generator failure")
)

const (
	minInsertBatch = 10_000
	maxInsertBatch = 100_000
)

// Core is the owning context for one running service instance.
type Core struct {
	idx  *spatial.RTree
	pool *workerpool.Pool
	gen  gendata.Generator

	inserts    stage.Inserts
	csvDeletes stage.IDSet
	// Unlike csvDeletes there is no persisted index-delete set: the
	// index removal runs synchronously inside DeleteOne/DeleteRandom,
	// so there is nothing for it to buffer between request and
	// application.

	dataFile string
	nextID   atomic.Uint64

	// idMu serializes the read-currentMaxId / draw-ids / advance-nextID
	// sequence of InsertBatch and DeleteRandom so two concurrent callers
	// never draw against a stale currentMaxId.
	idMu sync.Mutex
}

// New builds a Core from the CSV snapshot named in cfg: seeds nextID
// from the snapshot's last record, reads every data row with a single
// sequential ReadRange call (the read is not split across workers), and
// bulk-builds the spatial index from them in parallel. A snapshot that is missing,
// empty, or has an unparseable last-line id fails initialization with
// ErrBadSnapshot; this is fatal and the process should not begin
// serving.
func New(cfg config.Config, gen gendata.Generator) (*Core, error) {
	pool := workerpool.New(workerpool.Options{
		Mode:           cfg.PoolModeValue(),
		InitialWorkers: cfg.InitialWorkers,
		MaxWorkers:     cfg.MaxWorkers,
		QueueSize:      4096,
	})

	initID, err := csvio.GetInitID(cfg.DataFile)
	if err != nil {
		pool.Shutdown()
		return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}

	totalLines, err := csvio.CountLines(cfg.DataFile)
	if err != nil {
		pool.Shutdown()
		return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}

	idx := spatial.New(cfg.FanoutNodeSize)
	if totalLines > 1 {
		objs, err := csvio.ReadRange(cfg.DataFile, 2, totalLines)
		if err != nil {
			pool.Shutdown()
			return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
		}
		idx.BuildFrom(objs, pool.CurrentWorkerCount())
	}

	c := &Core{
		idx:      idx,
		pool:     pool,
		gen:      gen,
		dataFile: cfg.DataFile,
	}
	c.nextID.Store(initID)
	log.Printf("core: loaded %d rows from %s, index size %d, nextID %d", totalLines-1, cfg.DataFile, idx.Size(), initID)
	return c, nil
}

// Query runs a polygon-window search, dispatched through the worker
// pool. A query.ErrTooFewPoints failure is returned as ErrBadRequest
// (carrying its message, not wrapping it) so HTTP handlers can check with
// a single errors.Is.
func (c *Core) Query(coords []geo.Point) (query.Result, error) {
	segments := c.pool.CurrentWorkerCount()
	fut, err := workerpool.Submit(c.pool, func() (query.Result, error) {
		return query.Run(c.idx, coords, segments)
	})
	if err != nil {
		return query.Result{}, err
	}
	res, err := fut.Get()
	if errors.Is(err, query.ErrTooFewPoints) {
		return query.Result{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return res, err
}

// DeleteOne stages id for removal from both the CSV and the index, then
// applies the index removal immediately. It reports whether the id was
// actually present.
func (c *Core) DeleteOne(id uint64) (bool, error) {
	c.csvDeletes.Add(id)

	fut, err := workerpool.Submit(c.pool, func() (int, error) {
		return c.idx.RemoveByIDs(map[uint64]bool{id: true}, c.pool.CurrentWorkerCount()), nil
	})
	if err != nil {
		return false, err
	}
	removed, err := fut.Get()
	return removed > 0, err
}

// DeleteRandom draws k distinct ids uniformly from [1, currentMaxId],
// stages and removes them, and reports the achieved count, which may be
// less than k if some drawn ids were already absent from the index.
func (c *Core) DeleteRandom(k int) (int, error) {
	c.idMu.Lock()
	maxID := c.nextID.Load()
	if k < 1 || uint64(k) > maxID {
		c.idMu.Unlock()
		return 0, fmt.Errorf("%w: deleteRandom(%d) out of range [1, %d]", ErrBadRequest, k, maxID)
	}
	ids := drawDistinctIDs(k, maxID)
	c.idMu.Unlock()

	c.csvDeletes.AddAll(ids)

	idSet := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	fut, err := workerpool.Submit(c.pool, func() (int, error) {
		return c.idx.RemoveByIDs(idSet, c.pool.CurrentWorkerCount()), nil
	})
	if err != nil {
		return 0, err
	}
	return fut.Get()
}

func drawDistinctIDs(k int, maxID uint64) []uint64 {
	seen := make(map[uint64]bool, k)
	ids := make([]uint64, 0, k)
	for len(ids) < k {
		id := rand.Uint64N(maxID) + 1
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// InsertBatch generates n synthetic objects via the configured
// generator, stages them for CSV append, and bulk-inserts them into the
// index, advancing the id counter by exactly n on success. n must be in
// [10_000, 100_000]; a generator that returns no records or a mismatched
// count fails with ErrGeneratorFailure and the counter is not advanced.
func (c *Core) InsertBatch(n int) (bool, error) {
	if n < minInsertBatch || n > maxInsertBatch {
		return false, fmt.Errorf("%w: insertBatch(%d) out of range [%d, %d]", ErrBadRequest, n, minInsertBatch, maxInsertBatch)
	}

	c.idMu.Lock()
	defer c.idMu.Unlock()
	startID := c.nextID.Load() + 1

	records, err := c.gen.Generate(n, startID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrGeneratorFailure, err)
	}
	if len(records) != n {
		return false, fmt.Errorf("%w: generator returned %d records, wanted %d", ErrGeneratorFailure, len(records), n)
	}

	segments := c.pool.CurrentWorkerCount()
	if segments <= 0 || segments > n {
		segments = n
	}

	type partial struct {
		entries []spatial.Entry
		objs    []geo.Object
	}
	futures := make([]*workerpool.Future[partial], segments)
	for seg := 0; seg < segments; seg++ {
		startIdx := seg * n / segments
		endIdx := (seg + 1) * n / segments
		chunk := records[startIdx:endIdx]
		fut, err := workerpool.Submit(c.pool, func() (partial, error) {
			var p partial
			for _, r := range chunk {
				mbr, err := geo.MBR(r.Kind, r.Coords)
				if err != nil {
					log.Error.Printf("core: generator record %d failed MBR computation: %v", r.ID, err)
					continue
				}
				payload := fmt.Sprintf("%d,%s", r.ID, r.Kind)
				p.entries = append(p.entries, spatial.Entry{MBR: mbr, Payload: payload})
				p.objs = append(p.objs, geo.Object{ID: r.ID, Kind: r.Kind, Coords: r.Coords})
			}
			return p, nil
		})
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrGeneratorFailure, err)
		}
		futures[seg] = fut
	}

	var allObjs []geo.Object
	for _, fut := range futures {
		p, err := fut.Get()
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrGeneratorFailure, err)
		}
		c.idx.InsertBatch(p.entries)
		allObjs = append(allObjs, p.objs...)
	}

	sort.Slice(allObjs, func(i, j int) bool { return allObjs[i].ID < allObjs[j].ID })
	c.inserts.Add(allObjs...)

	c.nextID.Add(uint64(n))
	return true, nil
}

// Count returns the current index size.
func (c *Core) Count() int {
	return c.idx.Size()
}

// NextID returns the current value of the identity counter: the largest
// id assigned so far, which DeleteRandom uses as currentMaxId.
func (c *Core) NextID() uint64 {
	return c.nextID.Load()
}

// DataFile returns the CSV snapshot path this Core was built from, for
// the reconciler to operate on.
func (c *Core) DataFile() string {
	return c.dataFile
}

// DrainInserts returns and clears the staged insert buffer, for the
// reconciler's CSV-append step.
func (c *Core) DrainInserts() []geo.Object {
	return c.inserts.Drain()
}

// RestoreInserts undoes a DrainInserts whose CSV append failed.
func (c *Core) RestoreInserts(objs []geo.Object) {
	c.inserts.Restore(objs)
}

// DrainCsvDeletes returns and clears the staged CSV-deletion id set, for
// the reconciler's CSV-rewrite step.
func (c *Core) DrainCsvDeletes() map[uint64]bool {
	return c.csvDeletes.Drain()
}

// RestoreCsvDeletes undoes a DrainCsvDeletes whose CSV rewrite failed.
func (c *Core) RestoreCsvDeletes(ids map[uint64]bool) {
	c.csvDeletes.Restore(ids)
}

// Shutdown joins the worker pool. It does not touch the CSV snapshot;
// the reconciler goroutine is stopped independently by its caller.
func (c *Core) Shutdown() {
	c.pool.Shutdown()
}
