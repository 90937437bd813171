package pipeline

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xtaci/fiberio/channel"
	"github.com/xtaci/fiberio/reactor"
	"github.com/xtaci/fiberio/varz"
)

// RecordQueue is the per-reactor bounded channel of opaque record
// bytes a Runner decodes files into (spec.md 3's "Record Queue").
type RecordQueue = channel.Bounded[[]byte]

// Config tunes the executor. Zero or negative WorkersPerReactor,
// FileQueueCap and RecordQueueCap fall back to spec.md 4.7's defaults
// when the executor reads them; NewExecutor stores cfg unchanged.
type Config struct {
	// WorkersPerReactor generalises spec.md 4.7 step 2 / Design Note
	// 9(b): the original code runs exactly one worker fiber per
	// reactor; this makes that count a parameter (default 1).
	WorkersPerReactor int
	// MapLimit caps invocations of the user function per reactor; 0
	// disables the cap, per spec.md 6's map_limit flag.
	MapLimit int
	// FileQueueCap is the shared file-name queue's capacity (spec.md
	// 4.7 step 1: capacity 16).
	FileQueueCap int
	// RecordQueueCap is each reactor's record queue capacity (spec.md
	// 4.7 step 2: capacity 256).
	RecordQueueCap int
}

func (c Config) workers() int {
	if c.WorkersPerReactor <= 0 {
		return 1
	}
	return c.WorkersPerReactor
}

func (c Config) fileQueueCap() int {
	if c.FileQueueCap <= 0 {
		return 16
	}
	return c.FileQueueCap
}

func (c Config) recordQueueCap() int {
	if c.RecordQueueCap <= 0 {
		return 256
	}
	return c.RecordQueueCap
}

// ReactorStats is one reactor's contribution to a pipeline run's
// summary (spec.md 7's "emits a summary including parse-error counts").
type ReactorStats struct {
	ReactorIndex     int
	FilesProcessed   int
	RecordsProcessed int
	RecordsMapped    int
	RecordsDropped   int // discarded past map_limit
	ParseErrors      int
	Panic            error // first worker/mapper panic observed on this reactor, if any
}

// RunResult summarises one Run call: per-reactor stats, elapsed wall
// time, and the first panic observed across every reactor (spec.md
// 4.7's "surface the first such panic as the run's result"). Not named
// in spec.md itself; supplements spec.md §7's process-lifetime summary
// requirement down to the scope of a single pipeline run.
type RunResult struct {
	Stats      []ReactorStats
	Elapsed    time.Duration
	FirstPanic error
}

var errStopEarly = errors.New("pipeline: stop requested")

// Executor runs one pipeline stage at a time across a reactor pool.
type Executor struct {
	pool   *reactor.Pool
	runner Runner
	cfg    Config
	varz   *varz.Registry // optional; nil unless SetVarz was called

	mu        sync.Mutex
	fileQueue *channel.Bounded[fileItem]
	running   bool

	stopEarly int32 // atomic bool, checked by worker/feeder fibers between file pops
}

// NewExecutor builds an executor driving runner over pool's reactors.
func NewExecutor(pool *reactor.Pool, runner Runner, cfg Config) *Executor {
	return &Executor{pool: pool, runner: runner, cfg: cfg}
}

// SetVarz attaches a metrics registry; every worker/mapper parse error
// recorded in ReactorStats is also added to varz.Registry.ParseErrors,
// per spec.md 7's "parse-error counts" summary requirement.
func (e *Executor) SetVarz(v *varz.Registry) { e.varz = v }

// Stop closes the file-name queue and sets the stop_early flag checked
// by worker and feeder fibers, per spec.md 4.7's Stop() contract. Safe
// to call from any goroutine, concurrently with a running Run.
func (e *Executor) Stop() {
	atomic.StoreInt32(&e.stopEarly, 1)
	e.mu.Lock()
	fq := e.fileQueue
	e.mu.Unlock()
	if fq != nil {
		fq.Close()
	}
}

// Run executes table.Map over every file matched by inputs' globs,
// fanned out across the pool per spec.md 4.7. It blocks until every
// reactor has finished mapping and the runner has been flushed.
func (e *Executor) Run(inputs []InputSpec, table Table) (*RunResult, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, errors.New("pipeline: Run already in progress")
	}
	e.running = true
	atomic.StoreInt32(&e.stopEarly, 0)
	fileQueue := channel.New[fileItem](e.cfg.fileQueueCap())
	e.fileQueue = fileQueue
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.fileQueue = nil
		e.mu.Unlock()
	}()

	if err := e.runner.Init(); err != nil {
		return nil, err
	}
	if err := e.runner.OperatorStart(table.Operator); err != nil {
		return nil, err
	}

	start := time.Now()
	n := e.pool.Size()
	reactorDone := make(chan ReactorStats, n)
	for i := 0; i < n; i++ {
		i := i
		e.pool.At(i).Post(func(tr *reactor.Reactor) {
			e.runReactorStage(tr, i, fileQueue, table, reactorDone)
		})
	}

	// Feeding the file-name queue suspends a fiber (Push blocks when
	// full), so it runs as a fiber too, on the first pool reactor.
	feedDone := make(chan error, 1)
	e.pool.At(0).Post(func(tr *reactor.Reactor) {
		tr.Spawn(func(ctx *reactor.Fiber) (interface{}, error) {
			err := e.feed(ctx, inputs, fileQueue)
			feedDone <- err
			return nil, err
		})
	})
	feedErr := <-feedDone
	fileQueue.Close()

	stats := make([]ReactorStats, n)
	var firstPanic error
	for i := 0; i < n; i++ {
		st := <-reactorDone
		stats[st.ReactorIndex] = st
		if st.Panic != nil && firstPanic == nil {
			firstPanic = st.Panic
		}
	}

	endErr := e.runner.OperatorEnd(table.Operator)
	shutdownErr := e.runner.Shutdown()

	result := &RunResult{Stats: stats, Elapsed: time.Since(start), FirstPanic: firstPanic}

	for _, st := range stats {
		if st.ParseErrors > 0 {
			log.Warn().Int("reactor", st.ReactorIndex).Int("parse_errors", st.ParseErrors).Msg("pipeline reactor finished with parse errors")
		}
	}

	switch {
	case feedErr != nil && !errors.Is(feedErr, errStopEarly):
		return result, feedErr
	case endErr != nil:
		return result, endErr
	case shutdownErr != nil:
		return result, shutdownErr
	case firstPanic != nil:
		return result, firstPanic
	default:
		return result, nil
	}
}

// feed expands every input's globs and pushes matching paths into
// fileQueue, per spec.md 4.7 step 3. If the queue closes mid-push
// (Stop was called), the remaining specs are dropped.
func (e *Executor) feed(ctx *reactor.Fiber, inputs []InputSpec, fileQueue *channel.Bounded[fileItem]) error {
	for _, in := range inputs {
		if atomic.LoadInt32(&e.stopEarly) != 0 {
			return errStopEarly
		}
		for _, fs := range in.FileSpecs {
			fs, in := fs, in
			err := e.runner.ExpandGlob(fs.URLGlob, func(path string) error {
				if fileQueue.Push(ctx, fileItem{URL: path, Format: fs.Format, Input: in.Name}) {
					return errStopEarly
				}
				return nil
			})
			if errors.Is(err, errStopEarly) {
				return errStopEarly
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// runReactorStage builds one reactor's record queue and stage context,
// spawns its worker and mapper fibers, and reports ReactorStats back to
// done once every fiber on this reactor has terminated (spec.md 4.7
// step 6: drain workers, start_closing the record queue, drain the
// mapper). Nothing is flushed here; Run calls the runner's OperatorEnd
// and Shutdown once, after every reactor has reported.
func (e *Executor) runReactorStage(tr *reactor.Reactor, idx int, fileQueue *channel.Bounded[fileItem], table Table, done chan<- ReactorStats) {
	stat := ReactorStats{ReactorIndex: idx}
	stageCtx, err := e.runner.CreateContext(table.Operator)
	if err != nil {
		stat.Panic = err
		done <- stat
		return
	}
	recordQueue := channel.New[[]byte](e.cfg.recordQueueCap())

	tr.Spawn(func(ctx *reactor.Fiber) (interface{}, error) {
		workers := make([]*reactor.Fiber, e.cfg.workers())
		for i := range workers {
			workers[i] = ctx.Reactor.Spawn(func(wctx *reactor.Fiber) (interface{}, error) {
				return e.workerLoop(wctx, fileQueue, recordQueue, &stat)
			})
		}
		mapper := ctx.Reactor.Spawn(func(mctx *reactor.Fiber) (interface{}, error) {
			return e.mapperLoop(mctx, recordQueue, table, stageCtx, &stat)
		})

		for _, w := range workers {
			if _, werr := ctx.Join(w); werr != nil {
				recordPanic(&stat, werr)
			}
		}
		recordQueue.StartClosing()
		if _, merr := ctx.Join(mapper); merr != nil {
			recordPanic(&stat, merr)
		}
		done <- stat
		return nil, nil
	})
}

func recordPanic(stat *ReactorStats, err error) {
	if stat.Panic == nil {
		stat.Panic = err
	}
}

// workerLoop implements spec.md 4.7 step 4: pop a file name, decode it
// via the runner, loop until the file-name queue closes or Stop is
// called. Parse/IO errors from one file are localised to it.
func (e *Executor) workerLoop(ctx *reactor.Fiber, fileQueue *channel.Bounded[fileItem], recordQueue *RecordQueue, stat *ReactorStats) (interface{}, error) {
	for {
		if atomic.LoadInt32(&e.stopEarly) != 0 {
			return stat.FilesProcessed, nil
		}
		item, closed := fileQueue.Pop(ctx)
		if closed {
			return stat.FilesProcessed, nil
		}
		n, err := e.runner.ProcessFile(ctx, item.URL, item.Format, recordQueue)
		if err != nil {
			stat.ParseErrors++
			if e.varz != nil {
				e.varz.ParseErrors().Add(1)
			}
			log.Warn().Err(err).Str("file", item.URL).Msg("pipeline worker: file processing failed, skipping")
			continue
		}
		stat.FilesProcessed++
		stat.RecordsProcessed += n
	}
}

// mapperLoop implements spec.md 4.7 step 5: pop records and invoke
// table.Map, yielding every 1000 records for fairness and discarding
// (but counting) anything past map_limit.
func (e *Executor) mapperLoop(ctx *reactor.Fiber, recordQueue *RecordQueue, table Table, stageCtx interface{}, stat *ReactorStats) (interface{}, error) {
	limit := e.cfg.MapLimit
	processed := 0
	for {
		rec, closed := recordQueue.Pop(ctx)
		if closed {
			return processed, nil
		}
		if limit > 0 && stat.RecordsMapped >= limit {
			stat.RecordsDropped++
			continue
		}
		if err := table.Map(stageCtx, rec); err != nil {
			stat.ParseErrors++
			if e.varz != nil {
				e.varz.ParseErrors().Add(1)
			}
			log.Warn().Err(err).Str("operator", table.Operator).Msg("pipeline mapper: map function failed")
			// Still counts as mapped: the record was popped off the queue
			// and handed to Map, so it belongs in the numerator of the
			// pushed == popped + dropped identity, not left in neither.
		}
		stat.RecordsMapped++
		processed++
		if processed%1000 == 0 {
			ctx.Yield()
		}
	}
}
