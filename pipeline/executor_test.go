package pipeline_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xtaci/fiberio/pipeline"
	"github.com/xtaci/fiberio/reactor"
)

// memRunner is a minimal in-memory Runner for tests: each "glob
// pattern" is treated as a literal fake file name whose record count
// is looked up in counts. blockPath, if set, makes ProcessFile stall
// (cooperatively yielding) until release is set non-zero, letting a
// test synchronize with a worker fiber mid-file.
type memRunner struct {
	counts    map[string]int
	blockPath string
	release   int32
	started   chan struct{}
}

func (r *memRunner) Init() error                        { return nil }
func (r *memRunner) Shutdown() error                     { return nil }
func (r *memRunner) OperatorStart(operator string) error { return nil }
func (r *memRunner) OperatorEnd(operator string) error   { return nil }

func (r *memRunner) ExpandGlob(pattern string, visit func(path string) error) error {
	return visit(pattern)
}

func (r *memRunner) ProcessFile(ctx *reactor.Fiber, path, format string, records *pipeline.RecordQueue) (int, error) {
	if r.blockPath != "" && path == r.blockPath {
		close(r.started)
		for atomic.LoadInt32(&r.release) == 0 {
			ctx.Yield()
		}
	}
	n := r.counts[path]
	for i := 0; i < n; i++ {
		records.Push(ctx, []byte(fmt.Sprintf("%s-%d", path, i)))
	}
	return n, nil
}

func (r *memRunner) CreateContext(operator string) (interface{}, error) {
	return nil, nil
}

func newTestPool(t *testing.T, n int) *reactor.Pool {
	t.Helper()
	p, err := reactor.NewPool(n)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// TestPipelineTwoFilesTwentyRecords is spec.md §8 scenario 3: two
// dummy input files each producing 10 records feed a mapper that
// appends to a shared vector; the final vector has 20 elements
// regardless of reactor count.
func TestPipelineTwoFilesTwentyRecords(t *testing.T) {
	pool := newTestPool(t, 3)
	runner := &memRunner{counts: map[string]int{"file-a": 10, "file-b": 10}}
	exec := pipeline.NewExecutor(pool, runner, pipeline.Config{})

	var mu sync.Mutex
	var collected []string
	table := pipeline.Table{
		Operator: "collect",
		Map: func(stageCtx interface{}, record []byte) error {
			mu.Lock()
			collected = append(collected, string(record))
			mu.Unlock()
			return nil
		},
	}

	inputs := []pipeline.InputSpec{
		{Name: "a", FileSpecs: []pipeline.FileSpec{{URLGlob: "file-a", Format: "raw"}}},
		{Name: "b", FileSpecs: []pipeline.FileSpec{{URLGlob: "file-b", Format: "raw"}}},
	}

	result, err := exec.Run(inputs, table)
	require.NoError(t, err)
	require.Nil(t, result.FirstPanic)
	require.Len(t, collected, 20)

	var totalMapped int
	for _, st := range result.Stats {
		totalMapped += st.RecordsMapped
	}
	require.Equal(t, 20, totalMapped)
}

// TestPipelineMapLimitTruncates is spec.md §8 scenario 4, adapted to a
// single reactor for a deterministic count: with map_limit=5 and 100
// input records, exactly 5 invocations of the user function are
// observed and the remaining 95 are counted as dropped.
func TestPipelineMapLimitTruncates(t *testing.T) {
	pool := newTestPool(t, 1)
	runner := &memRunner{counts: map[string]int{"big-file": 100}}
	exec := pipeline.NewExecutor(pool, runner, pipeline.Config{MapLimit: 5})

	var invocations int
	table := pipeline.Table{
		Operator: "count",
		Map: func(stageCtx interface{}, record []byte) error {
			invocations++
			return nil
		},
	}

	inputs := []pipeline.InputSpec{
		{Name: "big", FileSpecs: []pipeline.FileSpec{{URLGlob: "big-file", Format: "raw"}}},
	}

	result, err := exec.Run(inputs, table)
	require.NoError(t, err)
	require.Equal(t, 5, invocations)

	require.Len(t, result.Stats, 1)
	require.Equal(t, 5, result.Stats[0].RecordsMapped)
	require.Equal(t, 95, result.Stats[0].RecordsDropped)
}

// TestPipelineStopDropsRemainingInputs verifies Stop() closes the
// file-name queue and drops whatever was still queued, per spec.md
// 4.7's Stop() contract ("remaining specs are dropped"): a single
// worker is kept busy on one file while a second sits in the queue;
// Stop() during that window means the second file is never processed.
func TestPipelineStopDropsRemainingInputs(t *testing.T) {
	pool := newTestPool(t, 1)
	runner := &memRunner{
		counts:    map[string]int{"blocking-file": 1, "queued-file": 1},
		blockPath: "blocking-file",
		started:   make(chan struct{}),
	}
	exec := pipeline.NewExecutor(pool, runner, pipeline.Config{})

	table := pipeline.Table{
		Operator: "noop",
		Map:      func(stageCtx interface{}, record []byte) error { return nil },
	}
	inputs := []pipeline.InputSpec{
		{Name: "blocking", FileSpecs: []pipeline.FileSpec{{URLGlob: "blocking-file", Format: "raw"}}},
		{Name: "queued", FileSpecs: []pipeline.FileSpec{{URLGlob: "queued-file", Format: "raw"}}},
	}

	resultc := make(chan *pipeline.RunResult, 1)
	errc := make(chan error, 1)
	go func() {
		result, err := exec.Run(inputs, table)
		resultc <- result
		errc <- err
	}()

	select {
	case <-runner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never started the blocking file")
	}

	exec.Stop()
	atomic.StoreInt32(&runner.release, 1)

	select {
	case result := <-resultc:
		require.NoError(t, <-errc)
		require.Equal(t, 1, result.Stats[0].FilesProcessed)
		require.Equal(t, 1, result.Stats[0].RecordsProcessed)
	case <-time.After(5 * time.Second):
		t.Fatal("Run never returned after Stop")
	}
}
