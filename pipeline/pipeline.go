// Package pipeline implements the runtime's map/shuffle batch executor
// (spec.md 4.7): a shared file-name queue feeds per-reactor worker
// fibers that decode records into a per-reactor bounded record queue,
// consumed by a per-reactor mapper fiber that invokes a user function
// via a runner-supplied stage context.
package pipeline

import (
	"github.com/xtaci/fiberio/reactor"
)

// FileSpec is one glob pattern plus the format tag the runner should
// use to decode files it matches, per spec.md 6 ("Input specs carry
// {name, file_spec[]{url_glob, format}}").
type FileSpec struct {
	URLGlob string
	Format  string
}

// InputSpec names a group of FileSpecs belonging to one logical input.
type InputSpec struct {
	Name      string
	FileSpecs []FileSpec
}

// fileItem is the (url, input-spec) pair carried through the shared
// file-name queue (spec.md 3's "File-name Queue" entity).
type fileItem struct {
	URL    string
	Format string
	Input  string
}

// MapFunc is the user do-function invoked by each reactor's mapper
// fiber for every record not dropped by map_limit.
type MapFunc func(stageCtx interface{}, record []byte) error

// Table names the operator being run and the function it applies to
// each record.
type Table struct {
	Operator string
	Map      MapFunc
}

// Runner is the external collaborator the pipeline core consumes,
// exactly spec.md 6's "exposed runner interface": file format decoding,
// glob expansion and operator lifecycle hooks stay out of this
// package's scope and are supplied by the embedding application.
type Runner interface {
	Init() error
	Shutdown() error
	OperatorStart(operator string) error
	OperatorEnd(operator string) error
	ExpandGlob(pattern string, visit func(path string) error) error
	ProcessFile(ctx *reactor.Fiber, path, format string, records *RecordQueue) (processedCount int, err error)
	CreateContext(operator string) (interface{}, error)
}
