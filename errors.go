package autoparallel

import (
	"github.com/pkg/errors"
)

// Every fault in this package is a hard stop: there is no retry policy, and
// callers must discard partially-built destination programs on failure.
//
// The sentinel errors below classify the faults; they are wrapped with
// context and matched with errors.Is.
var (
	// ErrConfiguration indicates wrong or missing collaborators supplied to
	// the partitioner. Raised at call entry, before any mutation.
	ErrConfiguration = errors.New("invalid partitioner configuration")

	// ErrIncompleteAnnotation indicates the serial program has operators or
	// variables without a distribution attribute. Partitioning never guesses
	// a default distribution.
	ErrIncompleteAnnotation = errors.New("serial program is not fully annotated")

	// ErrShapeMismatch indicates a variable's rank differs from the length
	// of its dimension mapping.
	ErrShapeMismatch = errors.New("variable shape and dims mapping do not match")

	// ErrUnevenPartition indicates a dimension's global size is not evenly
	// divisible by the extent of the mesh axis it is split across.
	ErrUnevenPartition = errors.New("uneven partition")

	// ErrLookup indicates a serial variable name is missing from the
	// renaming table (or its distributed counterpart from the distributed
	// program): backward was invoked before forward partitioning, or against
	// a mismatched program pair.
	ErrLookup = errors.New("variable not found in renaming table")

	// ErrInvalidLoss indicates the loss variable is not a scalar of shape
	// [1].
	ErrInvalidLoss = errors.New("loss variable must have shape [1]")

	// ErrShardingNotSupported is raised by the sharding-strategy rewrite
	// hooks, which are not implemented yet.
	ErrShardingNotSupported = errors.New("sharding strategy is not supported in auto-parallel yet")

	// ErrNotImplemented is raised when the partitioner was flagged as not
	// compatible with automatic backward generation.
	ErrNotImplemented = errors.New("backward transpile without auto-backward is not implemented")
)
