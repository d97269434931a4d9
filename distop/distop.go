// Package distop holds the registry of distributed-operator implementations.
//
// For each operator type zero or more implementations can be registered, each
// declaring whether it supports the forward and/or backward transform. The
// partitioner selects an implementation by the (operator type, implementation
// index) chosen upstream by the annotation pass, and falls back to the
// universal replicate implementation registered under DefaultOpType when no
// specialized one applies.
package distop

import (
	"github.com/pkg/errors"

	"github.com/gomlx/autoparallel/program"
)

// DefaultOpType is the reserved operator type of the universal replicate
// fallback. A registry must always resolve ("default", 0).
const DefaultOpType = "default"

// Implementation transforms one serial operator into its distributed
// counterpart(s), emitting operators into the destination program held by the
// PartitionContext.
type Implementation interface {
	// ForwardSupported reports whether Forward is implemented.
	ForwardSupported() bool

	// BackwardSupported reports whether Backward is implemented.
	BackwardSupported() bool

	// Forward emits the distributed operator(s) for a forward-pass source
	// operator into the destination program, plus any auxiliary
	// communication operators. It returns the operators it emitted.
	Forward(pc *PartitionContext) ([]*program.Operator, error)

	// Backward transforms a gradient operator whose forward counterpart
	// used this implementation. Unlike Forward, the source operator already
	// lives in the destination program (the autodiff pass appends in
	// place); Backward only augments it, e.g. with gradient-synchronization
	// collectives. It returns the operators it emitted, if any.
	Backward(pc *PartitionContext) ([]*program.Operator, error)
}

// Set is the ordered list of implementations registered for one operator
// type.
type Set []Implementation

// Get returns the implementation at the given index.
func (s Set) Get(idx int) (Implementation, error) {
	if idx < 0 || idx >= len(s) {
		return nil, errors.Errorf("implementation index %d out of range (have %d implementations)", idx, len(s))
	}
	return s[idx], nil
}

// Registry maps operator types to their registered distributed
// implementations.
type Registry struct {
	impls map[string]Set
}

// NewRegistry creates a registry pre-populated with the replicate fallback at
// (DefaultOpType, 0) and the built-in matmul implementations.
func NewRegistry() *Registry {
	r := &Registry{impls: make(map[string]Set)}
	r.Register(DefaultOpType, Replicate{})
	r.Register("matmul", RowParallelMatmul{})
	return r
}

// Register appends the implementation for the operator type; its index is its
// position in the registration order.
func (r *Registry) Register(opType string, impl Implementation) {
	r.impls[opType] = append(r.impls[opType], impl)
}

// Lookup returns the implementation set for the operator type, or nil if none
// is registered.
func (r *Registry) Lookup(opType string) Set {
	return r.impls[opType]
}

// Default returns the universal replicate fallback implementation.
func (r *Registry) Default() (Implementation, error) {
	set := r.Lookup(DefaultOpType)
	if set == nil {
		return nil, errors.Errorf("registry is missing the mandatory %q implementation", DefaultOpType)
	}
	return set.Get(0)
}
