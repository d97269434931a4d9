package program

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
)

// DimUnknown is the wildcard dimension size: the extent is unspecified (e.g.,
// a batch dimension bound at feed time). Wildcard dimensions are never
// resized when a variable is partitioned.
const DimUnknown = -1

// VarKind distinguishes the roles a variable can play in a program.
type VarKind int

//go:generate go tool enumer -type=VarKind variable.go

const (
	// Dense is an ordinary tensor.
	Dense VarKind = iota

	// Parameter is a trainable tensor initialized by the startup program.
	Parameter

	// Reader is a data-stream handle, not a tensor: it has no meaningful
	// shape and is never resized.
	Reader
)

// Variable describes a named tensor (or stream handle) in a Program.
//
// The parameter metadata fields (Trainable, NeedClip, DoModelAverage,
// Regularizer, ErrorClip, BelongsToOptimizer) must be copied verbatim
// whenever a variable is re-created in another program.
type Variable struct {
	Name  string
	Shape []int
	DType dtypes.DType
	Kind  VarKind

	Persistable  bool
	StopGradient bool
	IsData       bool

	// Parameter metadata.
	Trainable          bool
	NeedClip           bool
	DoModelAverage     bool
	Regularizer        string
	ErrorClip          string
	BelongsToOptimizer bool
}

// Rank returns the number of dimensions of the variable.
func (v *Variable) Rank() int {
	return len(v.Shape)
}

// IsParameter reports whether the variable is a trainable parameter.
func (v *Variable) IsParameter() bool {
	return v.Kind == Parameter
}

// Clone returns a deep copy of the variable.
func (v *Variable) Clone() *Variable {
	c := *v
	c.Shape = slices.Clone(v.Shape)
	return &c
}
