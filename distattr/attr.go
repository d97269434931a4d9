package distattr

import (
	"slices"
)

// TensorAttr associates a variable with a process mesh and the per-dimension
// mapping describing which mesh axis each tensor dimension is split across.
// A mapping entry of NotDistributed means the dimension is replicated.
type TensorAttr struct {
	Mesh        *ProcessMesh
	DimsMapping []int
}

// NewTensorAttr creates a tensor attribute for the given mesh and dimension
// mapping.
func NewTensorAttr(mesh *ProcessMesh, dimsMapping []int) *TensorAttr {
	return &TensorAttr{
		Mesh:        mesh,
		DimsMapping: slices.Clone(dimsMapping),
	}
}

// Replicated returns a tensor attribute that replicates a tensor of the given
// rank across the whole mesh.
func Replicated(mesh *ProcessMesh, rank int) *TensorAttr {
	mapping := make([]int, rank)
	for i := range mapping {
		mapping[i] = NotDistributed
	}
	return &TensorAttr{Mesh: mesh, DimsMapping: mapping}
}

// Clone returns a deep copy of the attribute. The mesh is shared: it is
// immutable after creation.
func (a *TensorAttr) Clone() *TensorAttr {
	return NewTensorAttr(a.Mesh, a.DimsMapping)
}

// IsDistributed reports whether any tensor dimension is actually split: it
// maps to a mesh axis whose extent is larger than 1.
func (a *TensorAttr) IsDistributed() bool {
	for _, axis := range a.DimsMapping {
		if axis < 0 {
			continue
		}
		if extent, err := a.Mesh.AxisExtent(axis); err == nil && extent > 1 {
			return true
		}
	}
	return false
}

// NoImplChosen is the ImplIdx value of an operator for which no distributed
// implementation was selected.
const NoImplChosen = -1

// OpAttr associates an operator with a process mesh, per-slot-variable
// dimension mappings for its inputs and outputs, and the index of the
// registered distributed implementation chosen for it (NoImplChosen if none).
type OpAttr struct {
	Mesh *ProcessMesh

	// InputDims and OutputDims map variable names (as referenced by the
	// operator) to their dimension mapping under this operator.
	InputDims  map[string][]int
	OutputDims map[string][]int

	ImplIdx int
}

// NewOpAttr creates an empty operator attribute on the given mesh, with no
// implementation chosen.
func NewOpAttr(mesh *ProcessMesh) *OpAttr {
	return &OpAttr{
		Mesh:       mesh,
		InputDims:  make(map[string][]int),
		OutputDims: make(map[string][]int),
		ImplIdx:    NoImplChosen,
	}
}

// SetInputDims records the dimension mapping of an input variable.
// It returns the attribute, so calls can be chained.
func (a *OpAttr) SetInputDims(varName string, dimsMapping []int) *OpAttr {
	a.InputDims[varName] = slices.Clone(dimsMapping)
	return a
}

// SetOutputDims records the dimension mapping of an output variable.
// It returns the attribute, so calls can be chained.
func (a *OpAttr) SetOutputDims(varName string, dimsMapping []int) *OpAttr {
	a.OutputDims[varName] = slices.Clone(dimsMapping)
	return a
}

// WithImpl selects the distributed implementation index.
// It returns the attribute, so calls can be chained.
func (a *OpAttr) WithImpl(idx int) *OpAttr {
	a.ImplIdx = idx
	return a
}

// Clone returns a deep copy of the attribute (the mesh is shared).
func (a *OpAttr) Clone() *OpAttr {
	c := NewOpAttr(a.Mesh)
	c.ImplIdx = a.ImplIdx
	for name, dims := range a.InputDims {
		c.InputDims[name] = slices.Clone(dims)
	}
	for name, dims := range a.OutputDims {
		c.OutputDims[name] = slices.Clone(dims)
	}
	return c
}

// RenameVar moves the recorded dimension mappings from oldName to newName, in
// both input and output tables. Used when an operator's variable references
// are renamed to their distributed counterparts.
func (a *OpAttr) RenameVar(oldName, newName string) {
	if dims, found := a.InputDims[oldName]; found {
		delete(a.InputDims, oldName)
		a.InputDims[newName] = dims
	}
	if dims, found := a.OutputDims[oldName]; found {
		delete(a.OutputDims, oldName)
		a.OutputDims[newName] = dims
	}
}
