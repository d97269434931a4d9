package distattr

import (
	"github.com/gomlx/autoparallel/program"
)

// Context is the distribution-attribute store: it maps variables and
// operators (by identity) to their distribution attributes. One Context spans
// both the serial and the distributed programs of a partitioning session.
//
// The store is read-mostly: the partitioner only appends attributes for the
// variables and operators it creates, it never overwrites existing entries.
type Context struct {
	tensorAttrs map[*program.Variable]*TensorAttr
	opAttrs     map[*program.Operator]*OpAttr
}

// NewContext creates an empty attribute store.
func NewContext() *Context {
	return &Context{
		tensorAttrs: make(map[*program.Variable]*TensorAttr),
		opAttrs:     make(map[*program.Operator]*OpAttr),
	}
}

// TensorAttr returns the attribute of the variable, or nil if none was
// registered.
func (c *Context) TensorAttr(v *program.Variable) *TensorAttr {
	return c.tensorAttrs[v]
}

// SetTensorAttr registers the attribute of the variable.
func (c *Context) SetTensorAttr(v *program.Variable, attr *TensorAttr) {
	c.tensorAttrs[v] = attr
}

// OpAttr returns the attribute of the operator, or nil if none was
// registered.
func (c *Context) OpAttr(op *program.Operator) *OpAttr {
	return c.opAttrs[op]
}

// SetOpAttr registers the attribute of the operator.
func (c *Context) SetOpAttr(op *program.Operator, attr *OpAttr) {
	c.opAttrs[op] = attr
}

// OpLinks is the cross-reference from gradient-operator id to the id of the
// forward operator it differentiates. It is built append-only by the autodiff
// collaborator as it emits gradient operators, and consumed by the backward
// transpiler to dispatch distributed backward implementations.
type OpLinks struct {
	gradToFwd map[int]int
}

// NewOpLinks creates an empty cross-reference table.
func NewOpLinks() *OpLinks {
	return &OpLinks{gradToFwd: make(map[int]int)}
}

// Record links a gradient operator to its forward operator. The table is
// append-only: the first recording for a gradient operator wins.
func (l *OpLinks) Record(gradOpID, fwdOpID int) {
	if _, found := l.gradToFwd[gradOpID]; found {
		return
	}
	l.gradToFwd[gradOpID] = fwdOpID
}

// ForwardOf returns the forward operator id linked to the gradient operator,
// if any.
func (l *OpLinks) ForwardOf(gradOpID int) (int, bool) {
	fwdID, found := l.gradToFwd[gradOpID]
	return fwdID, found
}

// Len returns the number of recorded links.
func (l *OpLinks) Len() int {
	return len(l.gradToFwd)
}
