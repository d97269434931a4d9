package distattr

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"

	"github.com/gomlx/autoparallel/program"
)

func TestTensorAttr(t *testing.T) {
	mesh := must(NewProcessMesh("mesh0", []int{2, 2}, nil))

	t.Run("replicated", func(t *testing.T) {
		attr := Replicated(mesh, 3)
		assert.Equal(t, []int{NotDistributed, NotDistributed, NotDistributed}, attr.DimsMapping)
		assert.False(t, attr.IsDistributed())
	})

	t.Run("distributed", func(t *testing.T) {
		attr := NewTensorAttr(mesh, []int{0, NotDistributed})
		assert.True(t, attr.IsDistributed())
	})

	t.Run("clone independence", func(t *testing.T) {
		attr := NewTensorAttr(mesh, []int{0, 1})
		c := attr.Clone()
		c.DimsMapping[0] = NotDistributed
		assert.Equal(t, []int{0, 1}, attr.DimsMapping)
		assert.Same(t, attr.Mesh, c.Mesh)
	})
}

func TestOpAttr(t *testing.T) {
	mesh := must(NewProcessMesh("mesh0", []int{4}, nil))

	t.Run("chained setup", func(t *testing.T) {
		attr := NewOpAttr(mesh).
			SetInputDims("x", []int{0, NotDistributed}).
			SetOutputDims("out", []int{0, NotDistributed}).
			WithImpl(0)
		assert.Equal(t, 0, attr.ImplIdx)
		assert.Equal(t, []int{0, NotDistributed}, attr.InputDims["x"])
	})

	t.Run("no impl chosen by default", func(t *testing.T) {
		assert.Equal(t, NoImplChosen, NewOpAttr(mesh).ImplIdx)
	})

	t.Run("rename", func(t *testing.T) {
		attr := NewOpAttr(mesh).
			SetInputDims("x", []int{0}).
			SetOutputDims("x", []int{0})
		attr.RenameVar("x", "x.rank0")
		assert.NotContains(t, attr.InputDims, "x")
		assert.Equal(t, []int{0}, attr.InputDims["x.rank0"])
		assert.Equal(t, []int{0}, attr.OutputDims["x.rank0"])
	})
}

func TestContext(t *testing.T) {
	mesh := must(NewProcessMesh("mesh0", []int{2}, nil))
	ctx := NewContext()

	v := &program.Variable{Name: "x", Shape: []int{4}, DType: dtypes.Float32}
	assert.Nil(t, ctx.TensorAttr(v))
	attr := NewTensorAttr(mesh, []int{0})
	ctx.SetTensorAttr(v, attr)
	assert.Same(t, attr, ctx.TensorAttr(v))

	// Attributes are keyed by identity, not by name.
	other := &program.Variable{Name: "x", Shape: []int{4}, DType: dtypes.Float32}
	assert.Nil(t, ctx.TensorAttr(other))

	op := &program.Operator{Type: "relu"}
	assert.Nil(t, ctx.OpAttr(op))
	opAttr := NewOpAttr(mesh)
	ctx.SetOpAttr(op, opAttr)
	assert.Same(t, opAttr, ctx.OpAttr(op))
}

func TestOpLinks(t *testing.T) {
	links := NewOpLinks()
	assert.Equal(t, 0, links.Len())

	links.Record(10, 2)
	links.Record(11, 3)
	// First recording wins.
	links.Record(10, 99)

	fwd, found := links.ForwardOf(10)
	assert.True(t, found)
	assert.Equal(t, 2, fwd)
	_, found = links.ForwardOf(12)
	assert.False(t, found)
	assert.Equal(t, 2, links.Len())
}
