package completion

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/autoparallel/distattr"
	"github.com/gomlx/autoparallel/program"
)

func must[T any](value T, err error) T {
	if err != nil {
		panic(err)
	}
	return value
}

func TestBasic_CompleteBackward(t *testing.T) {
	mesh := must(distattr.NewProcessMesh("mesh0", []int{4}, nil))
	ctx := distattr.NewContext()
	p := program.New("dist_main")

	w := must(p.CreateVar(&program.Variable{
		Name: "w", Shape: []int{64, 64}, DType: dtypes.Float32,
		Kind: program.Parameter, Trainable: true,
	}))
	wGrad := must(p.CreateVar(&program.Variable{Name: "w@GRAD", Shape: []int{64, 64}, DType: dtypes.Float32}))
	ctx.SetTensorAttr(w, distattr.NewTensorAttr(mesh, []int{0, distattr.NotDistributed}))

	gradOp := p.AppendOp(&program.Operator{
		Type:    "matmul_grad",
		Role:    program.Backward,
		Inputs:  map[string][]string{"Y": {"w"}},
		Outputs: map[string][]string{"Y@GRAD": {"w@GRAD"}},
	})

	require.NoError(t, Basic{}.CompleteBackward(p, ctx))

	t.Run("gradient variable inherits the base mapping", func(t *testing.T) {
		attr := ctx.TensorAttr(wGrad)
		require.NotNil(t, attr)
		assert.Equal(t, []int{0, distattr.NotDistributed}, attr.DimsMapping)
		assert.Same(t, mesh, attr.Mesh)
	})

	t.Run("backward operator gets annotated", func(t *testing.T) {
		attr := ctx.OpAttr(gradOp)
		require.NotNil(t, attr)
		assert.Same(t, mesh, attr.Mesh)
		assert.Equal(t, []int{0, distattr.NotDistributed}, attr.InputDims["w"])
		assert.Equal(t, []int{0, distattr.NotDistributed}, attr.OutputDims["w@GRAD"])
	})

	t.Run("existing annotations are preserved", func(t *testing.T) {
		before := ctx.TensorAttr(w)
		require.NoError(t, Basic{}.CompleteBackward(p, ctx))
		assert.Same(t, before, ctx.TensorAttr(w))
	})
}

func TestBasic_CompleteUpdate(t *testing.T) {
	mesh := must(distattr.NewProcessMesh("mesh0", []int{4}, nil))
	ctx := distattr.NewContext()
	p := program.New("dist_main")

	w := must(p.CreateVar(&program.Variable{
		Name: "w", Shape: []int{64}, DType: dtypes.Float32,
		Kind: program.Parameter, Trainable: true,
	}))
	ctx.SetTensorAttr(w, distattr.Replicated(mesh, 1))
	lr := must(p.CreateVar(&program.Variable{
		Name: "learning_rate_0", Shape: []int{1}, DType: dtypes.Float32,
		BelongsToOptimizer: true,
	}))
	sgd := p.AppendOp(&program.Operator{
		Type:    "sgd",
		Role:    program.Optimize,
		Inputs:  map[string][]string{"Param": {"w"}, "LearningRate": {"learning_rate_0"}},
		Outputs: map[string][]string{"ParamOut": {"w"}},
	})

	require.NoError(t, Basic{}.CompleteUpdate(p, ctx))

	attr := ctx.TensorAttr(lr)
	require.NotNil(t, attr)
	assert.False(t, attr.IsDistributed())

	opAttr := ctx.OpAttr(sgd)
	require.NotNil(t, opAttr)
	assert.Equal(t, []int{distattr.NotDistributed}, opAttr.InputDims["w"])
}

func TestBasic_CompleteUpdate_NoMesh(t *testing.T) {
	p := program.New("dist_main")
	must(p.CreateVar(&program.Variable{Name: "w", Shape: []int{4}, DType: dtypes.Float32}))
	err := Basic{}.CompleteUpdate(p, distattr.NewContext())
	require.Error(t, err)
}
