package autoparallel_test

import (
	"fmt"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/autoparallel"
	"github.com/gomlx/autoparallel/autodiff"
	"github.com/gomlx/autoparallel/completion"
	"github.com/gomlx/autoparallel/distattr"
	"github.com/gomlx/autoparallel/distop"
	"github.com/gomlx/autoparallel/optim"
	"github.com/gomlx/autoparallel/program"
)

// fixture is an annotated serial training session on a 2x2 mesh: the
// activation batch is split along mesh axis 0 and the matmul reduction
// dimension along mesh axis 1.
//
//	out  = matmul(x, w)    x: [16, 256] @ [0, 1]   w: [256, 64] @ [1, -1]
//	loss = reduce_mean(out)                      out: [16, 64]  @ [0, -1]
type fixture struct {
	mesh    *distattr.ProcessMesh
	ctx     *distattr.Context
	main    *program.Program
	startup *program.Program
	loss    *program.Variable
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		mesh:    must.M1(distattr.NewProcessMesh("mesh0", []int{2, 2}, nil)),
		ctx:     distattr.NewContext(),
		main:    program.New("main"),
		startup: program.New("startup"),
	}
	r := distattr.NotDistributed

	x := must.M1(f.main.CreateVar(&program.Variable{
		Name: "x", Shape: []int{16, 256}, DType: dtypes.Float32,
		IsData: true, StopGradient: true,
	}))
	w := must.M1(f.main.CreateVar(&program.Variable{
		Name: "w", Shape: []int{256, 64}, DType: dtypes.Float32,
		Kind: program.Parameter, Trainable: true, Persistable: true,
	}))
	out := must.M1(f.main.CreateVar(&program.Variable{Name: "out", Shape: []int{16, 64}, DType: dtypes.Float32}))
	f.loss = must.M1(f.main.CreateVar(&program.Variable{Name: "loss", Shape: []int{1}, DType: dtypes.Float32}))

	f.ctx.SetTensorAttr(x, distattr.NewTensorAttr(f.mesh, []int{0, 1}))
	f.ctx.SetTensorAttr(w, distattr.NewTensorAttr(f.mesh, []int{1, r}))
	f.ctx.SetTensorAttr(out, distattr.NewTensorAttr(f.mesh, []int{0, r}))
	f.ctx.SetTensorAttr(f.loss, distattr.NewTensorAttr(f.mesh, []int{r}))

	matmul := f.main.AppendOp(&program.Operator{
		Type:    "matmul",
		Role:    program.Forward,
		Inputs:  map[string][]string{"X": {"x"}, "Y": {"w"}},
		Outputs: map[string][]string{"Out": {"out"}},
	})
	f.ctx.SetOpAttr(matmul, distattr.NewOpAttr(f.mesh).
		SetInputDims("x", []int{0, 1}).
		SetInputDims("w", []int{1, r}).
		SetOutputDims("out", []int{0, r}).
		WithImpl(0))

	mean := f.main.AppendOp(&program.Operator{
		Type:    "reduce_mean",
		Role:    program.Loss,
		Inputs:  map[string][]string{"X": {"out"}},
		Outputs: map[string][]string{"Out": {"loss"}},
	})
	f.ctx.SetOpAttr(mean, distattr.NewOpAttr(f.mesh).
		SetInputDims("out", []int{0, r}).
		SetOutputDims("loss", []int{r}))

	must.M1(f.startup.CreateVar(w.Clone()))
	f.startup.AppendOp(&program.Operator{
		Type:    "fill_constant",
		Role:    program.Forward,
		Outputs: map[string][]string{"Out": {"w"}},
		Attrs:   map[string]any{"shape": []int{256, 64}, "value": 0.02},
	})
	return f
}

func (f *fixture) newPartitioner(t *testing.T, rank int) *autoparallel.Partitioner {
	t.Helper()
	p := must.M1(autoparallel.NewPartitioner(autoparallel.DefaultStrategy(), f.ctx, rank))
	return p.WithDifferentiator(autodiff.Engine{}).WithCompleter(completion.Basic{})
}

// requireClosed asserts every variable an operator references exists in the
// program.
func requireClosed(t *testing.T, p *program.Program) {
	t.Helper()
	for _, op := range p.Ops() {
		for _, name := range append(op.InputArgNames(), op.OutputArgNames()...) {
			require.True(t, p.HasVar(name), "operator %s #%d references %q, absent from program %q",
				op.Type, op.ID, name, p.Name())
		}
	}
}

func TestTranspileForward(t *testing.T) {
	f := newFixture(t)
	p := f.newPartitioner(t, 0)
	distMain, distStartup := must.M2(p.TranspileForward(f.main, f.startup))

	t.Run("local shard shapes", func(t *testing.T) {
		assert.Equal(t, []int{8, 128}, must.M1(distMain.Var("x")).Shape)
		assert.Equal(t, []int{128, 64}, must.M1(distMain.Var("w")).Shape)
		assert.Equal(t, []int{8, 64}, must.M1(distMain.Var("out")).Shape)
		assert.Equal(t, []int{1}, must.M1(distMain.Var("loss")).Shape)
	})

	t.Run("variable metadata survives", func(t *testing.T) {
		w := must.M1(distMain.Var("w"))
		assert.Equal(t, program.Parameter, w.Kind)
		assert.True(t, w.Trainable)
		assert.True(t, w.Persistable)
	})

	t.Run("matmul gets its partial-sum all-reduce", func(t *testing.T) {
		ops := distMain.Ops()
		require.Len(t, ops, 3)
		assert.Equal(t, "matmul", ops[0].Type)
		assert.Equal(t, "all_reduce_sum", ops[1].Type)
		assert.Equal(t, "reduce_mean", ops[2].Type)
		// Reduction dimension lives on mesh axis 1: groups {0,1} and {2,3}.
		assert.Equal(t, []int{0, 1, 2, 3}, ops[1].Attrs["replica_groups"])
		assert.Equal(t, 2, ops[1].Attrs["group_size"])
		assert.Equal(t, []string{"out"}, ops[1].Outputs["Out"])

		// The collective is annotated like every other distributed op.
		attr := f.ctx.OpAttr(ops[1])
		require.NotNil(t, attr)
		assert.Equal(t, []int{0, distattr.NotDistributed}, attr.OutputDims["out"])
	})

	t.Run("loss op replicated by the fallback", func(t *testing.T) {
		mean := distMain.Ops()[2]
		assert.Equal(t, program.Loss, mean.Role)
		assert.Equal(t, []string{"out"}, mean.Inputs["X"])
		assert.Equal(t, []string{"loss"}, mean.Outputs["Out"])
	})

	t.Run("startup initializer resized", func(t *testing.T) {
		require.NotNil(t, distStartup)
		assert.Equal(t, []int{128, 64}, must.M1(distStartup.Var("w")).Shape)
		require.Len(t, distStartup.Ops(), 1)
		fill := distStartup.Ops()[0]
		assert.Equal(t, "fill_constant", fill.Type)
		assert.Equal(t, []int{128, 64}, fill.Attrs["shape"])
		assert.Equal(t, 0.02, fill.Attrs["value"])
	})

	t.Run("referential closure", func(t *testing.T) {
		requireClosed(t, distMain)
		requireClosed(t, distStartup)
	})

	t.Run("serial program untouched", func(t *testing.T) {
		assert.Equal(t, []int{256, 64}, must.M1(f.main.Var("w")).Shape)
		assert.Len(t, f.main.Ops(), 2)
	})

	t.Run("distributed attributes registered", func(t *testing.T) {
		attr := f.ctx.TensorAttr(must.M1(distMain.Var("w")))
		require.NotNil(t, attr)
		assert.Equal(t, []int{1, distattr.NotDistributed}, attr.DimsMapping)
	})
}

func TestTranspileForward_ReplicateFallback(t *testing.T) {
	f := newFixture(t)
	// Deselect the specialized matmul implementation: every operator then
	// goes through the replicate fallback and is copied unchanged, only the
	// variables shrink to their local shapes.
	matmul := f.main.Ops()[0]
	f.ctx.SetOpAttr(matmul, f.ctx.OpAttr(matmul).Clone().WithImpl(distattr.NoImplChosen))

	p := f.newPartitioner(t, 0).WithRegistry(distop.NewRegistry())
	distMain, _ := must.M2(p.TranspileForward(f.main, f.startup))

	require.Len(t, distMain.Ops(), 2)
	assert.Equal(t, "matmul", distMain.Ops()[0].Type)
	assert.Equal(t, "reduce_mean", distMain.Ops()[1].Type)
	assert.Equal(t, []int{128, 64}, must.M1(distMain.Var("w")).Shape)
}

func TestTranspileForward_Deterministic(t *testing.T) {
	render := func() string {
		f := newFixture(t)
		distMain, _ := must.M2(f.newPartitioner(t, 0).TranspileForward(f.main, f.startup))
		return distMain.String()
	}
	first := render()
	fmt.Printf("%s program:\n%s", t.Name(), first)
	for range 3 {
		assert.Equal(t, first, render())
	}
}

func TestTranspileForward_DistSuffix(t *testing.T) {
	f := newFixture(t)
	p := f.newPartitioner(t, 1).WithDistSuffix(".rank1")
	distMain, _ := must.M2(p.TranspileForward(f.main, f.startup))

	assert.False(t, distMain.HasVar("w"))
	assert.Equal(t, []int{128, 64}, must.M1(distMain.Var("w.rank1")).Shape)
	matmul := distMain.Ops()[0]
	assert.Equal(t, []string{"x.rank1"}, matmul.Inputs["X"])
	assert.Equal(t, []string{"out.rank1"}, matmul.Outputs["Out"])
	requireClosed(t, distMain)
}

func TestTranspileForward_Errors(t *testing.T) {
	t.Run("uneven partition", func(t *testing.T) {
		f := newFixture(t)
		must.M1(f.main.Var("w")).Shape = []int{255, 64}
		_, _, err := f.newPartitioner(t, 0).TranspileForward(f.main, f.startup)
		require.ErrorIs(t, err, autoparallel.ErrUnevenPartition)
	})

	t.Run("missing annotation", func(t *testing.T) {
		f := newFixture(t)
		must.M1(f.main.CreateVar(&program.Variable{Name: "stray", Shape: []int{4}, DType: dtypes.Float32}))
		_, _, err := f.newPartitioner(t, 0).TranspileForward(f.main, f.startup)
		require.ErrorIs(t, err, autoparallel.ErrIncompleteAnnotation)
	})

	t.Run("nil main", func(t *testing.T) {
		f := newFixture(t)
		_, _, err := f.newPartitioner(t, 0).TranspileForward(nil, nil)
		require.ErrorIs(t, err, autoparallel.ErrConfiguration)
	})

	t.Run("wildcard and replicated dims pass through", func(t *testing.T) {
		f := newFixture(t)
		x := must.M1(f.main.Var("x"))
		x.Shape = []int{program.DimUnknown, 256}
		attr := must.M1(autoparallel.LocalShape(x, f.ctx.TensorAttr(x)))
		assert.Equal(t, []int{program.DimUnknown, 128}, attr)
	})
}

func TestNewPartitioner_Errors(t *testing.T) {
	ctx := distattr.NewContext()
	_, err := autoparallel.NewPartitioner(nil, ctx, 0)
	require.ErrorIs(t, err, autoparallel.ErrConfiguration)
	_, err = autoparallel.NewPartitioner(autoparallel.DefaultStrategy(), nil, 0)
	require.ErrorIs(t, err, autoparallel.ErrConfiguration)
	_, err = autoparallel.NewPartitioner(autoparallel.DefaultStrategy(), ctx, -1)
	require.ErrorIs(t, err, autoparallel.ErrConfiguration)
}

func TestApplyBackward(t *testing.T) {
	f := newFixture(t)
	p := f.newPartitioner(t, 0)
	distMain, distStartup := must.M2(p.TranspileForward(f.main, f.startup))
	forwardOps := len(distMain.Ops())

	pairs, err := p.ApplyBackward(f.loss, f.main, f.startup, distMain, distStartup, nil, nil, nil)
	require.NoError(t, err)

	t.Run("pairs", func(t *testing.T) {
		require.Len(t, pairs, 1)
		assert.Equal(t, "w", pairs[0].Param.Name)
		assert.Equal(t, "w@GRAD", pairs[0].Grad.Name)
		assert.Equal(t, []int{128, 64}, pairs[0].Grad.Shape)
	})

	t.Run("gradient operators appended after forward", func(t *testing.T) {
		ops := distMain.Ops()
		require.Greater(t, len(ops), forwardOps)
		for _, op := range ops[forwardOps:] {
			assert.Equal(t, program.Backward, op.Role)
		}
	})

	t.Run("weight gradient synchronized across the batch axis", func(t *testing.T) {
		var syncs []*program.Operator
		for _, op := range distMain.Ops() {
			if op.Type == "all_reduce_sum" && op.Role == program.Backward {
				syncs = append(syncs, op)
			}
		}
		require.Len(t, syncs, 1)
		assert.Equal(t, []string{"w@GRAD"}, syncs[0].Inputs["X"])
		// Batch dimension lives on mesh axis 0: groups {0,2} and {1,3}.
		assert.Equal(t, []int{0, 2, 1, 3}, syncs[0].Attrs["replica_groups"])
		assert.Equal(t, 2, syncs[0].Attrs["group_size"])

		attr := f.ctx.OpAttr(syncs[0])
		require.NotNil(t, attr)
		assert.Equal(t, []int{1, distattr.NotDistributed}, attr.InputDims["w@GRAD"])
	})

	t.Run("gradient attributes completed", func(t *testing.T) {
		grad := must.M1(distMain.Var("w@GRAD"))
		attr := f.ctx.TensorAttr(grad)
		require.NotNil(t, attr)
		assert.Equal(t, []int{1, distattr.NotDistributed}, attr.DimsMapping)
	})

	t.Run("referential closure", func(t *testing.T) {
		requireClosed(t, distMain)
	})
}

func TestApplyBackward_Errors(t *testing.T) {
	t.Run("before forward", func(t *testing.T) {
		f := newFixture(t)
		p := f.newPartitioner(t, 0)
		_, err := p.ApplyBackward(f.loss, f.main, f.startup, program.New("dist_main"), nil, nil, nil, nil)
		require.ErrorIs(t, err, autoparallel.ErrLookup)
	})

	t.Run("non-scalar loss", func(t *testing.T) {
		f := newFixture(t)
		p := f.newPartitioner(t, 0)
		distMain, distStartup := must.M2(p.TranspileForward(f.main, f.startup))
		badLoss := &program.Variable{Name: "loss", Shape: []int{8}, DType: dtypes.Float32}
		_, err := p.ApplyBackward(badLoss, f.main, f.startup, distMain, distStartup, nil, nil, nil)
		require.ErrorIs(t, err, autoparallel.ErrInvalidLoss)
	})

	t.Run("missing collaborators", func(t *testing.T) {
		f := newFixture(t)
		p := must.M1(autoparallel.NewPartitioner(autoparallel.DefaultStrategy(), f.ctx, 0))
		distMain, distStartup := must.M2(p.TranspileForward(f.main, f.startup))
		_, err := p.ApplyBackward(f.loss, f.main, f.startup, distMain, distStartup, nil, nil, nil)
		require.ErrorIs(t, err, autoparallel.ErrConfiguration)
	})

	t.Run("auto backward disabled", func(t *testing.T) {
		f := newFixture(t)
		p := f.newPartitioner(t, 0).WithoutAutoBackward()
		_, err := p.ApplyBackward(f.loss, f.main, f.startup, program.New("dist_main"), nil, nil, nil, nil)
		require.ErrorIs(t, err, autoparallel.ErrNotImplemented)
	})
}

func TestSharding_FailsFast(t *testing.T) {
	f := newFixture(t)
	strategy := &autoparallel.Strategy{Sharding: true, ShardingDegree: 4, GradientSync: true}
	p := must.M1(autoparallel.NewPartitioner(strategy, f.ctx, 0))
	p.WithDifferentiator(autodiff.Engine{}).WithCompleter(completion.Basic{})

	_, _, err := p.TranspileForward(f.main, f.startup)
	require.ErrorIs(t, err, autoparallel.ErrShardingNotSupported)

	distMain := program.New("dist_main")
	_, err = p.ApplyBackward(f.loss, f.main, f.startup, distMain, nil, nil, nil, nil)
	require.ErrorIs(t, err, autoparallel.ErrShardingNotSupported)

	_, err = p.ApplyOptimize(optim.NewSGD(0.1), nil, distMain, nil)
	require.ErrorIs(t, err, autoparallel.ErrShardingNotSupported)
}

func TestFullPipeline(t *testing.T) {
	f := newFixture(t)
	p := f.newPartitioner(t, 0)

	distMain, distStartup := must.M2(p.TranspileForward(f.main, f.startup))
	pairs, err := p.ApplyBackward(f.loss, f.main, f.startup, distMain, distStartup, nil, nil, nil)
	require.NoError(t, err)
	updateOps, err := p.ApplyOptimize(optim.NewSGD(0.01), pairs, distMain, distStartup)
	require.NoError(t, err)

	fmt.Printf("%s distributed program:\n%s", t.Name(), distMain)

	t.Run("update operators", func(t *testing.T) {
		require.Len(t, updateOps, 1)
		sgd := updateOps[0]
		assert.Equal(t, "sgd", sgd.Type)
		assert.Equal(t, program.Optimize, sgd.Role)
		assert.Equal(t, []string{"w"}, sgd.Inputs["Param"])
		assert.Equal(t, []string{"w@GRAD"}, sgd.Inputs["Grad"])
	})

	t.Run("learning rate initialized at startup", func(t *testing.T) {
		assert.True(t, distMain.HasVar(optim.LearningRateVarName))
		assert.True(t, distStartup.HasVar(optim.LearningRateVarName))
	})

	t.Run("phase ordering of operators", func(t *testing.T) {
		lastSeen := program.Forward
		for _, op := range distMain.Ops() {
			if op.Role == program.Backward || op.Role == program.Optimize {
				require.GreaterOrEqual(t, int(op.Role), int(lastSeen))
				lastSeen = op.Role
			}
		}
	})

	t.Run("update attributes completed", func(t *testing.T) {
		lr := must.M1(distMain.Var(optim.LearningRateVarName))
		attr := f.ctx.TensorAttr(lr)
		require.NotNil(t, attr)
		assert.False(t, attr.IsDistributed())
		for _, op := range updateOps {
			require.NotNil(t, f.ctx.OpAttr(op))
		}
	})

	t.Run("referential closure", func(t *testing.T) {
		requireClosed(t, distMain)
		requireClosed(t, distStartup)
	})
}

func TestApplyOptimize_Errors(t *testing.T) {
	f := newFixture(t)
	p := f.newPartitioner(t, 0)
	distMain := program.New("dist_main")
	_, err := p.ApplyOptimize(nil, nil, distMain, nil)
	require.ErrorIs(t, err, autoparallel.ErrConfiguration)
	_, err = p.ApplyOptimize(optim.NewSGD(0.1), nil, nil, nil)
	require.ErrorIs(t, err, autoparallel.ErrConfiguration)
}

func TestTranspileForward_ReaderAndBlockExternal(t *testing.T) {
	f := newFixture(t)
	reader := must.M1(f.main.CreateVar(&program.Variable{
		Name: "reader_0", Shape: []int{2}, DType: dtypes.Float32, Kind: program.Reader,
	}))
	f.ctx.SetTensorAttr(reader, distattr.Replicated(f.mesh, 1))
	read := f.main.AppendOp(&program.Operator{
		Type:    "read",
		Role:    program.Forward,
		Inputs:  map[string][]string{"Reader": {"reader_0"}, "Queue": {"stream_blocking_queue_0"}},
		Outputs: map[string][]string{"Out": {"x"}},
	})
	f.ctx.SetOpAttr(read, distattr.NewOpAttr(f.mesh))

	distMain, _ := must.M2(f.newPartitioner(t, 0).TranspileForward(f.main, f.startup))

	// Reader variables are recreated untouched and marked persistent; the
	// block-external queue name passes through without a descriptor.
	distReader := must.M1(distMain.Var("reader_0"))
	assert.Equal(t, []int{2}, distReader.Shape)
	assert.True(t, distReader.Persistable)
	assert.True(t, distReader.StopGradient)

	var readOp *program.Operator
	for _, op := range distMain.Ops() {
		if op.Type == "read" {
			readOp = op
		}
	}
	require.NotNil(t, readOp)
	assert.Equal(t, []string{"stream_blocking_queue_0"}, readOp.Inputs["Queue"])
	assert.False(t, distMain.HasVar("stream_blocking_queue_0"))
}

func TestPartitioner_Rank(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, 3, f.newPartitioner(t, 3).Rank())
}
