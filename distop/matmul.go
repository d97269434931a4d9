package distop

import (
	"github.com/pkg/errors"

	"github.com/gomlx/autoparallel/distattr"
	"github.com/gomlx/autoparallel/program"
)

// RowParallelMatmul distributes a matmul whose weight is split along its rows
// (the reduction dimension): each rank computes a partial product over its
// shard and the partials are summed with an all-reduce.
//
// The weight gradient is likewise summed across ranks when the activation's
// batch dimension is sharded.
//
// Expected slots: inputs X (activation) and Y (weight), output Out.
type RowParallelMatmul struct{}

func (RowParallelMatmul) ForwardSupported() bool  { return true }
func (RowParallelMatmul) BackwardSupported() bool { return true }

// Forward emits the local matmul and, when the reduction dimension is
// sharded, an all_reduce_sum of the partial output.
func (RowParallelMatmul) Forward(pc *PartitionContext) ([]*program.Operator, error) {
	ops := []*program.Operator{pc.emitRenamedCopy()}
	if pc.Attr == nil {
		return ops, nil
	}

	srcX, err := slotVar(pc.SrcOp.Inputs, "X")
	if err != nil {
		return nil, err
	}
	xDims := pc.Attr.InputDims[srcX]
	if len(xDims) == 0 {
		return ops, nil
	}
	reduceAxis := xDims[len(xDims)-1] // mesh axis of the reduction dimension
	if !axisIsSplit(pc.Attr.Mesh, reduceAxis) {
		return ops, nil
	}

	out, err := slotVar(pc.Outputs, "Out")
	if err != nil {
		return nil, err
	}
	srcOut, err := slotVar(pc.SrcOp.Outputs, "Out")
	if err != nil {
		return nil, err
	}
	allReduce, err := newAllReduceSum(pc.Attr.Mesh, reduceAxis, out, pc.SrcOp.Role)
	if err != nil {
		return nil, err
	}
	pc.DstMain.AppendOp(allReduce)
	registerCollectiveAttr(pc, allReduce, out, pc.Attr.OutputDims[srcOut])
	return append(ops, allReduce), nil
}

// Backward augments the (already appended) gradient operator: when the
// activation's batch dimension is sharded, the weight gradient is summed
// across the batch mesh axis with an all_reduce_sum.
func (RowParallelMatmul) Backward(pc *PartitionContext) ([]*program.Operator, error) {
	if pc.Attr == nil {
		return nil, nil
	}

	x, err := slotVar(pc.SrcOp.Inputs, "X")
	if err != nil {
		return nil, err
	}
	xDims := pc.Attr.InputDims[x]
	if len(xDims) == 0 {
		return nil, nil
	}
	batchAxis := xDims[0] // mesh axis of the batch dimension
	if !axisIsSplit(pc.Attr.Mesh, batchAxis) {
		return nil, nil
	}

	weightGrad, err := slotVar(pc.Outputs, "Y"+program.GradVarSuffix)
	if err != nil {
		// The weight may be excluded from differentiation.
		return nil, nil
	}
	allReduce, err := newAllReduceSum(pc.Attr.Mesh, batchAxis, weightGrad, program.Backward)
	if err != nil {
		return nil, err
	}
	y, err := slotVar(pc.SrcOp.Inputs, "Y")
	if err != nil {
		return nil, err
	}
	pc.DstMain.AppendOp(allReduce)
	registerCollectiveAttr(pc, allReduce, weightGrad, pc.Attr.InputDims[y])
	return []*program.Operator{allReduce}, nil
}

// registerCollectiveAttr annotates an emitted collective so every operator of
// the distributed program carries a distribution attribute. The collective is
// in place, so one dims mapping covers both slots.
func registerCollectiveAttr(pc *PartitionContext, op *program.Operator, varName string, dims []int) {
	attr := distattr.NewOpAttr(pc.Attr.Mesh).
		SetInputDims(varName, dims).
		SetOutputDims(varName, dims)
	pc.Ctx.SetOpAttr(op, attr)
}

// newAllReduceSum builds an in-place sum collective over the replica groups
// of the given mesh axis.
func newAllReduceSum(mesh *distattr.ProcessMesh, axis int, varName string, role program.OpRole) (*program.Operator, error) {
	groups, err := mesh.ReplicaGroups(axis)
	if err != nil {
		return nil, errors.WithMessagef(err, "cannot build replica groups for all_reduce_sum of %q", varName)
	}
	flat := make([]int, 0, mesh.NumRanks())
	groupSize := 0
	for _, group := range groups {
		flat = append(flat, group...)
		groupSize = len(group)
	}
	return &program.Operator{
		Type:    "all_reduce_sum",
		Role:    role,
		Inputs:  map[string][]string{"X": {varName}},
		Outputs: map[string][]string{"Out": {varName}},
		Attrs: map[string]any{
			"replica_groups": flat,
			"group_size":     groupSize,
		},
	}, nil
}

func slotVar(slots map[string][]string, slot string) (string, error) {
	names := slots[slot]
	if len(names) != 1 {
		return "", errors.Errorf("expected exactly one variable in slot %q, got %v", slot, names)
	}
	return names[0], nil
}

func axisIsSplit(mesh *distattr.ProcessMesh, axis int) bool {
	if axis == distattr.NotDistributed {
		return false
	}
	extent, err := mesh.AxisExtent(axis)
	return err == nil && extent > 1
}
