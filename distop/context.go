package distop

import (
	"github.com/gomlx/autoparallel/distattr"
	"github.com/gomlx/autoparallel/program"
)

// PartitionContext carries everything an Implementation needs to emit the
// distributed counterpart of one source operator: the destination programs,
// the attribute store, the target rank, and the source operator with its
// input/output slots already translated to distributed variable names.
type PartitionContext struct {
	// Ctx is the distribution-attribute store of the session.
	Ctx *distattr.Context

	// DstMain and DstStartup are the destination programs. Implementations
	// append operators to DstMain; DstStartup is available for
	// initialization-time rewrites.
	DstMain    *program.Program
	DstStartup *program.Program

	// Rank is the target process rank of the session.
	Rank int

	// SrcOp is the operator being transformed.
	SrcOp *program.Operator

	// Attr is the source operator's distribution attribute. It is nil when
	// the operator had none and the replicate fallback was chosen.
	Attr *distattr.OpAttr

	// Inputs and Outputs mirror SrcOp's slots with every variable name
	// translated to its distributed counterpart.
	Inputs  map[string][]string
	Outputs map[string][]string
}

// emitRenamedCopy appends a copy of the source operator to the destination
// main program, with all variable references translated per the context's
// slot maps, and registers its attribute (when the source had one) with the
// variable names translated accordingly.
func (pc *PartitionContext) emitRenamedCopy() *program.Operator {
	op := pc.SrcOp.Clone()
	op.Inputs = cloneSlotMap(pc.Inputs)
	op.Outputs = cloneSlotMap(pc.Outputs)
	pc.DstMain.AppendOp(op)

	if pc.Attr != nil {
		attr := pc.Attr.Clone()
		for slot, oldNames := range pc.SrcOp.Inputs {
			for i, oldName := range oldNames {
				attr.RenameVar(oldName, pc.Inputs[slot][i])
			}
		}
		for slot, oldNames := range pc.SrcOp.Outputs {
			for i, oldName := range oldNames {
				attr.RenameVar(oldName, pc.Outputs[slot][i])
			}
		}
		pc.Ctx.SetOpAttr(op, attr)
	}
	return op
}

func cloneSlotMap(slots map[string][]string) map[string][]string {
	c := make(map[string][]string, len(slots))
	for slot, names := range slots {
		copied := make([]string, len(names))
		copy(copied, names)
		c[slot] = copied
	}
	return c
}
