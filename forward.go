package autoparallel

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/autoparallel/distattr"
	"github.com/gomlx/autoparallel/distop"
	"github.com/gomlx/autoparallel/internal/utils"
	"github.com/gomlx/autoparallel/program"
)

// varNamesNotInProgram are block-external names an operator may reference
// without the program holding a variable descriptor for them (streaming-queue
// sentinels created by the data feeder).
var varNamesNotInProgram = utils.SetWith("stream_blocking_queue_0")

// TranspileForward takes the annotated serial forward programs and creates
// new distributed forward programs for the partitioner's rank. The inputs are
// never mutated.
//
// Every variable is resized to its local shard shape and every operator is
// replaced by its distributed implementation (or replicated unchanged when
// none is registered for its type and chosen implementation index).
func (p *Partitioner) TranspileForward(serialMain, serialStartup *program.Program) (*program.Program, *program.Program, error) {
	if serialMain == nil {
		return nil, nil, errors.Wrap(ErrConfiguration, "serial main program must not be nil")
	}
	if p.strategy.Sharding {
		return nil, nil, errors.Wrap(ErrShardingNotSupported,
			"the sharding forward rewrite (parameter partition + broadcast/sync insertion) is not available")
	}
	if err := p.validateAnnotated(serialMain); err != nil {
		return nil, nil, err
	}

	distMain := program.New(serialMain.Name())
	var distStartup *program.Program
	if serialStartup != nil {
		distStartup = program.New(serialStartup.Name())
		if err := p.transpileStartup(serialMain, serialStartup, distStartup); err != nil {
			return nil, nil, err
		}
	}

	for _, op := range serialMain.Ops() {
		if err := p.partitionOpVars(op, serialMain, distMain); err != nil {
			return nil, nil, err
		}

		attr := p.ctx.OpAttr(op)
		impl := p.resolveForward(op, attr)
		if impl == nil {
			return nil, nil, errors.Wrapf(ErrConfiguration,
				"registry is missing the mandatory %q fallback", distop.DefaultOpType)
		}
		pc := &distop.PartitionContext{
			Ctx:        p.ctx,
			DstMain:    distMain,
			DstStartup: distStartup,
			Rank:       p.rank,
			SrcOp:      op,
			Attr:       attr,
			Inputs:     p.renamedSlots(op.Inputs),
			Outputs:    p.renamedSlots(op.Outputs),
		}
		if _, err := impl.Forward(pc); err != nil {
			return nil, nil, errors.WithMessagef(err, "forward transform of %s #%d failed", op.Type, op.ID)
		}
	}

	klog.V(1).Infof("autoparallel: session %s partitioned forward program %q: %d ops, %d vars",
		p.session, serialMain.Name(), len(distMain.Ops()), len(distMain.Vars()))
	return distMain, distStartup, nil
}

// validateAnnotated fails unless every variable and operator of the serial
// program carries a distribution attribute from the upstream annotation pass.
func (p *Partitioner) validateAnnotated(serial *program.Program) error {
	for _, v := range serial.Vars() {
		if p.ctx.TensorAttr(v) == nil {
			return errors.Wrapf(ErrIncompleteAnnotation,
				"variable %q in program %q", v.Name, serial.Name())
		}
	}
	for _, op := range serial.Ops() {
		if p.ctx.OpAttr(op) == nil {
			return errors.Wrapf(ErrIncompleteAnnotation,
				"operator %s #%d in program %q", op.Type, op.ID, serial.Name())
		}
	}
	return nil
}

// transpileStartup partitions every parameter of the serial startup program
// and copies its single initializer operator, with the output renamed and the
// "shape" attribute rewritten to the local shard shape.
func (p *Partitioner) transpileStartup(serialMain, serialStartup, distStartup *program.Program) error {
	paramShapes := make(map[string][]int)
	startupNames := make(map[string]string)

	for _, v := range serialStartup.Vars() {
		if !v.IsParameter() {
			continue
		}
		// The main program's descriptor of the parameter carries the
		// authoritative annotation.
		mainVar, err := serialMain.Var(v.Name)
		if err != nil {
			return errors.Wrapf(ErrLookup, "startup parameter %q is absent from the serial main program", v.Name)
		}
		newName := v.Name + p.suffix
		created, err := p.partitionVar(mainVar, distStartup, newName)
		if err != nil {
			return err
		}
		paramShapes[newName] = created.Shape
		startupNames[v.Name] = newName
	}

	for _, op := range serialStartup.Ops() {
		outputs := op.OutputArgNames()
		if len(outputs) != 1 {
			exceptions.Panicf("initializer %s #%d should output exactly one variable, got %v",
				op.Type, op.ID, outputs)
		}
		newName, found := startupNames[outputs[0]]
		if !found {
			exceptions.Panicf("initializer %s #%d initializes %q, which is not a parameter",
				op.Type, op.ID, outputs[0])
		}

		c := op.Clone()
		c.RenameOutput(outputs[0], newName)
		if c.Attrs == nil {
			c.Attrs = make(map[string]any, 1)
		}
		c.Attrs["shape"] = paramShapes[newName]
		distStartup.AppendOp(c)

		// The initializer's attribute mirrors the parameter's.
		outputVar, err := distStartup.Var(newName)
		if err != nil {
			return err
		}
		varAttr := p.ctx.TensorAttr(outputVar)
		opAttr := distattr.NewOpAttr(varAttr.Mesh).
			SetInputDims(newName, varAttr.DimsMapping).
			SetOutputDims(newName, varAttr.DimsMapping)
		p.ctx.SetOpAttr(c, opAttr)
	}
	return nil
}

// partitionOpVars lazily partitions every variable the operator references
// that is not yet in the renaming table.
func (p *Partitioner) partitionOpVars(op *program.Operator, serialMain, distMain *program.Program) error {
	for _, name := range op.InputArgNames() {
		if _, found := p.renames[name]; found {
			continue
		}
		newName := name + p.suffix
		if serialMain.HasVar(name) {
			src, err := serialMain.Var(name)
			if err != nil {
				return err
			}
			if _, err := p.partitionVar(src, distMain, newName); err != nil {
				return err
			}
		} else if !varNamesNotInProgram.Has(name) {
			exceptions.Panicf("operator %s #%d references input %q, absent from both program %q and the block-external allow-list",
				op.Type, op.ID, name, serialMain.Name())
		}
		p.recordRename(name, newName)
	}

	for _, name := range op.OutputArgNames() {
		if _, found := p.renames[name]; found {
			continue
		}
		newName := name + p.suffix
		if !serialMain.HasVar(name) {
			exceptions.Panicf("operator %s #%d writes output %q, absent from program %q",
				op.Type, op.ID, name, serialMain.Name())
		}
		src, err := serialMain.Var(name)
		if err != nil {
			return err
		}
		if _, err := p.partitionVar(src, distMain, newName); err != nil {
			return err
		}
		p.recordRename(name, newName)
	}
	return nil
}

// renamedSlots maps every variable name in the slots through the renaming
// table; names without a mapping (block-external sentinels) pass through
// unchanged.
func (p *Partitioner) renamedSlots(slots map[string][]string) map[string][]string {
	renamed := make(map[string][]string, len(slots))
	for slot, names := range slots {
		mapped := make([]string, len(names))
		for i, name := range names {
			if distName, found := p.renames[name]; found {
				mapped[i] = distName
			} else {
				mapped[i] = name
			}
		}
		renamed[slot] = mapped
	}
	return renamed
}

// resolveForward picks the distributed implementation for the operator: the
// registered one at (op type, chosen impl index) when it implements the
// forward transform, else the replicate fallback. It returns nil only if the
// mandatory fallback is missing from the registry.
func (p *Partitioner) resolveForward(op *program.Operator, attr *distattr.OpAttr) distop.Implementation {
	if attr != nil && attr.ImplIdx != distattr.NoImplChosen {
		if set := p.registry.Lookup(op.Type); set != nil {
			if impl, err := set.Get(attr.ImplIdx); err == nil && impl.ForwardSupported() {
				return impl
			}
		}
	}
	klog.V(2).Infof("autoparallel: session %s replicating operator %s #%d (no forward implementation)",
		p.session, op.Type, op.ID)
	impl, err := p.registry.Default()
	if err != nil {
		return nil
	}
	return impl
}
