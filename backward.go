package autoparallel

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/autoparallel/distattr"
	"github.com/gomlx/autoparallel/distop"
	"github.com/gomlx/autoparallel/program"
)

// ApplyBackward appends the gradient operators for the distributed forward
// program, in place, and re-associates each of them with its originating
// forward operator so the matching distributed backward transform can run.
//
// serialLoss, parameters and noGradSet refer to serial variables; they are
// translated through the renaming table TranspileForward built; calling
// ApplyBackward first therefore fails with ErrLookup. parameters defaults to
// all trainable parameters, noGradSet to the non-trainable ones, callbacks to
// ErrorClipCallback.
//
// It returns the (parameter, gradient) pairs in the order the autodiff
// collaborator produced them.
func (p *Partitioner) ApplyBackward(
	serialLoss *program.Variable,
	serialMain, serialStartup *program.Program,
	distMain, distStartup *program.Program,
	parameters []*program.Variable,
	noGradSet []string,
	callbacks []GradCallback,
) ([]ParamGrad, error) {
	_ = serialMain
	_ = serialStartup
	if !p.autoBackwardCompatible {
		return nil, errors.Wrap(ErrNotImplemented,
			"this session holds distributed operators the automatic backward pass cannot handle, "+
				"and the serial-backward-then-transpile path does not exist")
	}
	if p.strategy.Sharding {
		return nil, errors.Wrap(ErrShardingNotSupported,
			"the sharding backward rewrite (gradient partition + broadcast insertion) is not available")
	}
	if serialLoss == nil {
		return nil, errors.Wrap(ErrConfiguration, "loss variable must not be nil")
	}
	if p.differ == nil {
		return nil, errors.Wrap(ErrConfiguration, "no Differentiator collaborator configured (see WithDifferentiator)")
	}
	if p.completer == nil {
		return nil, errors.Wrap(ErrConfiguration, "no Completer collaborator configured (see WithCompleter)")
	}
	if distMain == nil {
		return nil, errors.Wrap(ErrConfiguration, "distributed main program must not be nil")
	}

	if err := checkScalarLoss(serialLoss); err != nil {
		return nil, err
	}
	distLoss, err := p.serialVarToDist(serialLoss.Name, distMain)
	if err != nil {
		return nil, err
	}
	if err := checkScalarLoss(distLoss); err != nil {
		return nil, err
	}

	// Translate the parameter allow-list and the no-grad set.
	var distParams []string
	for _, param := range parameters {
		distVar, err := p.serialVarToDist(param.Name, distMain)
		if err != nil {
			return nil, err
		}
		distParams = append(distParams, distVar.Name)
	}
	var distNoGrad []string
	for _, name := range noGradSet {
		distVar, err := p.serialVarToDist(name, distMain)
		if err != nil {
			return nil, err
		}
		distNoGrad = append(distNoGrad, distVar.Name)
	}
	// Non-trainable parameters never get a gradient.
	for _, param := range distMain.Parameters() {
		if !param.Trainable {
			distNoGrad = append(distNoGrad, param.Name)
		}
	}

	if callbacks == nil {
		callbacks = []GradCallback{ErrorClipCallback}
	}

	links := distattr.NewOpLinks()
	pairs, err := p.differ.Differentiate(distLoss, distMain, distStartup, distParams, distNoGrad, callbacks, links)
	if err != nil {
		return nil, errors.WithMessage(err, "automatic backward generation failed")
	}

	if err := p.completer.CompleteBackward(distMain, p.ctx); err != nil {
		return nil, errors.WithMessage(err, "backward attribute completion failed")
	}

	if err := p.transpileBackwardOps(distMain, distStartup, links); err != nil {
		return nil, err
	}

	klog.V(1).Infof("autoparallel: session %s appended backward program for loss %q: %d (param, grad) pairs, %d op links",
		p.session, distLoss.Name, len(pairs), links.Len())
	return pairs, nil
}

// transpileBackwardOps re-scans the backward-extended program and dispatches
// every gradient operator with a recorded forward cross-reference to the
// distributed backward transform of its forward operator's implementation
// (replicate fallback when unsupported). Gradient operators without a
// cross-reference are genuinely new operators the autodiff pass introduced;
// they are left untouched and attribute completion is responsible for them.
func (p *Partitioner) transpileBackwardOps(distMain, distStartup *program.Program, links *distattr.OpLinks) error {
	ops := distMain.Ops()
	forwardByID := make(map[int]*program.Operator)
	firstBackward := -1
	for idx, op := range ops {
		if op.Role.IsForward() {
			forwardByID[op.ID] = op
		}
		if op.Role == program.Backward {
			firstBackward = idx
			break
		}
	}
	if firstBackward < 0 {
		return errors.Errorf("no backward operators found in program %q after differentiation", distMain.Name())
	}
	if len(forwardByID) == 0 {
		return errors.Errorf("no forward operators found in program %q", distMain.Name())
	}

	backwardOps := ops[firstBackward:]
	for _, op := range backwardOps {
		fwdID, found := links.ForwardOf(op.ID)
		if !found {
			continue
		}
		fwdOp, found := forwardByID[fwdID]
		if !found {
			return errors.Errorf("gradient operator %s #%d links to unknown forward operator #%d",
				op.Type, op.ID, fwdID)
		}
		fwdAttr := p.ctx.OpAttr(fwdOp)
		impl := p.resolveBackward(fwdOp, fwdAttr)
		if impl == nil {
			return errors.Wrapf(ErrConfiguration,
				"registry is missing the mandatory %q fallback", distop.DefaultOpType)
		}
		pc := &distop.PartitionContext{
			Ctx:        p.ctx,
			DstMain:    distMain,
			DstStartup: distStartup,
			Rank:       p.rank,
			SrcOp:      op,
			Attr:       fwdAttr,
			Inputs:     p.renamedSlots(op.Inputs),
			Outputs:    p.renamedSlots(op.Outputs),
		}
		if _, err := impl.Backward(pc); err != nil {
			return errors.WithMessagef(err, "backward transform of %s #%d failed", op.Type, op.ID)
		}
	}
	return nil
}

// resolveBackward picks the backward transform for a gradient operator from
// its forward operator's type and chosen implementation index, falling back
// to replicate when the implementation does not claim backward support.
func (p *Partitioner) resolveBackward(fwdOp *program.Operator, fwdAttr *distattr.OpAttr) distop.Implementation {
	if fwdAttr != nil && fwdAttr.ImplIdx != distattr.NoImplChosen {
		if set := p.registry.Lookup(fwdOp.Type); set != nil {
			if impl, err := set.Get(fwdAttr.ImplIdx); err == nil && impl.BackwardSupported() {
				return impl
			}
		}
	}
	klog.V(2).Infof("autoparallel: session %s replicating backward of operator %s #%d",
		p.session, fwdOp.Type, fwdOp.ID)
	impl, err := p.registry.Default()
	if err != nil {
		return nil
	}
	return impl
}

// serialVarToDist translates a serial variable name through the renaming
// table and resolves it in the distributed program.
func (p *Partitioner) serialVarToDist(serialName string, distProgram *program.Program) (*program.Variable, error) {
	distName, err := p.distName(serialName)
	if err != nil {
		return nil, err
	}
	if !distProgram.HasVar(distName) {
		return nil, errors.Wrapf(ErrLookup, "distributed variable %q not found in program %q",
			distName, distProgram.Name())
	}
	return distProgram.Var(distName)
}

// checkScalarLoss validates the loss has rank 1 with extent exactly 1.
func checkScalarLoss(loss *program.Variable) error {
	if len(loss.Shape) != 1 || loss.Shape[0] != 1 {
		return errors.Wrapf(ErrInvalidLoss,
			"loss %q has shape %v; reduce it to shape [1] (e.g. with a mean) before calling backward",
			loss.Name, loss.Shape)
	}
	return nil
}
