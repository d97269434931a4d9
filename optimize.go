package autoparallel

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/autoparallel/program"
)

// ApplyOptimize threads the (parameter, gradient) pairs from ApplyBackward
// through the optimizer collaborator, appending the update operators to the
// distributed main program, and re-runs attribute completion over the
// finalized program. It returns the appended optimizer operators.
func (p *Partitioner) ApplyOptimize(optimizer Optimizer, pairs []ParamGrad, distMain, distStartup *program.Program) ([]*program.Operator, error) {
	if optimizer == nil {
		return nil, errors.Wrap(ErrConfiguration, "optimizer collaborator must not be nil")
	}
	if p.completer == nil {
		return nil, errors.Wrap(ErrConfiguration, "no Completer collaborator configured (see WithCompleter)")
	}
	if distMain == nil {
		return nil, errors.Wrap(ErrConfiguration, "distributed main program must not be nil")
	}
	if p.strategy.Sharding {
		return nil, errors.Wrap(ErrShardingNotSupported,
			"the sharding optimize rewrite (parameter/gradient shard bookkeeping) is not available")
	}

	optimizeOps, err := optimizer.ApplyGradients(pairs, distMain, distStartup)
	if err != nil {
		return nil, errors.WithMessage(err, "optimizer gradient application failed")
	}

	if err := p.completer.CompleteUpdate(distMain, p.ctx); err != nil {
		return nil, errors.WithMessage(err, "update attribute completion failed")
	}

	klog.V(1).Infof("autoparallel: session %s appended %d optimizer operators", p.session, len(optimizeOps))
	return optimizeOps, nil
}
