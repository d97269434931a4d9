// Package autodiff provides a reference automatic-differentiation
// collaborator for the partitioner: a reverse pass that appends gradient
// operators to a forward program and records, for each of them, the forward
// operator it differentiates.
//
// It is deliberately simple: gradients flow through the `<type>_grad`
// operator convention and the "@GRAD" naming scheme, and a variable consumed
// by several operators reuses one gradient variable instead of emitting an
// explicit accumulation. That is all the partitioner needs; production
// training stacks plug in their own Differentiator.
package autodiff

import (
	"slices"

	"github.com/pkg/errors"

	"github.com/gomlx/autoparallel"
	"github.com/gomlx/autoparallel/distattr"
	"github.com/gomlx/autoparallel/internal/utils"
	"github.com/gomlx/autoparallel/program"
)

// Engine implements autoparallel.Differentiator with a naive reverse pass.
type Engine struct{}

// Differentiate appends gradient operators for loss to main, in place, and
// returns the (parameter, gradient) pairs for the requested parameters (all
// trainable parameters when the list is empty), minus the no-grad set.
//
// Every appended gradient operator is linked in links to the forward operator
// it differentiates; the seed operator that fills the loss gradient with ones
// has no forward counterpart and is left unlinked.
func (Engine) Differentiate(loss *program.Variable, main, startup *program.Program,
	parameters []string, noGradSet []string, callbacks []autoparallel.GradCallback,
	links *distattr.OpLinks) ([]autoparallel.ParamGrad, error) {
	_ = startup
	if len(loss.Shape) != 1 || loss.Shape[0] != 1 {
		return nil, errors.Wrapf(autoparallel.ErrInvalidLoss, "cannot differentiate loss %q of shape %v",
			loss.Name, loss.Shape)
	}
	if links == nil {
		links = distattr.NewOpLinks()
	}

	noGrad := utils.SetWith(noGradSet...)
	targets, err := targetParameters(main, parameters, noGrad)
	if err != nil {
		return nil, err
	}

	// Seed: d(loss)/d(loss) = 1.
	lossGrad, err := createGradVar(main, loss)
	if err != nil {
		return nil, err
	}
	seed := &program.Operator{
		Type:    "fill_constant",
		Role:    program.Backward,
		Outputs: map[string][]string{"Out": {lossGrad.Name}},
		Attrs:   map[string]any{"shape": []int{1}, "value": 1.0},
	}
	main.AppendOp(seed)

	// Reverse sweep over the forward operators. The snapshot keeps the
	// iteration stable while gradient operators are appended.
	forwardOps := slices.Clone(main.Ops())
	hasGrad := utils.SetWith(loss.Name)
	for i := len(forwardOps) - 1; i >= 0; i-- {
		op := forwardOps[i]
		if !op.Role.IsForward() {
			continue
		}
		gradOp, produced, err := differentiateOp(main, op, hasGrad, noGrad)
		if err != nil {
			return nil, err
		}
		if gradOp == nil {
			continue
		}
		main.AppendOp(gradOp)
		links.Record(gradOp.ID, op.ID)
		hasGrad.Insert(produced...)
		for _, callback := range callbacks {
			if err := callback(gradOp, main); err != nil {
				return nil, errors.WithMessagef(err, "gradient callback failed on %s #%d", gradOp.Type, gradOp.ID)
			}
		}
	}

	// Pair parameters with their gradients, in parameter order.
	var pairs []autoparallel.ParamGrad
	explicit := len(parameters) > 0
	for _, param := range targets {
		gradName := program.GradVarName(param.Name)
		if !main.HasVar(gradName) {
			if explicit {
				return nil, errors.Errorf("no gradient path from the loss to requested parameter %q", param.Name)
			}
			continue
		}
		grad, err := main.Var(gradName)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, autoparallel.ParamGrad{Param: param, Grad: grad})
	}
	return pairs, nil
}

// targetParameters resolves the requested parameter names (or defaults to all
// trainable parameters), excluding the no-grad set.
func targetParameters(main *program.Program, parameters []string, noGrad utils.Set[string]) ([]*program.Variable, error) {
	var targets []*program.Variable
	if len(parameters) > 0 {
		for _, name := range parameters {
			v, err := main.Var(name)
			if err != nil {
				return nil, errors.WithMessage(err, "unknown parameter requested for differentiation")
			}
			if !noGrad.Has(name) {
				targets = append(targets, v)
			}
		}
		return targets, nil
	}
	for _, param := range main.Parameters() {
		if param.Trainable && !noGrad.Has(param.Name) {
			targets = append(targets, param)
		}
	}
	return targets, nil
}

// differentiateOp builds the gradient operator for one forward operator, or
// returns nil if none of the operator's outputs carries a gradient. produced
// lists the input variables that now have gradients.
func differentiateOp(main *program.Program, op *program.Operator,
	hasGrad, noGrad utils.Set[string]) (gradOp *program.Operator, produced []string, err error) {
	// Output gradients feed the gradient operator.
	outGradSlots := make(map[string][]string)
	for slot, names := range op.Outputs {
		var gradNames []string
		for _, name := range names {
			if hasGrad.Has(name) {
				gradNames = append(gradNames, program.GradVarName(name))
			}
		}
		if len(gradNames) == len(names) {
			outGradSlots[slot+program.GradVarSuffix] = gradNames
		}
	}
	if len(outGradSlots) == 0 {
		return nil, nil, nil
	}

	gradOp = &program.Operator{
		Type:    op.Type + "_grad",
		Role:    program.Backward,
		Inputs:  make(map[string][]string),
		Outputs: make(map[string][]string),
	}
	// The gradient operator sees the forward inputs and outputs, plus the
	// output gradients.
	for slot, names := range op.Inputs {
		gradOp.Inputs[slot] = slices.Clone(names)
	}
	for slot, names := range op.Outputs {
		gradOp.Inputs[slot] = slices.Clone(names)
	}
	for slot, names := range outGradSlots {
		gradOp.Inputs[slot] = names
	}

	// One input gradient per differentiable input.
	for slot, names := range op.Inputs {
		var gradNames []string
		for _, name := range names {
			if noGrad.Has(name) || !main.HasVar(name) {
				continue
			}
			src, err := main.Var(name)
			if err != nil {
				return nil, nil, err
			}
			if src.StopGradient && !src.IsParameter() {
				continue
			}
			gradName := program.GradVarName(name)
			if !main.HasVar(gradName) {
				if _, err := createGradVar(main, src); err != nil {
					return nil, nil, err
				}
			}
			gradNames = append(gradNames, gradName)
			produced = append(produced, name)
		}
		if len(gradNames) > 0 {
			gradOp.Outputs[slot+program.GradVarSuffix] = gradNames
		}
	}
	if len(gradOp.Outputs) == 0 {
		return nil, nil, nil
	}
	return gradOp, produced, nil
}

// createGradVar materializes the gradient variable of src: same shape and
// element type, ordinary tensor kind.
func createGradVar(main *program.Program, src *program.Variable) (*program.Variable, error) {
	return main.CreateVar(&program.Variable{
		Name:  program.GradVarName(src.Name),
		Shape: slices.Clone(src.Shape),
		DType: src.DType,
		Kind:  program.Dense,
	})
}
