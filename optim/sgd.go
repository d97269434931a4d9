// Package optim provides a reference optimizer collaborator that appends
// plain SGD update operators to a partitioned program.
package optim

import (
	"github.com/pkg/errors"

	"github.com/gomlx/autoparallel"
	"github.com/gomlx/autoparallel/program"
	"github.com/gomlx/gopjrt/dtypes"
)

// LearningRateVarName is the shared scalar holding the step size.
const LearningRateVarName = "learning_rate_0"

// SGD implements autoparallel.Optimizer with one in-place "sgd" update
// operator per (parameter, gradient) pair.
type SGD struct {
	// LearningRate is the step size filled into the shared scalar.
	LearningRate float64
}

// NewSGD creates an SGD optimizer with the given step size.
func NewSGD(learningRate float64) *SGD {
	return &SGD{LearningRate: learningRate}
}

// ApplyGradients creates the shared learning-rate scalar (filled in the
// startup program) and appends one update operator per pair to main, in pair
// order. It returns the appended operators.
func (s *SGD) ApplyGradients(pairs []autoparallel.ParamGrad, main, startup *program.Program) ([]*program.Operator, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	lr, err := s.learningRateVar(main, startup, pairs[0].Param.DType)
	if err != nil {
		return nil, err
	}
	ops := make([]*program.Operator, 0, len(pairs))
	for _, pair := range pairs {
		op := &program.Operator{
			Type: "sgd",
			Role: program.Optimize,
			Inputs: map[string][]string{
				"Param":        {pair.Param.Name},
				"Grad":         {pair.Grad.Name},
				"LearningRate": {lr.Name},
			},
			Outputs: map[string][]string{"ParamOut": {pair.Param.Name}},
		}
		main.AppendOp(op)
		ops = append(ops, op)
	}
	return ops, nil
}

// learningRateVar creates (or reuses) the shared learning-rate scalar in both
// programs and emits its fill operator in the startup program.
func (s *SGD) learningRateVar(main, startup *program.Program, dtype dtypes.DType) (*program.Variable, error) {
	if main.HasVar(LearningRateVarName) {
		return main.Var(LearningRateVarName)
	}
	template := &program.Variable{
		Name:               LearningRateVarName,
		Shape:              []int{1},
		DType:              dtype,
		Kind:               program.Dense,
		Persistable:        true,
		StopGradient:       true,
		BelongsToOptimizer: true,
	}
	lr, err := main.CreateVar(template)
	if err != nil {
		return nil, errors.WithMessage(err, "cannot create the learning-rate variable")
	}
	if _, err := startup.CreateVar(template.Clone()); err != nil {
		return nil, errors.WithMessage(err, "cannot create the learning-rate variable in the startup program")
	}
	startup.AppendOp(&program.Operator{
		Type:    "fill_constant",
		Role:    program.Optimize,
		Outputs: map[string][]string{"Out": {LearningRateVarName}},
		Attrs: map[string]any{
			"shape": []int{1},
			"value": s.LearningRate,
			"dtype": int(dtype),
		},
	})
	return lr, nil
}
