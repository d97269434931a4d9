// Package autoparallel partitions an annotated single-device ("serial")
// computation program into an equivalent multi-device ("distributed")
// program.
//
// Given a serial program whose variables and operators all carry distribution
// attributes (process mesh + per-dimension mapping + implementation choice,
// assigned by an upstream annotation pass), the Partitioner:
//
//   - resizes every variable to its local shard shape on the target rank;
//   - replaces every operator by its registered distributed implementation,
//     or replicates it unchanged when none applies;
//   - drives backward-pass generation over the distributed program, wiring
//     each gradient operator back to its forward counterpart so the matching
//     distributed backward transform can be applied;
//   - threads the resulting (parameter, gradient) pairs through an optimizer
//     collaborator to append the update operators.
//
// The public contract is three ordered calls on one Partitioner:
// TranspileForward, ApplyBackward, ApplyOptimize. One Partitioner instance is
// scoped to exactly one target rank; partitioning sessions for different
// ranks use independent instances.
package autoparallel

import (
	"github.com/gomlx/autoparallel/distattr"
	"github.com/gomlx/autoparallel/program"
)

// ParamGrad pairs a parameter with its gradient variable, both in the
// distributed program.
type ParamGrad struct {
	Param *program.Variable
	Grad  *program.Variable
}

// GradCallback runs when the autodiff collaborator appends a gradient
// operator. The default callback propagates error-clip metadata from each
// forward variable to its gradient.
type GradCallback func(gradOp *program.Operator, main *program.Program) error

// Differentiator is the automatic-differentiation collaborator: it appends
// gradient operators to the program owning loss, for the given parameters
// (all trainable parameters when empty) minus the no-grad set, recording in
// links the cross-reference from each gradient operator to the forward
// operator it differentiates.
//
// It returns the (parameter, gradient) pairs in the order it produced them.
type Differentiator interface {
	Differentiate(loss *program.Variable, main, startup *program.Program,
		parameters []string, noGradSet []string, callbacks []GradCallback,
		links *distattr.OpLinks) ([]ParamGrad, error)
}

// Completer is the attribute-completion collaborator: it propagates
// distribution attributes onto the variables and operators appended to a
// program after a graph mutation.
type Completer interface {
	// CompleteBackward runs after gradient operators were appended.
	CompleteBackward(main *program.Program, ctx *distattr.Context) error

	// CompleteUpdate runs after optimizer-step operators were appended.
	CompleteUpdate(main *program.Program, ctx *distattr.Context) error
}

// Optimizer is the gradient-application collaborator: it appends the
// update operators for the given (parameter, gradient) pairs and returns
// them.
type Optimizer interface {
	ApplyGradients(pairs []ParamGrad, main, startup *program.Program) ([]*program.Operator, error)
}

// ErrorClipCallback is the default gradient callback: it copies the
// error-clip policy of each forward variable onto its gradient variable.
func ErrorClipCallback(gradOp *program.Operator, main *program.Program) error {
	for _, name := range gradOp.OutputArgNames() {
		baseName, isGrad := program.BaseVarName(name)
		if !isGrad || !main.HasVar(baseName) || !main.HasVar(name) {
			continue
		}
		baseVar, err := main.Var(baseName)
		if err != nil {
			return err
		}
		gradVar, err := main.Var(name)
		if err != nil {
			return err
		}
		gradVar.ErrorClip = baseVar.ErrorClip
		gradVar.NeedClip = baseVar.NeedClip
	}
	return nil
}
