// Package completion provides a reference attribute-completion collaborator.
//
// After the autodiff or optimizer collaborators mutate a program, the new
// variables and operators carry no distribution attributes. The Basic
// completer fills them in by inheritance: a gradient variable inherits the
// attribute of the variable it is the gradient of, and an appended operator
// inherits the mesh and per-variable mappings of the variables it touches,
// defaulting to replication for variables with no annotated base.
package completion

import (
	"github.com/pkg/errors"

	"github.com/gomlx/autoparallel/distattr"
	"github.com/gomlx/autoparallel/program"
)

// Basic implements autoparallel.Completer by attribute inheritance.
type Basic struct{}

// CompleteBackward annotates the gradient variables and backward operators
// appended by an autodiff pass.
func (b Basic) CompleteBackward(main *program.Program, ctx *distattr.Context) error {
	if err := b.completeGradVars(main, ctx); err != nil {
		return err
	}
	return b.completeOps(main, ctx, program.Backward)
}

// CompleteUpdate annotates the variables and operators appended by an
// optimizer pass.
func (b Basic) CompleteUpdate(main *program.Program, ctx *distattr.Context) error {
	mesh := anyMesh(main, ctx)
	if mesh == nil {
		return errors.New("cannot complete update operators: no variable in the program carries a mesh")
	}
	for _, v := range main.Vars() {
		if ctx.TensorAttr(v) != nil || !v.BelongsToOptimizer {
			continue
		}
		ctx.SetTensorAttr(v, distattr.Replicated(mesh, v.Rank()))
	}
	return b.completeOps(main, ctx, program.Optimize)
}

// completeGradVars gives every "@GRAD" variable the attribute of its base
// variable, when the base is annotated.
func (b Basic) completeGradVars(main *program.Program, ctx *distattr.Context) error {
	for _, v := range main.Vars() {
		if ctx.TensorAttr(v) != nil {
			continue
		}
		baseName, isGrad := program.BaseVarName(v.Name)
		if !isGrad || !main.HasVar(baseName) {
			continue
		}
		base, err := main.Var(baseName)
		if err != nil {
			return err
		}
		if attr := ctx.TensorAttr(base); attr != nil {
			ctx.SetTensorAttr(v, attr.Clone())
		}
	}
	return nil
}

// completeOps annotates every unannotated operator of the given role, reading
// per-variable mappings from the (now annotated) variables and defaulting the
// rest to replication.
func (b Basic) completeOps(main *program.Program, ctx *distattr.Context, role program.OpRole) error {
	for _, op := range main.Ops() {
		if op.Role != role || ctx.OpAttr(op) != nil {
			continue
		}
		mesh := opMesh(main, ctx, op)
		if mesh == nil {
			mesh = anyMesh(main, ctx)
		}
		if mesh == nil {
			return errors.Errorf("cannot complete %s #%d: no variable it touches carries a mesh", op.Type, op.ID)
		}
		attr := distattr.NewOpAttr(mesh)
		for _, name := range op.InputArgNames() {
			attr.SetInputDims(name, varDims(main, ctx, mesh, name))
		}
		for _, name := range op.OutputArgNames() {
			attr.SetOutputDims(name, varDims(main, ctx, mesh, name))
		}
		ctx.SetOpAttr(op, attr)
	}
	return nil
}

// opMesh returns the mesh of the first annotated variable the operator
// touches, inputs first.
func opMesh(main *program.Program, ctx *distattr.Context, op *program.Operator) *distattr.ProcessMesh {
	for _, names := range [][]string{op.InputArgNames(), op.OutputArgNames()} {
		for _, name := range names {
			if !main.HasVar(name) {
				continue
			}
			v, err := main.Var(name)
			if err != nil {
				continue
			}
			if attr := ctx.TensorAttr(v); attr != nil {
				return attr.Mesh
			}
		}
	}
	return nil
}

// anyMesh returns the mesh of any annotated variable of the program,
// scanning in variable creation order.
func anyMesh(main *program.Program, ctx *distattr.Context) *distattr.ProcessMesh {
	for _, v := range main.Vars() {
		if attr := ctx.TensorAttr(v); attr != nil {
			return attr.Mesh
		}
	}
	return nil
}

// varDims returns the dimension mapping of the named variable, annotating it
// as replicated first if it had no attribute.
func varDims(main *program.Program, ctx *distattr.Context, mesh *distattr.ProcessMesh, name string) []int {
	v, err := main.Var(name)
	if err != nil {
		return nil
	}
	attr := ctx.TensorAttr(v)
	if attr == nil {
		attr = distattr.Replicated(mesh, v.Rank())
		ctx.SetTensorAttr(v, attr)
	}
	return attr.DimsMapping
}
