// Package program defines the graph IR the partitioner transforms: a Program
// is an ordered sequence of operators over a set of named variables.
//
// Insertion order of operators is execution order, and every transformation in
// this module is required to preserve it.
//
// Two programs usually exist side by side: the "main" program holding the
// computation, and the "startup" program holding the one-time initialization
// of parameters.
package program

import (
	"github.com/pkg/errors"
)

// Program holds an ordered list of operators and the variables they operate
// on. Variables are unique by name within a program.
type Program struct {
	name string

	// vars maps variable name to its descriptor.
	vars map[string]*Variable

	// varOrder preserves the creation order of variables, so iteration is
	// deterministic.
	varOrder []string

	// ops in execution order.
	ops []*Operator

	// nextOpID is the next numeric id handed out by AppendOp.
	nextOpID int
}

// New creates an empty program with the given name.
func New(name string) *Program {
	return &Program{
		name: name,
		vars: make(map[string]*Variable),
	}
}

// Name returns the program name.
func (p *Program) Name() string {
	return p.name
}

// HasVar reports whether a variable with the given name exists in the program.
func (p *Program) HasVar(name string) bool {
	_, found := p.vars[name]
	return found
}

// Var returns the variable with the given name.
func (p *Program) Var(name string) (*Variable, error) {
	v, found := p.vars[name]
	if !found {
		return nil, errors.Errorf("variable %q not found in program %q", name, p.name)
	}
	return v, nil
}

// CreateVar adds the variable to the program. The variable name must be
// non-empty and unique within the program.
func (p *Program) CreateVar(v *Variable) (*Variable, error) {
	if v.Name == "" {
		return nil, errors.Errorf("cannot create variable with empty name in program %q", p.name)
	}
	if _, found := p.vars[v.Name]; found {
		return nil, errors.Errorf("variable %q already exists in program %q", v.Name, p.name)
	}
	p.vars[v.Name] = v
	p.varOrder = append(p.varOrder, v.Name)
	return v, nil
}

// Vars returns all variables in creation order.
func (p *Program) Vars() []*Variable {
	vars := make([]*Variable, len(p.varOrder))
	for i, name := range p.varOrder {
		vars[i] = p.vars[name]
	}
	return vars
}

// Parameters returns the variables of kind Parameter, in creation order.
func (p *Program) Parameters() []*Variable {
	var params []*Variable
	for _, name := range p.varOrder {
		if v := p.vars[name]; v.Kind == Parameter {
			params = append(params, v)
		}
	}
	return params
}

// AppendOp appends the operator to the program, assigning it the next numeric
// id. The id is unique within the program and stable for its lifetime.
func (p *Program) AppendOp(op *Operator) *Operator {
	op.ID = p.nextOpID
	p.nextOpID++
	p.ops = append(p.ops, op)
	return op
}

// Ops returns the operators in execution order. The returned slice is the
// program's own backing store and must not be modified.
func (p *Program) Ops() []*Operator {
	return p.ops
}

// OpByID returns the operator with the given numeric id.
func (p *Program) OpByID(id int) (*Operator, error) {
	for _, op := range p.ops {
		if op.ID == id {
			return op, nil
		}
	}
	return nil, errors.Errorf("operator #%d not found in program %q", id, p.name)
}
