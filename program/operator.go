package program

import (
	"maps"
	"slices"
)

// OpRole tags the phase an operator belongs to.
type OpRole int

//go:generate go tool enumer -type=OpRole operator.go

const (
	// Forward operators compute the forward pass.
	Forward OpRole = iota

	// Loss operators produce the training loss; they count as forward
	// operators for partitioning purposes.
	Loss

	// Backward operators compute gradients.
	Backward

	// Optimize operators apply gradients to parameters.
	Optimize
)

// IsForward reports whether the role belongs to the forward pass (Forward or
// Loss).
func (r OpRole) IsForward() bool {
	return r == Forward || r == Loss
}

// Operator is a single node of a Program: a type tag, named input and output
// slots (each an ordered list of variable names), and a free-form attribute
// bag (shape overrides etc.).
//
// ID is assigned by Program.AppendOp and is unique within that program.
type Operator struct {
	Type string
	ID   int
	Role OpRole

	Inputs  map[string][]string
	Outputs map[string][]string
	Attrs   map[string]any
}

// InputSlots returns the input slot names, sorted for deterministic
// iteration.
func (op *Operator) InputSlots() []string {
	return slices.Sorted(maps.Keys(op.Inputs))
}

// OutputSlots returns the output slot names, sorted.
func (op *Operator) OutputSlots() []string {
	return slices.Sorted(maps.Keys(op.Outputs))
}

// InputArgNames returns all input variable names, slot by slot in sorted slot
// order.
func (op *Operator) InputArgNames() []string {
	var names []string
	for _, slot := range op.InputSlots() {
		names = append(names, op.Inputs[slot]...)
	}
	return names
}

// OutputArgNames returns all output variable names, slot by slot in sorted
// slot order.
func (op *Operator) OutputArgNames() []string {
	var names []string
	for _, slot := range op.OutputSlots() {
		names = append(names, op.Outputs[slot]...)
	}
	return names
}

// RenameInput replaces every occurrence of oldName in the input slots.
func (op *Operator) RenameInput(oldName, newName string) {
	renameIn(op.Inputs, oldName, newName)
}

// RenameOutput replaces every occurrence of oldName in the output slots.
func (op *Operator) RenameOutput(oldName, newName string) {
	renameIn(op.Outputs, oldName, newName)
}

func renameIn(slots map[string][]string, oldName, newName string) {
	for _, names := range slots {
		for i, name := range names {
			if name == oldName {
				names[i] = newName
			}
		}
	}
}

// Clone returns a deep copy of the operator. The copy's ID is reset: it is
// assigned anew when the copy is appended to a program.
func (op *Operator) Clone() *Operator {
	c := &Operator{
		Type:    op.Type,
		ID:      -1,
		Role:    op.Role,
		Inputs:  cloneSlots(op.Inputs),
		Outputs: cloneSlots(op.Outputs),
	}
	if op.Attrs != nil {
		c.Attrs = make(map[string]any, len(op.Attrs))
		for key, value := range op.Attrs {
			if ints, ok := value.([]int); ok {
				c.Attrs[key] = slices.Clone(ints)
			} else {
				c.Attrs[key] = value
			}
		}
	}
	return c
}

func cloneSlots(slots map[string][]string) map[string][]string {
	if slots == nil {
		return nil
	}
	c := make(map[string][]string, len(slots))
	for slot, names := range slots {
		c[slot] = slices.Clone(names)
	}
	return c
}
