package program

import "strings"

// GradVarSuffix is appended to a variable name to form the name of its
// gradient variable, and to an operator type to form its gradient operator
// type slot names (e.g. "Out@GRAD").
const GradVarSuffix = "@GRAD"

// GradVarName returns the gradient variable name for the given variable.
func GradVarName(name string) string {
	return name + GradVarSuffix
}

// BaseVarName strips the gradient suffix from a variable name. It reports
// whether the name was a gradient name.
func BaseVarName(name string) (string, bool) {
	base, found := strings.CutSuffix(name, GradVarSuffix)
	return base, found
}
