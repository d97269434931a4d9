package main

import (
	"os"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/gomlx/autoparallel/distattr"
	"github.com/gomlx/autoparallel/program"
)

// bundle is the on-disk form of an annotated serial program pair: the
// programs themselves plus the distribution annotations an upstream
// annotation pass produced for them.
type bundle struct {
	Mesh struct {
		Name     string `json:"name"`
		Topology []int  `json:"topology"`
		Ranks    []int  `json:"ranks,omitempty"`
	} `json:"mesh"`

	Main    *program.Program `json:"main"`
	Startup *program.Program `json:"startup,omitempty"`

	// Loss names the loss variable of the main program, required when the
	// backward and optimize phases run.
	Loss string `json:"loss,omitempty"`

	// Vars maps variable names to their dimension mappings on the mesh.
	Vars map[string][]int `json:"vars"`

	// Ops annotates the main program's operators, in execution order. A
	// missing or shorter list leaves the trailing operators with mappings
	// derived from their variables and no implementation chosen.
	Ops []bundleOpAttr `json:"ops,omitempty"`
}

type bundleOpAttr struct {
	ImplIdx    *int             `json:"impl_idx,omitempty"`
	InputDims  map[string][]int `json:"input_dims,omitempty"`
	OutputDims map[string][]int `json:"output_dims,omitempty"`
}

// loadBundle parses the bundle file and rebuilds the attribute store it
// describes: every variable and every operator of the main program (and the
// startup parameters) ends up annotated.
func loadBundle(path string) (*bundle, *distattr.ProcessMesh, *distattr.Context, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "cannot read bundle file %q", path)
	}
	var b bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, nil, nil, errors.Wrapf(err, "cannot parse bundle file %q", path)
	}
	if b.Main == nil {
		return nil, nil, nil, errors.Errorf("bundle %q has no main program", path)
	}
	mesh, err := distattr.NewProcessMesh(b.Mesh.Name, b.Mesh.Topology, b.Mesh.Ranks)
	if err != nil {
		return nil, nil, nil, errors.WithMessagef(err, "invalid mesh in bundle %q", path)
	}

	ctx := distattr.NewContext()
	annotateVars(ctx, mesh, b.Main, b.Vars)
	if b.Startup != nil {
		annotateVars(ctx, mesh, b.Startup, b.Vars)
	}
	for i, op := range b.Main.Ops() {
		var annotated bundleOpAttr
		if i < len(b.Ops) {
			annotated = b.Ops[i]
		}
		attr := distattr.NewOpAttr(mesh)
		if annotated.ImplIdx != nil {
			attr.WithImpl(*annotated.ImplIdx)
		}
		for _, name := range op.InputArgNames() {
			attr.SetInputDims(name, argDims(annotated.InputDims, b.Vars, b.Main, name))
		}
		for _, name := range op.OutputArgNames() {
			attr.SetOutputDims(name, argDims(annotated.OutputDims, b.Vars, b.Main, name))
		}
		ctx.SetOpAttr(op, attr)
	}
	return &b, mesh, ctx, nil
}

// annotateVars registers a tensor attribute for every variable of the
// program: the bundle's mapping when given, replication otherwise.
func annotateVars(ctx *distattr.Context, mesh *distattr.ProcessMesh, p *program.Program, dims map[string][]int) {
	for _, v := range p.Vars() {
		if mapping, found := dims[v.Name]; found {
			ctx.SetTensorAttr(v, distattr.NewTensorAttr(mesh, mapping))
		} else {
			ctx.SetTensorAttr(v, distattr.Replicated(mesh, v.Rank()))
		}
	}
}

// argDims resolves the mapping of one operator argument: the per-op override
// when given, the variable's own mapping otherwise, replication as a last
// resort.
func argDims(override, varDims map[string][]int, p *program.Program, name string) []int {
	if mapping, found := override[name]; found {
		return mapping
	}
	if mapping, found := varDims[name]; found {
		return mapping
	}
	if v, err := p.Var(name); err == nil {
		mapping := make([]int, v.Rank())
		for i := range mapping {
			mapping[i] = distattr.NotDistributed
		}
		return mapping
	}
	return nil
}
