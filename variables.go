package autoparallel

import (
	"github.com/pkg/errors"

	"github.com/gomlx/autoparallel/distattr"
	"github.com/gomlx/autoparallel/program"
)

// LocalShape computes the local shard shape of a variable on one rank of the
// mesh in its distribution attribute.
//
// Per dimension: a wildcard global size or a NotDistributed mapping entry
// keeps the size unchanged; otherwise the global size must be evenly
// divisible by the extent of the mesh axis the dimension is split across, and
// the local size is the quotient.
func LocalShape(v *program.Variable, attr *distattr.TensorAttr) ([]int, error) {
	if len(v.Shape) != len(attr.DimsMapping) {
		return nil, errors.Wrapf(ErrShapeMismatch,
			"variable %q has shape %v but dims mapping %v", v.Name, v.Shape, attr.DimsMapping)
	}
	local := make([]int, len(v.Shape))
	for i, global := range v.Shape {
		axis := attr.DimsMapping[i]
		if global == program.DimUnknown || axis == distattr.NotDistributed {
			local[i] = global
			continue
		}
		extent, err := attr.Mesh.AxisExtent(axis)
		if err != nil {
			return nil, errors.WithMessagef(err, "variable %q dimension %d", v.Name, i)
		}
		if global%extent != 0 {
			return nil, errors.Wrapf(ErrUnevenPartition,
				"variable %q dimension %d has global size %d, not divisible by mesh axis %d extent %d",
				v.Name, i, global, axis, extent)
		}
		local[i] = global / extent
	}
	return local, nil
}

// partitionVar materializes the distributed counterpart of a serial variable
// in the destination program: same descriptor with the local shard shape, and
// a registered distribution attribute mirroring the serial one (the
// shard-local view keeps the mesh and dimension mapping).
//
// Reader variables are never reshaped: they are recreated with identical
// metadata and marked persistent.
func (p *Partitioner) partitionVar(src *program.Variable, dst *program.Program, newName string) (*program.Variable, error) {
	srcAttr := p.ctx.TensorAttr(src)

	if src.Kind == program.Reader {
		v := src.Clone()
		v.Name = newName
		v.Persistable = true
		v.StopGradient = true
		created, err := dst.CreateVar(v)
		if err != nil {
			return nil, err
		}
		if srcAttr != nil {
			p.ctx.SetTensorAttr(created, srcAttr.Clone())
		}
		return created, nil
	}

	if srcAttr == nil {
		return nil, errors.Wrapf(ErrIncompleteAnnotation, "variable %q has no distribution attribute", src.Name)
	}
	localShape, err := LocalShape(src, srcAttr)
	if err != nil {
		return nil, err
	}

	v := src.Clone()
	v.Name = newName
	v.Shape = localShape
	created, err := dst.CreateVar(v)
	if err != nil {
		return nil, err
	}
	p.ctx.SetTensorAttr(created, srcAttr.Clone())
	return created, nil
}
