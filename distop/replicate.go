package distop

import (
	"github.com/gomlx/autoparallel/program"
)

// Replicate is the universal fallback implementation: it performs no
// distribution-specific transformation, it copies the operator unchanged
// except for renaming its variable references to their distributed
// counterparts. It supports both the forward and the backward transform.
type Replicate struct{}

func (Replicate) ForwardSupported() bool  { return true }
func (Replicate) BackwardSupported() bool { return true }

// Forward copies the source operator with renamed references.
func (Replicate) Forward(pc *PartitionContext) ([]*program.Operator, error) {
	return []*program.Operator{pc.emitRenamedCopy()}, nil
}

// Backward leaves the gradient operator untouched: replication needs no
// gradient synchronization beyond what the operator already does.
func (Replicate) Backward(pc *PartitionContext) ([]*program.Operator, error) {
	return nil, nil
}
