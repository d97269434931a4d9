package autoparallel

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/autoparallel/distattr"
	"github.com/gomlx/autoparallel/distop"
)

// Partitioner converts an annotated serial program into a distributed
// program for one target rank, in three ordered phases: TranspileForward,
// ApplyBackward, ApplyOptimize.
//
// A Partitioner owns the serial-to-distributed variable renaming table for
// its whole lifetime: one instance is scoped to exactly one rank and one
// partitioning session, and must not be shared across concurrent sessions.
type Partitioner struct {
	strategy *Strategy
	ctx      *distattr.Context
	registry *distop.Registry

	differ    Differentiator
	completer Completer

	rank    int
	session string

	// suffix is appended to every serial variable name to form its
	// distributed counterpart's name.
	suffix string

	// renames maps serial variable names to their distributed names. It is
	// monotonic: once set, a mapping is never changed.
	renames map[string]string

	// autoBackwardCompatible is cleared when the forward program contains a
	// distributed operator the automatic backward pass cannot handle; the
	// alternative transpile path is not implemented.
	autoBackwardCompatible bool
}

// NewPartitioner creates a partitioner for one target rank.
//
// strategy and ctx are required; ctx is the distribution-attribute store the
// upstream annotation pass filled in for the serial program, and the store
// the partitioner registers the distributed variables'/operators' attributes
// into.
//
// The distributed-operator registry defaults to distop.NewRegistry(); the
// autodiff and completion collaborators must be supplied (see
// WithDifferentiator and WithCompleter) before ApplyBackward is called.
func NewPartitioner(strategy *Strategy, ctx *distattr.Context, rank int) (*Partitioner, error) {
	if strategy == nil {
		return nil, errors.Wrap(ErrConfiguration, "strategy must not be nil")
	}
	if ctx == nil {
		return nil, errors.Wrap(ErrConfiguration, "distribution-attribute context must not be nil")
	}
	if rank < 0 {
		return nil, errors.Wrapf(ErrConfiguration, "rank must be non-negative, got %d", rank)
	}
	p := &Partitioner{
		strategy:               strategy,
		ctx:                    ctx,
		registry:               distop.NewRegistry(),
		rank:                   rank,
		session:                uuid.NewString(),
		renames:                make(map[string]string),
		autoBackwardCompatible: true,
	}
	klog.V(1).Infof("autoparallel: new partitioner session %s for rank %d", p.session, rank)
	return p, nil
}

// WithRegistry replaces the distributed-operator registry.
// It returns the partitioner, so calls can be chained.
func (p *Partitioner) WithRegistry(registry *distop.Registry) *Partitioner {
	p.registry = registry
	return p
}

// WithDifferentiator sets the automatic-differentiation collaborator used by
// ApplyBackward. It returns the partitioner, so calls can be chained.
func (p *Partitioner) WithDifferentiator(differ Differentiator) *Partitioner {
	p.differ = differ
	return p
}

// WithCompleter sets the attribute-completion collaborator invoked after
// backward and optimize mutations. It returns the partitioner, so calls can
// be chained.
func (p *Partitioner) WithCompleter(completer Completer) *Partitioner {
	p.completer = completer
	return p
}

// WithDistSuffix sets the suffix appended to serial variable names to form
// their distributed names. Defaults to the empty string (distributed
// variables keep the serial names). It returns the partitioner, so calls can
// be chained.
func (p *Partitioner) WithDistSuffix(suffix string) *Partitioner {
	p.suffix = suffix
	return p
}

// WithoutAutoBackward flags the session as not compatible with automatic
// backward generation. ApplyBackward then fails fast with ErrNotImplemented:
// the serial-backward-then-transpile path does not exist. It returns the
// partitioner, so calls can be chained.
func (p *Partitioner) WithoutAutoBackward() *Partitioner {
	p.autoBackwardCompatible = false
	return p
}

// Rank returns the target rank of the session.
func (p *Partitioner) Rank() int {
	return p.rank
}

// distName returns the distributed name already recorded for the serial
// variable name.
func (p *Partitioner) distName(serialName string) (string, error) {
	distName, found := p.renames[serialName]
	if !found {
		return "", errors.Wrapf(ErrLookup, "serial variable %q has no distributed counterpart; "+
			"was TranspileForward called on this partitioner?", serialName)
	}
	return distName, nil
}

// recordRename records the serial-to-distributed name mapping. The table is
// monotonic: recording an existing key is a no-op.
func (p *Partitioner) recordRename(serialName, distName string) {
	if _, found := p.renames[serialName]; found {
		return
	}
	p.renames[serialName] = distName
}
