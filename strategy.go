package autoparallel

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Strategy holds the user-defined distributed-training strategy. It is
// consulted at each phase boundary for strategy-specific rewrites.
//
// Sharding (ZeRO-style optimizer-state sharding) is declared here but not
// supported yet: enabling it makes every phase fail fast with
// ErrShardingNotSupported rather than silently skipping the rewrites.
type Strategy struct {
	// Sharding enables optimizer-state sharding.
	Sharding bool `yaml:"sharding"`

	// ShardingDegree is the number of ranks the optimizer state would be
	// sharded across. Only meaningful when Sharding is set.
	ShardingDegree int `yaml:"sharding_degree"`

	// GradientSync keeps the naive all-reduce gradient synchronization
	// emitted by distributed backward implementations.
	GradientSync bool `yaml:"gradient_sync"`
}

// DefaultStrategy returns the strategy used when none is configured:
// no sharding, gradient synchronization on.
func DefaultStrategy() *Strategy {
	return &Strategy{GradientSync: true}
}

// LoadStrategy reads a Strategy from a YAML file.
func LoadStrategy(path string) (*Strategy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read strategy file %q", path)
	}
	strategy := DefaultStrategy()
	if err := yaml.Unmarshal(data, strategy); err != nil {
		return nil, errors.Wrapf(err, "cannot parse strategy file %q", path)
	}
	return strategy, nil
}
