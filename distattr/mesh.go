// Package distattr holds the distribution metadata the partitioner consumes
// and produces: the process mesh a tensor or operator is laid out on, the
// per-dimension mapping describing which mesh axis each tensor dimension is
// split across, and the Context that associates variables and operators with
// those attributes.
package distattr

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/autoparallel/internal/utils"
	"github.com/pkg/errors"
)

// NotDistributed is the dimension-mapping entry for a tensor dimension that
// is replicated (not split across any mesh axis).
const NotDistributed = -1

// ProcessMesh is an N-dimensional grid of process ranks describing how
// distributed work is laid out. Its topology is the ordered list of per-axis
// extents.
type ProcessMesh struct {
	name string

	// topology holds the number of processes along each mesh axis.
	topology []int

	// ranks lists the process ranks in the mesh, row-major over the
	// topology.
	ranks []int
}

// NewProcessMesh creates a mesh with the given topology and process ranks.
//
//   - name: identifies the mesh; only letters, digits and underscores are
//     allowed.
//   - topology: number of processes along each mesh axis, one positive entry
//     per axis.
//   - ranks: the process ranks laid out row-major over the topology. If nil,
//     ranks 0..n-1 are assigned sequentially.
func NewProcessMesh(name string, topology []int, ranks []int) (*ProcessMesh, error) {
	if name != utils.NormalizeIdentifier(name) {
		return nil, errors.Errorf("mesh name %q is not a valid identifier, suggestion %q",
			name, utils.NormalizeIdentifier(name))
	}
	if len(topology) == 0 {
		return nil, errors.New("ProcessMesh topology cannot be empty")
	}
	numRanks := 1
	for i, extent := range topology {
		if extent <= 0 {
			return nil, errors.Errorf("ProcessMesh topology entry %d must be positive, got %d", i, extent)
		}
		numRanks *= extent
	}
	if ranks == nil {
		ranks = make([]int, numRanks)
		for i := range ranks {
			ranks[i] = i
		}
	} else {
		if len(ranks) != numRanks {
			return nil, errors.Errorf("ProcessMesh needs %d ranks for topology %v, got %d",
				numRanks, topology, len(ranks))
		}
		seen := utils.MakeSet[int](numRanks)
		for _, rank := range ranks {
			if seen.Has(rank) {
				return nil, errors.Errorf("process rank %d is duplicated in mesh %q", rank, name)
			}
			seen.Insert(rank)
		}
		ranks = slices.Clone(ranks)
	}
	return &ProcessMesh{
		name:     name,
		topology: slices.Clone(topology),
		ranks:    ranks,
	}, nil
}

// Name returns the mesh name.
func (m *ProcessMesh) Name() string {
	return m.name
}

// Topology returns a copy of the per-axis extents.
func (m *ProcessMesh) Topology() []int {
	return slices.Clone(m.topology)
}

// NumAxes returns the number of mesh axes.
func (m *ProcessMesh) NumAxes() int {
	return len(m.topology)
}

// AxisExtent returns the number of processes along the given mesh axis.
func (m *ProcessMesh) AxisExtent(axis int) (int, error) {
	if axis < 0 || axis >= len(m.topology) {
		return 0, errors.Errorf("mesh %q has no axis %d (topology %v)", m.name, axis, m.topology)
	}
	return m.topology[axis], nil
}

// NumRanks returns the total number of processes in the mesh.
func (m *ProcessMesh) NumRanks() int {
	return len(m.ranks)
}

// Ranks returns a copy of the process ranks, row-major over the topology.
func (m *ProcessMesh) Ranks() []int {
	return slices.Clone(m.ranks)
}

// Contains reports whether the given process rank belongs to the mesh.
func (m *ProcessMesh) Contains(rank int) bool {
	return slices.Contains(m.ranks, rank)
}

// String implements the fmt.Stringer interface.
func (m *ProcessMesh) String() string {
	var sb strings.Builder
	sb.WriteString("ProcessMesh(")
	sb.WriteString(m.name)
	sb.WriteString(", topology=")
	_, _ = fmt.Fprintf(&sb, "%v)", m.topology)
	return sb.String()
}

// ReplicaGroups returns the groups of process ranks that communicate in a
// collective operation along the given mesh axis: each group varies only that
// axis, all other axes fixed.
//
// Example:
//
//	m, _ := NewProcessMesh("mesh", []int{2, 2}, nil)
//	m.ReplicaGroups(0) // -> [][]int{{0, 2}, {1, 3}}
//	m.ReplicaGroups(1) // -> [][]int{{0, 1}, {2, 3}}
func (m *ProcessMesh) ReplicaGroups(axis int) ([][]int, error) {
	groupSize, err := m.AxisExtent(axis)
	if err != nil {
		return nil, err
	}
	numGroups := len(m.ranks) / groupSize
	groups := make([][]int, numGroups)
	for i := range groups {
		groups[i] = make([]int, groupSize)
	}

	for flatIdx, rank := range m.ranks {
		// Convert flat index to per-axis indices.
		indices := make([]int, len(m.topology))
		remaining := flatIdx
		for i := len(m.topology) - 1; i >= 0; i-- {
			indices[i] = remaining % m.topology[i]
			remaining /= m.topology[i]
		}

		// Group index comes from the fixed axes, the position within the
		// group from the chosen axis.
		groupIdx := 0
		for i := 0; i < len(m.topology); i++ {
			if i == axis {
				continue
			}
			groupIdx = groupIdx*m.topology[i] + indices[i]
		}
		groups[groupIdx][indices[axis]] = rank
	}
	return groups, nil
}
