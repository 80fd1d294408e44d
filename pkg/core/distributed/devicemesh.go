package distributed

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Mesh defines the logical topology of the ranks of a world: a row-major grid with named axes.
//
// The last axis varies fastest: in a mesh with axes sizes {2, 3}, ranks 0, 1 and 2 share the index 0 of the
// first axis.
type Mesh struct {
	// axesNames are the names of the mesh axes.
	axesNames []string

	// axesSizes defines the number of ranks along each mesh axis.
	axesSizes []int

	// nameToAxis maps axis names to their index.
	nameToAxis map[string]int

	// numRanks is the total number of ranks in the mesh.
	numRanks int
}

// IsNameValid checks whether a name is a valid identifier for a mesh axis name.
func IsNameValid(name string) bool {
	if name == "" {
		return false
	}
	if name[0] >= '0' && name[0] <= '9' {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return false
	}
	return true
}

// NewMesh creates a new logical topology of ranks.
//
//   - axesSizes: defines the number of ranks along each mesh axis, one value per axis, each >= 1.
//   - axesNames: the names of the mesh axes. One value per axis, valid identifiers (see IsNameValid).
func NewMesh(axesSizes []int, axesNames []string) (*Mesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, errors.New("Mesh axesSizes cannot be empty")
	}

	numRanks := 1
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, name := range axesNames {
		if !IsNameValid(name) {
			return nil, errors.Errorf(
				"Mesh axis name %q at index %d is not a valid identifier, it must start with a ASCII letter "+
					"and be followed only by letters, numbers or underscore", name, i)
		}
		if _, found := nameToAxis[name]; found {
			return nil, errors.Errorf("Mesh axis name %q is duplicated", name)
		}
		if axesSizes[i] < 1 {
			return nil, errors.Errorf("Mesh axis %q has size %d, it must be >= 1", name, axesSizes[i])
		}
		nameToAxis[name] = i
		numRanks *= axesSizes[i]
	}

	return &Mesh{
		axesNames:  slices.Clone(axesNames),
		axesSizes:  slices.Clone(axesSizes),
		nameToAxis: nameToAxis,
		numRanks:   numRanks,
	}, nil
}

// NumRanks returns the total number of ranks in the mesh.
func (m *Mesh) NumRanks() int {
	return m.numRanks
}

// NumAxes returns the number of axes in the mesh.
func (m *Mesh) NumAxes() int {
	return len(m.axesSizes)
}

// AxesNames returns a copy of the mesh's axis names.
func (m *Mesh) AxesNames() []string {
	return slices.Clone(m.axesNames)
}

// AxesSizes returns a copy of the mesh's axesSizes.
func (m *Mesh) AxesSizes() []int {
	return slices.Clone(m.axesSizes)
}

// AxisSize returns the number of ranks along the given mesh axis.
func (m *Mesh) AxisSize(axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 0, errors.Errorf("mesh axis %q not found", axisName)
	}
	return m.axesSizes[idx], nil
}

// String implements the fmt.Stringer interface.
func (m *Mesh) String() string {
	var sb strings.Builder
	sb.WriteString("Mesh(axesSizes={")
	for i, name := range m.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %d", name, m.axesSizes[i])
	}
	sb.WriteString("})")
	return sb.String()
}

// Coordinates returns the per-axis indices of rank.
func (m *Mesh) Coordinates(rank int) ([]int, error) {
	if rank < 0 || rank >= m.numRanks {
		return nil, errors.Errorf("rank %d out of range for %s", rank, m)
	}
	indices := make([]int, len(m.axesSizes))
	remaining := rank
	for i := len(m.axesSizes) - 1; i >= 0; i-- {
		indices[i] = remaining % m.axesSizes[i]
		remaining /= m.axesSizes[i]
	}
	return indices, nil
}

// RankOf returns the rank at the given per-axis indices.
func (m *Mesh) RankOf(indices []int) (int, error) {
	if len(indices) != len(m.axesSizes) {
		return 0, errors.Errorf("mesh has %d axes, got %d indices", len(m.axesSizes), len(indices))
	}
	rank := 0
	for i, idx := range indices {
		if idx < 0 || idx >= m.axesSizes[i] {
			return 0, errors.Errorf("index %d out of range for mesh axis %q of size %d",
				idx, m.axesNames[i], m.axesSizes[i])
		}
		rank = rank*m.axesSizes[i] + idx
	}
	return rank, nil
}

// ComputeReplicaGroups returns the groups of ranks participating in some collective operation given the
// axes along which the operation is performed.
//
// Each group (a []int) includes the ranks varying along the axes specified, in the order of those axes.
// The other axes will be split into different groups.
//
// Example:
//
//	m := NewMesh([]int{2, 2}, []string{"pipe", "data"})
//	pipeGroups, _ := m.ComputeReplicaGroups([]string{"pipe"})  // -> [][]int{{0, 2}, {1, 3}}
//	dataGroups, _ := m.ComputeReplicaGroups([]string{"data"})  // -> [][]int{{0, 1}, {2, 3}}
//	worldGroups, _ := m.ComputeReplicaGroups([]string{"pipe", "data"})  // -> [][]int{{0, 1, 2, 3}}
func (m *Mesh) ComputeReplicaGroups(axes []string) ([][]int, error) {
	// Find indices of the specified axes
	axisIndices := make([]int, 0, len(axes))
	for _, axis := range axes {
		idx, found := m.nameToAxis[axis]
		if !found {
			return nil, errors.Errorf("axis %q not found in mesh", axis)
		}
		if slices.Contains(axisIndices, idx) {
			return nil, errors.Errorf("axis %q is duplicated: each axis can only appear once", axis)
		}
		axisIndices = append(axisIndices, idx)
	}

	nonAxisIndices := make([]int, 0, len(m.axesSizes)-len(axisIndices))
	for i := range m.axesSizes {
		if !slices.Contains(axisIndices, i) {
			nonAxisIndices = append(nonAxisIndices, i)
		}
	}

	groupSize := 1
	for _, idx := range axisIndices {
		groupSize *= m.axesSizes[idx]
	}
	groups := make([][]int, m.numRanks/groupSize)
	for i := range groups {
		groups[i] = make([]int, groupSize)
	}

	for rank := 0; rank < m.numRanks; rank++ {
		indices, _ := m.Coordinates(rank)

		// Group index from non-axis indices.
		groupIdx := 0
		multiplier := 1
		for i := len(nonAxisIndices) - 1; i >= 0; i-- {
			axisIdx := nonAxisIndices[i]
			groupIdx += indices[axisIdx] * multiplier
			multiplier *= m.axesSizes[axisIdx]
		}

		// Position within group from axis indices.
		posInGroup := 0
		multiplier = 1
		for i := len(axisIndices) - 1; i >= 0; i-- {
			axisIdx := axisIndices[i]
			posInGroup += indices[axisIdx] * multiplier
			multiplier *= m.axesSizes[axisIdx]
		}

		groups[groupIdx][posInGroup] = rank
	}
	return groups, nil
}

// ReplicaGroupOf returns the group of ComputeReplicaGroups(axes) that contains rank.
func (m *Mesh) ReplicaGroupOf(axes []string, rank int) ([]int, error) {
	groups, err := m.ComputeReplicaGroups(axes)
	if err != nil {
		return nil, err
	}
	for _, group := range groups {
		if slices.Contains(group, rank) {
			return group, nil
		}
	}
	return nil, errors.Errorf("rank %d out of range for %s", rank, m)
}
