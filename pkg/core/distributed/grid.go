package distributed

import (
	"slices"

	"github.com/gomlx/pipemesh/pkg/core/collective"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Grid holds the communication groups of the local rank.
//
// It is created once per process (collectively, but without messages: every rank derives the same group names)
// and passed explicitly to the components that need it. It is immutable after construction.
type Grid struct {
	transport collective.Transport
	topology  *Topology
	rank      int
	coord     Coordinate

	world, data, tensor, pipe *collective.Group

	// prevStage and nextStage are the p2p pair groups with the adjacent stages, nil at the pipeline ends.
	prevStage, nextStage *collective.Group
}

// NewGrid creates the groups of the local rank of transport in the given topology.
// The transport world size must match the topology.
func NewGrid(transport collective.Transport, topology *Topology) (*Grid, error) {
	if transport.Size() != topology.WorldSize() {
		return nil, errors.Wrapf(ErrInvalidMesh, "transport has %d ranks but mesh %s requires %d",
			transport.Size(), topology.Config(), topology.WorldSize())
	}
	g := &Grid{transport: transport, topology: topology, rank: transport.Rank()}
	var err error
	if g.coord, err = topology.Coordinate(g.rank); err != nil {
		return nil, err
	}

	newGroup := func(kind string, axes []string) (*collective.Group, error) {
		ranks, err := topology.Mesh().ReplicaGroupOf(axes, g.rank)
		if err != nil {
			return nil, err
		}
		return collective.NewGroup(transport, collective.GroupName(kind, ranks), ranks)
	}
	if g.world, err = newGroup("world", meshAxes); err != nil {
		return nil, err
	}
	if g.data, err = newGroup("data", []string{AxisData}); err != nil {
		return nil, err
	}
	if g.tensor, err = newGroup("model", []string{AxisModel}); err != nil {
		return nil, err
	}
	if g.pipe, err = newGroup("pipe", []string{AxisPipe}); err != nil {
		return nil, err
	}

	stageRanks := g.pipe.Ranks()
	stage := g.coord.Pipe
	if stage > 0 {
		if g.prevStage, err = g.NewSubGroup("p2p", stageRanks[stage-1:stage+1]); err != nil {
			return nil, err
		}
	}
	if stage < len(stageRanks)-1 {
		if g.nextStage, err = g.NewSubGroup("p2p", stageRanks[stage:stage+2]); err != nil {
			return nil, err
		}
	}
	klog.V(1).Infof("rank %d: coordinate %s, pipe group %v, data group %v, model group %v",
		g.rank, g.coord, g.pipe.Ranks(), g.data.Ranks(), g.tensor.Ranks())
	return g, nil
}

// NewSubGroup creates a group of the given kind over arbitrary member ranks, which must include the local rank.
func (g *Grid) NewSubGroup(kind string, ranks []int) (*collective.Group, error) {
	ranks = slices.Clone(ranks)
	return collective.NewGroup(g.transport, collective.GroupName(kind, ranks), ranks)
}

// Topology returns the mesh topology.
func (g *Grid) Topology() *Topology { return g.topology }

// Config returns the resolved mesh configuration.
func (g *Grid) Config() MeshConfig { return g.topology.Config() }

// Rank is the world rank of the local process.
func (g *Grid) Rank() int { return g.rank }

// Coordinate of the local rank.
func (g *Grid) Coordinate() Coordinate { return g.coord }

// StageID is the pipeline stage of the local rank.
func (g *Grid) StageID() int { return g.coord.Pipe }

// DataParallelID is the data-parallel replica index of the local rank.
func (g *Grid) DataParallelID() int { return g.coord.Data }

// TensorParallelID is the tensor-parallel shard index of the local rank.
func (g *Grid) TensorParallelID() int { return g.coord.Tensor }

// NumStages is the number of pipeline stages.
func (g *Grid) NumStages() int { return g.topology.Config().PipelineSize }

// IsFirstStage reports whether the local rank holds the first pipeline stage.
func (g *Grid) IsFirstStage() bool { return g.coord.Pipe == 0 }

// IsLastStage reports whether the local rank holds the last pipeline stage.
func (g *Grid) IsLastStage() bool { return g.coord.Pipe == g.NumStages()-1 }

// WorldGroup contains all ranks.
func (g *Grid) WorldGroup() *collective.Group { return g.world }

// DataGroup contains the ranks sharing the pipeline stage and tensor shard of the local rank.
func (g *Grid) DataGroup() *collective.Group { return g.data }

// TensorGroup contains the ranks sharing the pipeline stage and data replica of the local rank.
func (g *Grid) TensorGroup() *collective.Group { return g.tensor }

// PipeGroup contains one rank per stage, all with the data and tensor indices of the local rank.
// Member index equals stage.
func (g *Grid) PipeGroup() *collective.Group { return g.pipe }

// PrevStageGroup is the pair group {previous stage, local}, or nil on the first stage.
// The previous stage has member index 0.
func (g *Grid) PrevStageGroup() *collective.Group { return g.prevStage }

// NextStageGroup is the pair group {local, next stage}, or nil on the last stage.
// The next stage has member index 1.
func (g *Grid) NextStageGroup() *collective.Group { return g.nextStage }
