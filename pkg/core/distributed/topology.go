// Package distributed describes how the ranks of a world are arranged in a 3-D process mesh
// (pipeline stages x data-parallel replicas x tensor-parallel shards), and creates the communication groups
// each rank needs.
package distributed

import (
	"fmt"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Names of the mesh axes, in rank order: pipe-major, tensor-minor.
const (
	AxisPipe  = "pipe"
	AxisData  = "data"
	AxisModel = "model"
)

var meshAxes = []string{AxisPipe, AxisData, AxisModel}

// ErrInvalidMesh is returned when the requested parallel dimensions cannot tile the world.
var ErrInvalidMesh = errors.New("invalid process mesh")

// MeshConfig holds the resolved parallel dimensions.
//
// After ResolveMesh: PipelineSize * DataSize * TensorSize == WorldSize.
type MeshConfig struct {
	PipelineSize, DataSize, TensorSize int
	WorldSize                          int

	// Adjusted is set when DataSize was recomputed because the requested dimensions didn't match WorldSize.
	// RequestedDataSize holds the value that was requested.
	Adjusted          bool
	RequestedDataSize int
}

// String implements fmt.Stringer.
func (c MeshConfig) String() string {
	return fmt.Sprintf("pipe=%d x data=%d x model=%d (world=%d)", c.PipelineSize, c.DataSize, c.TensorSize, c.WorldSize)
}

// ResolveMesh validates the requested parallel dimensions against the observed world size.
//
// A dataSize of 0 means "derive from the world size". If pipelineSize*dataSize*tensorSize differs from worldSize,
// dataSize is recomputed as worldSize/(pipelineSize*tensorSize) and a warning is logged. If that division isn't
// exact, or any dimension is < 1, it returns an error wrapping ErrInvalidMesh.
func ResolveMesh(pipelineSize, dataSize, tensorSize, worldSize int) (MeshConfig, error) {
	cfg := MeshConfig{
		PipelineSize:      pipelineSize,
		DataSize:          dataSize,
		TensorSize:        tensorSize,
		WorldSize:         worldSize,
		RequestedDataSize: dataSize,
	}
	if pipelineSize < 1 || tensorSize < 1 || dataSize < 0 || worldSize < 1 {
		return cfg, errors.Wrapf(ErrInvalidMesh, "pipeline_size=%d, tensor_size=%d, data_size=%d, world_size=%d",
			pipelineSize, tensorSize, dataSize, worldSize)
	}
	if dataSize > 0 && pipelineSize*dataSize*tensorSize == worldSize {
		return cfg, nil
	}
	modelParallel := pipelineSize * tensorSize
	if worldSize%modelParallel != 0 {
		return cfg, errors.Wrapf(ErrInvalidMesh,
			"world size %d is not divisible by pipeline_size*tensor_size=%d*%d",
			worldSize, pipelineSize, tensorSize)
	}
	cfg.DataSize = worldSize / modelParallel
	if dataSize > 0 {
		cfg.Adjusted = true
		klog.Warningf("pipeline_size*data_size*tensor_size=%d*%d*%d does not match world size %d: "+
			"using data_size=%d instead", pipelineSize, dataSize, tensorSize, worldSize, cfg.DataSize)
	}
	return cfg, nil
}

// Coordinate of a rank in the mesh.
type Coordinate struct {
	Pipe, Data, Tensor int
}

// String implements fmt.Stringer.
func (c Coordinate) String() string {
	return fmt.Sprintf("(pipe=%d, data=%d, model=%d)", c.Pipe, c.Data, c.Tensor)
}

// Topology maps ranks to coordinates of the mesh described by a MeshConfig.
type Topology struct {
	config MeshConfig
	mesh   *Mesh
}

// NewTopology creates the topology for a resolved MeshConfig.
func NewTopology(config MeshConfig) (*Topology, error) {
	if config.PipelineSize*config.DataSize*config.TensorSize != config.WorldSize {
		return nil, errors.Wrapf(ErrInvalidMesh, "unresolved mesh %s", config)
	}
	mesh, err := NewMesh([]int{config.PipelineSize, config.DataSize, config.TensorSize}, meshAxes)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidMesh, "%s: %v", config, err)
	}
	return &Topology{config: config, mesh: mesh}, nil
}

// Config returns the resolved mesh configuration.
func (t *Topology) Config() MeshConfig { return t.config }

// Mesh returns the underlying named-axes mesh.
func (t *Topology) Mesh() *Mesh { return t.mesh }

// WorldSize is the number of ranks.
func (t *Topology) WorldSize() int { return t.config.WorldSize }

// Coordinate returns the mesh coordinate of rank.
func (t *Topology) Coordinate(rank int) (Coordinate, error) {
	indices, err := t.mesh.Coordinates(rank)
	if err != nil {
		return Coordinate{}, err
	}
	return Coordinate{Pipe: indices[0], Data: indices[1], Tensor: indices[2]}, nil
}

// Rank returns the rank at coordinate c.
func (t *Topology) Rank(c Coordinate) (int, error) {
	return t.mesh.RankOf([]int{c.Pipe, c.Data, c.Tensor})
}

// StageRanks returns the rank of every pipeline stage holding the given data-parallel and tensor-parallel
// indices, ordered by stage.
func (t *Topology) StageRanks(data, tensor int) ([]int, error) {
	ranks := make([]int, t.config.PipelineSize)
	for stage := range ranks {
		rank, err := t.Rank(Coordinate{Pipe: stage, Data: data, Tensor: tensor})
		if err != nil {
			return nil, err
		}
		ranks[stage] = rank
	}
	return ranks, nil
}
