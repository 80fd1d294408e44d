package pipeline

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Environment keys of the published discovery state.
const (
	EnvParts        = "PIPEMESH_PP_PARTS"
	EnvStageID      = "PIPEMESH_PP_RANK"
	EnvDataParallel = "PIPEMESH_DP_RANK"
	EnvPipelineSize = "PIPEMESH_PP_SIZE"
	EnvDataSize     = "PIPEMESH_DP_SIZE"
	EnvTensorSize   = "PIPEMESH_TP_SIZE"
)

// Discovery is the state published by an Executor for tools running alongside the rank, like checkpoint
// writers or monitoring child processes.
type Discovery struct {
	// Parts is the partition boundaries: stage s owns layers [Parts[s], Parts[s+1]).
	Parts []int

	StageID, DataParallelID            int
	PipelineSize, DataSize, TensorSize int
}

// Environ returns the state as "KEY=value" entries, to be appended to the environment of child processes
// (e.g. exec.Cmd.Env). The environment of the current process is not modified.
func (d Discovery) Environ() []string {
	parts, _ := json.Marshal(d.Parts)
	return []string{
		EnvParts + "=" + string(parts),
		EnvStageID + "=" + strconv.Itoa(d.StageID),
		EnvDataParallel + "=" + strconv.Itoa(d.DataParallelID),
		EnvPipelineSize + "=" + strconv.Itoa(d.PipelineSize),
		EnvDataSize + "=" + strconv.Itoa(d.DataSize),
		EnvTensorSize + "=" + strconv.Itoa(d.TensorSize),
	}
}

// DiscoveryFromEnviron parses the entries written by Discovery.Environ, e.g. from os.Environ() in a child
// process. Unrelated entries are ignored; missing keys are an error.
func DiscoveryFromEnviron(environ []string) (Discovery, error) {
	values := make(map[string]string)
	for _, entry := range environ {
		key, value, found := strings.Cut(entry, "=")
		if found && strings.HasPrefix(key, "PIPEMESH_") {
			values[key] = value
		}
	}
	var d Discovery
	partsStr, found := values[EnvParts]
	if !found {
		return d, errors.Errorf("environment variable %s not set", EnvParts)
	}
	if err := json.Unmarshal([]byte(partsStr), &d.Parts); err != nil {
		return d, errors.Wrapf(err, "failed to parse %s=%q", EnvParts, partsStr)
	}
	for _, field := range []struct {
		key string
		ptr *int
	}{
		{EnvStageID, &d.StageID},
		{EnvDataParallel, &d.DataParallelID},
		{EnvPipelineSize, &d.PipelineSize},
		{EnvDataSize, &d.DataSize},
		{EnvTensorSize, &d.TensorSize},
	} {
		str, found := values[field.key]
		if !found {
			return d, errors.Errorf("environment variable %s not set", field.key)
		}
		v, err := strconv.Atoi(str)
		if err != nil {
			return d, errors.Wrapf(err, "failed to parse %s=%q", field.key, str)
		}
		*field.ptr = v
	}
	return d, nil
}
