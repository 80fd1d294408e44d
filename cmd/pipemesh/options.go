package main

import (
	"flag"
	"maps"
	"strconv"
	"strings"

	"github.com/gomlx/pipemesh/internal/settings"
	"github.com/gomlx/pipemesh/pkg/core/tensors"
	"github.com/gomlx/pipemesh/pkg/ml/generation"
	"github.com/gomlx/pipemesh/pkg/ml/models/prefixlm"
	"github.com/gomlx/pipemesh/pkg/ml/pipeline"
	"github.com/pkg/errors"
)

// options of the plan, simulate, launch and worker commands.
type options struct {
	fs *flag.FlagSet

	world, steps, batchSize, seqLen int
	learningRate                    float64
	prompt, configPath, execCommand string
	set                             *string

	pipeline   pipeline.Config
	model      prefixlm.Config
	generation generation.Config
}

// allParams merges the settings of the pipeline, the model and the generation.
func (o *options) allParams() settings.Params {
	params := o.pipeline.Params()
	maps.Copy(params, o.model.Params())
	maps.Copy(params, o.generation.Params())
	return params
}

func newOptions(command string) *options {
	o := &options{
		fs:         flag.NewFlagSet(command, flag.ContinueOnError),
		pipeline:   pipeline.DefaultConfig(),
		model:      prefixlm.DefaultConfig(),
		generation: generation.DefaultConfig(),
	}
	// Seeded layers get the same weights for any number of stages.
	o.pipeline.SeedLayers = true
	o.fs.IntVar(&o.world, "world", 2, "Number of ranks. Ignored by worker, which reads it from "+EnvWorldSize+".")
	o.fs.IntVar(&o.steps, "steps", 20, "Number of training steps before generating.")
	o.fs.IntVar(&o.batchSize, "batch", 4, "Training batch size, a multiple of micro_batches.")
	o.fs.IntVar(&o.seqLen, "seq_len", 8, "Training sequence length.")
	o.fs.Float64Var(&o.learningRate, "learning_rate", 0.1, "SGD learning rate.")
	o.fs.StringVar(&o.prompt, "prompt", "1,2,3", "Prompt token ids, rows separated by \";\", e.g. \"1,2;5,6\".")
	o.fs.StringVar(&o.configPath, "config", "", "YAML file with the pipeline configuration. "+
		"The values given with -set take precedence.")
	o.fs.StringVar(&o.execCommand, "exec", "", "Shell command run by each worker after generating, "+
		"with the PIPEMESH_PP_* discovery variables of its rank in the environment.")
	o.set = settings.CreateFlag(o.fs, o.allParams(), "set")
	return o
}

// parse the command line arguments and the configuration they point to.
func (o *options) parse(args []string) error {
	if err := o.fs.Parse(args); err != nil {
		return err
	}
	if o.fs.NArg() > 0 {
		return errors.Errorf("unexpected arguments %q", o.fs.Args())
	}
	if o.configPath != "" {
		cfg, err := pipeline.LoadConfigFile(o.configPath)
		if err != nil {
			return err
		}
		o.pipeline = cfg
	}
	params := o.allParams()
	if _, err := settings.Parse(params, *o.set); err != nil {
		return err
	}
	o.pipeline.FromParams(params)
	if err := o.pipeline.Validate(); err != nil {
		return err
	}
	if err := o.model.FromParams(params); err != nil {
		return err
	}
	if err := o.generation.FromParams(params); err != nil {
		return err
	}
	o.generation.UseCache = o.pipeline.UseCache
	if o.world < 1 || o.steps < 0 || o.batchSize < 1 || o.seqLen < 2 {
		return errors.Errorf("invalid -world=%d, -steps=%d, -batch=%d or -seq_len=%d",
			o.world, o.steps, o.batchSize, o.seqLen)
	}
	if o.batchSize%o.pipeline.MicroBatches != 0 {
		return errors.Errorf("-batch=%d is not a multiple of %s=%d",
			o.batchSize, pipeline.ParamMicroBatches, o.pipeline.MicroBatches)
	}
	if _, err := parsePrompt(o.prompt, o.model.VocabSize); err != nil {
		return err
	}
	return nil
}

// parsePrompt parses rows of comma-separated token ids, separated by ";".
func parsePrompt(prompt string, vocabSize int) (*tensors.Tensor, error) {
	var rows [][]int32
	for _, rowStr := range strings.Split(prompt, ";") {
		var row []int32
		for _, idStr := range strings.Split(rowStr, ",") {
			idStr = strings.TrimSpace(idStr)
			if idStr == "" {
				continue
			}
			id, err := strconv.Atoi(idStr)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid token id %q in prompt %q", idStr, prompt)
			}
			if id < 0 || id >= vocabSize {
				return nil, errors.Errorf("token id %d in prompt %q out of the vocabulary [0, %d)", id, prompt, vocabSize)
			}
			row = append(row, int32(id))
		}
		if len(row) == 0 {
			return nil, errors.Errorf("empty row in prompt %q", prompt)
		}
		if len(rows) > 0 && len(row) != len(rows[0]) {
			return nil, errors.Errorf("prompt %q rows have different lengths", prompt)
		}
		rows = append(rows, row)
	}
	return tensors.FromRows(rows), nil
}
