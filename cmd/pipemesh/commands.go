package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/pipemesh/pkg/core/collective"
	"github.com/gomlx/pipemesh/pkg/core/distributed"
	"github.com/gomlx/pipemesh/pkg/ml/models/prefixlm"
	"github.com/gomlx/pipemesh/pkg/ml/pipeline"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Environment variables passed by launch to its workers.
const (
	EnvRank      = "PIPEMESH_RANK"
	EnvWorldSize = "PIPEMESH_WORLD_SIZE"
	EnvAddrs     = "PIPEMESH_ADDRS"
	EnvRunID     = "PIPEMESH_RUN_ID"
)

func runPlan(args []string) error {
	o := newOptions("plan")
	if err := o.parse(args); err != nil {
		return err
	}
	mesh, err := distributed.ResolveMesh(o.pipeline.PipelineSize, o.pipeline.DataSize, o.pipeline.TensorSize, o.world)
	if err != nil {
		return err
	}
	specs := prefixlm.Specs(o.model)
	partition, err := pipeline.PartitionLayers(specs, mesh.PipelineSize, o.pipeline.PartitionMethod)
	if err != nil {
		return err
	}
	printMesh(mesh)
	printRanks(must.M1(distributed.NewTopology(mesh)))
	printPartition(specs, partition)
	printTies(specs, partition)
	return nil
}

func runSimulate(ctx context.Context, args []string) error {
	o := newOptions("simulate")
	if err := o.parse(args); err != nil {
		return err
	}
	runID := uuid.NewString()
	klog.Infof("simulating run %s with %d ranks", runID, o.world)
	reports := make([]*rankReport, o.world)
	progress := newTrainProgress(o.steps)
	err := collective.RunLocal(ctx, o.world, func(ctx context.Context, rank int, t collective.Transport) error {
		var onStep func(step int, loss float32)
		if rank == 0 {
			onStep = progress.update
		}
		report, err := runRank(ctx, t, o, onStep)
		if err != nil {
			return errors.WithMessagef(err, "rank %d", rank)
		}
		reports[rank] = report
		return nil
	})
	progress.finish()
	if err != nil {
		return err
	}
	printReports(runID, reports)
	return nil
}

// workerEnv is the configuration of a worker read from its environment.
type workerEnv struct {
	rank  int
	addrs []string
	runID string
}

func workerEnvFromEnviron(environ []string) (workerEnv, error) {
	values := make(map[string]string)
	for _, entry := range environ {
		if key, value, found := strings.Cut(entry, "="); found {
			values[key] = value
		}
	}
	var env workerEnv
	for _, key := range []string{EnvRank, EnvWorldSize, EnvAddrs} {
		if _, found := values[key]; !found {
			return env, errors.Errorf("environment variable %s not set", key)
		}
	}
	rank, err := strconv.Atoi(values[EnvRank])
	if err != nil {
		return env, errors.Wrapf(err, "failed to parse %s=%q", EnvRank, values[EnvRank])
	}
	worldSize, err := strconv.Atoi(values[EnvWorldSize])
	if err != nil {
		return env, errors.Wrapf(err, "failed to parse %s=%q", EnvWorldSize, values[EnvWorldSize])
	}
	env.rank = rank
	env.addrs = strings.Split(values[EnvAddrs], ",")
	env.runID = values[EnvRunID]
	if len(env.addrs) != worldSize {
		return env, errors.Errorf("%s lists %d addresses for %s=%d", EnvAddrs, len(env.addrs), EnvWorldSize, worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return env, errors.Errorf("%s=%d out of the world [0, %d)", EnvRank, rank, worldSize)
	}
	if env.runID == "" {
		env.runID = uuid.NewString()
	}
	return env, nil
}

func runWorker(ctx context.Context, args []string) error {
	o := newOptions("worker")
	if err := o.parse(args); err != nil {
		return err
	}
	env, err := workerEnvFromEnviron(os.Environ())
	if err != nil {
		return err
	}
	o.world = len(env.addrs)
	transport, err := collective.ListenTCP(env.rank, env.addrs)
	if err != nil {
		return err
	}
	defer func() { _ = transport.Close() }()

	report, err := runRank(ctx, transport, o, func(step int, loss float32) {
		klog.V(1).Infof("rank %d: step %d loss %s", env.rank, step, formatLoss(loss))
	})
	if err != nil {
		return errors.WithMessagef(err, "worker %d", env.rank)
	}
	if env.rank == 0 {
		printReports(env.runID, []*rankReport{report})
	}
	if o.execCommand == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", o.execCommand)
	cmd.Env = append(os.Environ(), report.discovery.Environ()...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "worker %d: failed to run %q", env.rank, o.execCommand)
	}
	return nil
}

// freeAddresses returns n addresses with free ports on the loopback interface.
func freeAddresses(n int) ([]string, error) {
	listeners := make([]net.Listener, 0, n)
	defer func() {
		for _, l := range listeners {
			_ = l.Close()
		}
	}()
	addrs := make([]string, n)
	for ii := range addrs {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, errors.Wrap(err, "failed to find a free port")
		}
		listeners = append(listeners, l)
		addrs[ii] = l.Addr().String()
	}
	return addrs, nil
}

func runLaunch(ctx context.Context, args, globalArgs []string) error {
	o := newOptions("launch")
	if err := o.parse(args); err != nil {
		return err
	}
	addrs, err := freeAddresses(o.world)
	if err != nil {
		return err
	}
	runID := uuid.NewString()
	executable := must.M1(os.Executable())
	klog.Infof("launching run %s: %d workers on %s", runID, o.world, strings.Join(addrs, ", "))
	fmt.Println(titleStyle.Render("Launching " + runID))

	g, gCtx := errgroup.WithContext(ctx)
	for rank := range o.world {
		cmd := exec.CommandContext(gCtx, executable, slices.Concat(globalArgs, []string{"worker"}, args)...)
		cmd.Env = append(os.Environ(),
			EnvRank+"="+strconv.Itoa(rank),
			EnvWorldSize+"="+strconv.Itoa(o.world),
			EnvAddrs+"="+strings.Join(addrs, ","),
			EnvRunID+"="+runID)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		g.Go(func() error {
			if err := cmd.Run(); err != nil {
				return errors.Wrapf(err, "worker %d", rank)
			}
			return nil
		})
	}
	return g.Wait()
}
