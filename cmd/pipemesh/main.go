// pipemesh plans, simulates and launches pipeline-parallel runs of a small prefix language model.
//
// Usage:
//
//	pipemesh [klog flags] <command> [command flags]
//
// Commands:
//
//	plan      prints the mesh, the layer partition and the tied weights of a configuration, without running it.
//	simulate  runs every rank in the same process, connected by in-memory channels.
//	launch    starts one worker process per rank, connected over TCP on the loopback interface.
//	worker    runs one rank, configured by the PIPEMESH_RANK, PIPEMESH_WORLD_SIZE and PIPEMESH_ADDRS
//	          environment variables. Usually started by launch.
//
// Examples:
//
//	pipemesh plan -world=8 -set="pipeline_size=2;tensor_size=2;partition_method=uniform"
//	pipemesh simulate -world=4 -steps=50 -set="pipeline_size=2;micro_batches=2"
//	pipemesh -v=1 launch -world=2 -set="pipeline_size=2" -exec='env | grep PIPEMESH_PP'
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func usage() {
	out := flag.CommandLine.Output()
	_, _ = fmt.Fprintf(out, "Usage: %s [klog flags] plan|simulate|launch|worker [command flags]\n\n", os.Args[0])
	_, _ = fmt.Fprintf(out, "Use \"%s <command> -help\" for the flags of a command. Global flags:\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		klog.Errorf("Missing command. See '%s -help'", os.Args[0])
		os.Exit(1)
	}
	command, args := flag.Arg(0), flag.Args()[1:]
	// Global flags are forwarded to the workers started by launch.
	globalArgs := os.Args[1 : len(os.Args)-flag.NArg()]

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var err error
	switch command {
	case "plan":
		err = runPlan(args)
	case "simulate":
		err = runSimulate(ctx, args)
	case "launch":
		err = runLaunch(ctx, args, globalArgs)
	case "worker":
		err = runWorker(ctx, args)
	default:
		klog.Errorf("Unknown command %q. See '%s -help'", command, os.Args[0])
		os.Exit(1)
	}
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		klog.Exitf("%s failed: %+v", command, err)
	}
	klog.Flush()
}
