// autopartition partitions an annotated serial training program into the
// distributed program of one rank.
//
// The input is a JSON bundle with the serial main/startup programs, the
// process mesh and the distribution annotations (see bundle.go). The output
// is the rank's distributed program pair, as readable text or as JSON.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/autoparallel"
	"github.com/gomlx/autoparallel/autodiff"
	"github.com/gomlx/autoparallel/completion"
	"github.com/gomlx/autoparallel/optim"
	"github.com/gomlx/autoparallel/program"
)

func main() {
	var (
		bundlePath   string
		strategyPath string
		rank         int
		suffix       string
		asJSON       bool
		withTraining bool
		learningRate float64
		verbosity    int
	)
	app := &cli.Command{
		Name:  "autopartition",
		Usage: "Partition an annotated serial program for one rank",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "bundle",
				Usage:       "path to the annotated program bundle (JSON)",
				Required:    true,
				Destination: &bundlePath,
			},
			&cli.StringFlag{
				Name:        "strategy",
				Usage:       "path to the distributed strategy (YAML); defaults apply when omitted",
				Destination: &strategyPath,
			},
			&cli.IntFlag{
				Name:        "rank",
				Usage:       "target rank to partition for",
				Destination: &rank,
			},
			&cli.StringFlag{
				Name:        "suffix",
				Usage:       "suffix appended to serial variable names in the distributed program",
				Destination: &suffix,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "emit the distributed programs as JSON instead of text",
				Destination: &asJSON,
			},
			&cli.BoolFlag{
				Name:        "training",
				Usage:       "also run the backward and optimize phases (requires a loss in the bundle)",
				Destination: &withTraining,
			},
			&cli.Float64Flag{
				Name:        "learning-rate",
				Usage:       "SGD step size for the optimize phase",
				Value:       0.01,
				Destination: &learningRate,
			},
			&cli.IntFlag{
				Name:        "v",
				Usage:       "log verbosity",
				Destination: &verbosity,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			klog.InitFlags(nil)
			_ = flag.Set("v", strconv.Itoa(verbosity))
			return run(bundlePath, strategyPath, rank, suffix, asJSON, withTraining, learningRate)
		},
	}
	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(bundlePath, strategyPath string, rank int, suffix string, asJSON, withTraining bool, learningRate float64) error {
	b, _, attrCtx, err := loadBundle(bundlePath)
	if err != nil {
		return err
	}
	strategy := autoparallel.DefaultStrategy()
	if strategyPath != "" {
		if strategy, err = autoparallel.LoadStrategy(strategyPath); err != nil {
			return err
		}
	}

	partitioner, err := autoparallel.NewPartitioner(strategy, attrCtx, rank)
	if err != nil {
		return err
	}
	partitioner.WithDistSuffix(suffix).
		WithDifferentiator(autodiff.Engine{}).
		WithCompleter(completion.Basic{})

	distMain, distStartup, err := partitioner.TranspileForward(b.Main, b.Startup)
	if err != nil {
		return err
	}

	if withTraining {
		if b.Loss == "" {
			return fmt.Errorf("bundle %q names no loss variable, required with --training", bundlePath)
		}
		loss, err := b.Main.Var(b.Loss)
		if err != nil {
			return err
		}
		pairs, err := partitioner.ApplyBackward(loss, b.Main, b.Startup, distMain, distStartup, nil, nil, nil)
		if err != nil {
			return err
		}
		if _, err := partitioner.ApplyOptimize(optim.NewSGD(learningRate), pairs, distMain, distStartup); err != nil {
			return err
		}
	}

	return emit(distMain, distStartup, asJSON)
}

func emit(distMain, distStartup *program.Program, asJSON bool) error {
	if asJSON {
		out := map[string]*program.Program{"main": distMain}
		if distStartup != nil {
			out["startup"] = distStartup
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(out)
	}
	if distStartup != nil {
		if err := distStartup.Write(os.Stdout); err != nil {
			return err
		}
	}
	return distMain.Write(os.Stdout)
}
