package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/pcdetect/pkg/config"
	"github.com/cyclopcam/pcdetect/pkg/metrics"
	"github.com/cyclopcam/pcdetect/pkg/nn"
	"github.com/cyclopcam/pcdetect/pkg/nnload"
	"github.com/cyclopcam/pcdetect/pkg/pipeline"
	"github.com/cyclopcam/pcdetect/pkg/pointcloud"
	"github.com/cyclopcam/pcdetect/pkg/resultdb"
	"github.com/cyclopcam/pcdetect/pkg/results"
)

type cliArgs struct {
	cfgFile     string
	dataPath    string
	ckpt        string
	ext         string
	outRoot     string
	onError     string
	backend     string
	dbFile      string
	metricsFile string
	listRuns    bool
	showRun     string
}

func main() {
	parser := argparse.NewParser("pcdetect", "Run a trained 3D object detector over a directory of point clouds, and write one text file of boxes per point cloud")
	cfgFile := parser.String("", "cfg_file", &argparse.Options{Help: "YAML config file (class names, model backend, output)", Default: ""})
	dataPath := parser.String("", "data_path", &argparse.Options{Help: "Point cloud directory, or a single point cloud file", Default: "demo_data"})
	ckpt := parser.String("", "ckpt", &argparse.Options{Help: "Trained checkpoint, named like epoch_<N>.pth (required unless listing runs)", Default: ""})
	ext := parser.String("", "ext", &argparse.Options{Help: "Extension of the point cloud files (.bin or .npy)", Default: pointcloud.ExtBin})
	outRoot := parser.String("", "out", &argparse.Options{Help: "Directory in which evaluation_<N> is created (overrides output.root)", Default: ""})
	onError := parser.String("", "on_error", &argparse.Options{Help: "What to do when a sample fails: abort or skip (overrides output.on_error)", Default: ""})
	backend := parser.String("", "backend", &argparse.Options{Help: "Model backend: cluster or triton (overrides model.backend)", Default: ""})
	dbFile := parser.String("", "db", &argparse.Options{Help: "Record the run in this sqlite database", Default: ""})
	metricsFile := parser.String("", "metrics", &argparse.Options{Help: "Write Prometheus metrics to this textfile at the end of the run", Default: ""})
	listRuns := parser.Flag("", "list_runs", &argparse.Options{Help: "Print the runs recorded in --db, and exit", Default: false})
	showRun := parser.String("", "show_run", &argparse.Options{Help: "Print the samples and detections of this run (UUID) from --db, and exit", Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}
	if *ckpt == "" && !*listRuns && *showRun == "" {
		fmt.Print(parser.Usage("[--ckpt] is required"))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	args := cliArgs{
		cfgFile:     *cfgFile,
		dataPath:    *dataPath,
		ckpt:        *ckpt,
		ext:         *ext,
		outRoot:     *outRoot,
		onError:     *onError,
		backend:     *backend,
		dbFile:      *dbFile,
		metricsFile: *metricsFile,
		listRuns:    *listRuns,
		showRun:     *showRun,
	}
	if args.listRuns || args.showRun != "" {
		err = report(logger, &args)
	} else {
		err = run(logger, &args)
	}
	if err != nil {
		logger.Errorf("%v", err)
		logger.Close()
		os.Exit(1)
	}
	logger.Infof("Done")
}

func run(logger logs.Log, args *cliArgs) error {
	// Fail on a bad extension before doing anything expensive
	if err := pointcloud.CheckExtension(args.ext); err != nil {
		return err
	}

	cfg, err := config.Load(args.cfgFile)
	if err != nil {
		return err
	}
	cfg.Apply(config.Overrides{
		Backend:    args.backend,
		OnError:    args.onError,
		OutputRoot: args.outRoot,
	})
	if err := cfg.Validate(); err != nil {
		return err
	}
	policy, err := pipeline.ParseFailurePolicy(cfg.Output.OnError)
	if err != nil {
		return err
	}

	logger.Infof("-----------------Point Cloud Detection-------------------------")

	classes := results.NewClassTable(cfg.ClassNames)
	formatter := results.NewFormatter(classes)
	formatter.RoundDecimals = cfg.Output.RoundDecimals

	factory := func(dataset nn.DatasetInfo) (*nn.Model, error) {
		return nnload.Build(logger, cfg, classes.Len(), dataset)
	}

	runner := pipeline.NewRunner(logger, factory, formatter, pipeline.Options{
		DataPath:   args.dataPath,
		Extension:  args.ext,
		Checkpoint: args.ckpt,
		OutputRoot: cfg.Output.Root,
		OnError:    policy,
	})

	if args.dbFile != "" {
		db, err := resultdb.Open(logger, args.dbFile)
		if err != nil {
			return err
		}
		defer db.Close()
		runner.DB = db
	}
	if args.metricsFile != "" {
		runner.Metrics = metrics.New()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, runErr := runner.Run(ctx)
	if summary.NumWritten != 0 || summary.NumSkipped != 0 {
		logger.Infof("Wrote %v of %v samples to %v (%v skipped)", summary.NumWritten, summary.NumSamples, summary.OutputDir, summary.NumSkipped)
	}

	if runner.Metrics != nil {
		if err := runner.Metrics.WriteTextfile(args.metricsFile); err != nil {
			logger.Errorf("%v", err)
		}
	}
	return runErr
}

// report prints what an earlier run recorded in the result DB
func report(logger logs.Log, args *cliArgs) error {
	if args.dbFile == "" {
		return fmt.Errorf("--list_runs and --show_run need --db")
	}
	if _, err := os.Stat(args.dbFile); err != nil {
		return fmt.Errorf("Result database %v: %w", args.dbFile, err)
	}
	db, err := resultdb.Open(logger, args.dbFile)
	if err != nil {
		return err
	}
	defer db.Close()

	if args.listRuns {
		if err := db.WriteRunList(os.Stdout); err != nil {
			return err
		}
	}
	if args.showRun != "" {
		cfg, err := config.Load(args.cfgFile)
		if err != nil {
			return err
		}
		formatter := results.NewFormatter(results.NewClassTable(cfg.ClassNames))
		formatter.RoundDecimals = cfg.Output.RoundDecimals
		if err := db.WriteRun(os.Stdout, args.showRun, formatter); err != nil {
			return err
		}
	}
	return nil
}
