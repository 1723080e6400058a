// symba_train trains a sequence-to-sequence model on the train/valid/test CSV splits of a data directory.
//
// For multi-worker runs, start one process per worker with the same configuration and the environment
// variables RANK (or SLURM_PROCID or LOCAL_RANK), WORLD_SIZE, MASTER_ADDR and MASTER_PORT. Rank 0 hosts
// the coordination hub, logs, saves checkpoints and evaluates.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/symba/internal/setup"
	"github.com/gomlx/symba/pkg/config"
	"github.com/gomlx/symba/pkg/data"
	"github.com/gomlx/symba/pkg/distributed"
	"github.com/gomlx/symba/pkg/trainer"
	"github.com/gomlx/symba/pkg/tracking"
	"github.com/gomlx/symba/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagConfig  = flag.String("config", "", "YAML configuration file. Fields not set keep their defaults, and SYMBA_<FIELD> environment variables override both.")
	flagModel   = flag.String("model", string(config.FamilyTransformer), "Model family: \"transformer\" or \"skanformer\".")
	flagBackend = flag.String("backend", "", "GoMLX backend configuration, e.g. \"xla:cuda\". If empty uses GOMLX_BACKEND or the default backend.")
	flagNoBar   = flag.Bool("no_progress", false, "Disable the progress bar.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cfg := must.M1(setup.TrainingConfig(config.Family(*flagModel), *flagConfig))
	s := cfg.TrainingSettings()

	env := must.M1(distributed.EnvFromProcess())
	if env.WorldSize != s.WorldSize {
		klog.Warningf("world_size=%d in the configuration, but WORLD_SIZE=%d in the environment: using the environment",
			s.WorldSize, env.WorldSize)
		s.WorldSize = env.WorldSize
	}
	if s.Backend != "tcp" {
		klog.Exitf("backend %q not supported, only \"tcp\"", s.Backend)
	}
	rank := env.GlobalRank()
	coordinator := rank == 0

	// Data and vocabularies.
	tokenizer := setup.Tokenizer(&s.Inference)
	splits := must.M1(data.LoadSplits(s.DataDir))
	vocabs := must.M1(setup.BuildVocabularies(&s.Inference, splits, tokenizer))
	if coordinator {
		must.M(vocabs.Save(&s.Inference))
	}
	encoder := vocabs.Encoder(&s.Inference, tokenizer)
	trainExamples := must.M1(encoder.EncodeAll(splits.Train))
	validExamples := must.M1(encoder.EncodeAll(splits.Valid))
	testExamples := must.M1(encoder.EncodeAll(splits.Test))
	datasets := trainer.Datasets{
		Train: data.NewLoader(trainExamples, data.LoaderConfig{
			Name: data.Train, BatchSize: s.TrainingBatchSize,
			SrcMaxLen: s.SrcMaxLen, TgtMaxLen: s.TgtMaxLen,
			Shuffle: s.TrainShuffle, Seed: s.Seed,
			Rank: rank, WorldSize: env.WorldSize, NumWorkers: s.NumWorkers,
		}),
		// Validation runs on the full split in every worker.
		Valid: data.NewLoader(validExamples, data.LoaderConfig{
			Name: data.Valid, BatchSize: s.ValidBatchSize,
			SrcMaxLen: s.SrcMaxLen, TgtMaxLen: s.TgtMaxLen,
			Shuffle: s.ValidShuffle, Seed: s.Seed,
			Rank: 0, WorldSize: 1, NumWorkers: s.NumWorkers,
		}),
		Test:    testExamples,
		TgtITOS: vocabs.Tgt.ITOS(),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	group := must.M1(distributed.New(ctx, env))
	defer func() { _ = group.Close() }()
	klog.Infof("%s: %s", s.ModelName, env)

	var backend backends.Backend
	if *flagBackend != "" {
		backend = must.M1(backends.NewWithConfig(*flagBackend))
	} else {
		backend = backends.MustNew()
	}
	klog.Infof("Backend: %s", backend.Description())

	sink := tracking.Nop()
	if coordinator {
		stepsPerEpoch := datasets.Train.NumBatches()
		sink = tracking.Multi(
			tracking.NewFileSink(s.RootDir),
			tracking.NewProgressionSink(filepath.Join(s.RootDir, s.ModelName+"_progression.json"), stepsPerEpoch, s.Epochs),
			&tracking.LogSink{Every: 10},
		)
	}
	t := must.M1(trainer.New(backend, cfg, group, datasets, sink))
	if coordinator && !*flagNoBar {
		t.WithProgress(commandline.NewProgressBar(os.Stdout))
	}
	if err := t.Fit(ctx); err != nil {
		klog.Exitf("Training failed: %+v", err)
	}
	if coordinator {
		fmt.Printf("\n%s: %d epochs, %d steps, best validation loss %.4f\n",
			s.ModelName, len(t.State().TrainLosses), t.State().GlobalStep, t.State().BestValidLoss)
		must.M(commandline.ReportLosses(os.Stdout, t.State().Record()))
	}
}
