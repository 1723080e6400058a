// symba_predict decodes expressions with a trained model.
//
// The expressions to decode are given as arguments. Without arguments the test split of the data
// directory is decoded instead, and with -accuracy the sequence accuracy on it is reported.
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/symba/internal/setup"
	"github.com/gomlx/symba/pkg/config"
	"github.com/gomlx/symba/pkg/data"
	"github.com/gomlx/symba/pkg/predict"
	"github.com/gomlx/symba/pkg/vocab"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagConfig   = flag.String("config", "", "YAML configuration file, see symba_train.")
	flagModel    = flag.String("model", string(config.FamilyTransformer), "Model family: \"transformer\" or \"skanformer\".")
	flagBackend  = flag.String("backend", "", "GoMLX backend configuration. If empty uses GOMLX_BACKEND or the default backend.")
	flagBest     = flag.Bool("best", true, "Load the checkpoint with the best validation loss.")
	flagEpoch    = flag.Int("epoch", 0, "Load the checkpoint saved after this epoch (1-based). Takes precedence over -best.")
	flagAccuracy = flag.Bool("accuracy", false, "Report the sequence accuracy on the test split, sampling test_size examples.")
	flagLimit    = flag.Int("limit", 20, "Maximum number of test examples to print, when no expressions are given.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cfg := must.M1(setup.TestConfig(config.Family(*flagModel), *flagConfig))
	inf := cfg.InferenceSettings()
	tokenizer := setup.Tokenizer(inf)
	vocabs := must.M1(setup.LoadVocabularies(inf))

	var backend backends.Backend
	if *flagBackend != "" {
		backend = must.M1(backends.NewWithConfig(*flagBackend))
	} else {
		backend = backends.MustNew()
	}
	loadBest := *flagBest && *flagEpoch == 0
	epoch := *flagEpoch - 1
	klog.Infof("Loading %q", predict.CheckpointBase(cfg, loadBest, epoch))
	predictor := must.M1(predict.New(backend, cfg, loadBest, epoch))
	itos := vocabs.Tgt.ITOS()

	if args := flag.Args(); len(args) > 0 {
		for _, expr := range args {
			tokens := must.M1(tokenizer.Tokenize(expr))
			ex := data.Example{Src: vocabs.Src.Encode(tokens, true)}
			if len(ex.Src) > inf.SrcMaxLen {
				klog.Errorf("Expression %q has %d tokens, more than src_max_len=%d", expr, len(ex.Src), inf.SrcMaxLen)
				continue
			}
			fmt.Printf("%s\n\t=> %s\n", expr, must.M1(predictor.Predict(ex, itos)))
		}
		return
	}

	splits := must.M1(data.LoadSplits(inf.DataDir))
	test := must.M1(vocabs.Encoder(inf, tokenizer).EncodeAll(splits.Test))
	if *flagAccuracy {
		rng := rand.New(rand.NewPCG(uint64(inf.Seed), 0))
		acc := must.M1(predict.SequenceAccuracy(predictor, test, itos, inf.NumTestSamples(), rng))
		fmt.Printf("Test Accuracy: %.4f (%d samples)\n", acc, min(inf.NumTestSamples(), len(test)))
		return
	}
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers("Target", "Prediction", "")
	for _, ex := range test[:min(*flagLimit, len(test))] {
		prediction := must.M1(predictor.Predict(ex, itos))
		target := vocab.Decode(itos, ex.Tgt)
		mark := ""
		if prediction == target {
			mark = "✓"
		}
		table.Row(target, prediction, mark)
	}
	fmt.Fprintln(os.Stdout, table.String())
}
