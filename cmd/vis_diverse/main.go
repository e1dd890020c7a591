// Command vis_diverse renders a batch of images that all excite one channel while being
// pushed apart from each other by a diversity penalty.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openfluke/dreamloom/dream"
	"github.com/openfluke/dreamloom/gpu"
	"github.com/openfluke/dreamloom/imageio"
	"github.com/openfluke/dreamloom/nn"
	"github.com/openfluke/dreamloom/transform"
)

type params struct {
	numClasses    int
	dataMean      string
	layer         string
	modelFile     string
	modelEpoch    int
	imageSize     string
	outputDir     string
	saveIter      int
	printIter     int
	lr            float64
	lrSchedule    string
	numIterations int
	jitter        int
	batchSize     int
	channel       int

	similarityPenalty float64

	useDevice     string
	notCaffe      bool
	seed          int64
	noBranches    bool
	detectAnomaly bool
}

func main() {
	p := &params{}
	flag.IntVar(&p.numClasses, "num_classes", 120, "Number of model classes")
	flag.StringVar(&p.dataMean, "data_mean", "", "Comma separated input mean (default: model norm stats)")
	flag.StringVar(&p.layer, "layer", "fc", "Layer to visualize")
	flag.StringVar(&p.modelFile, "model_file", "", "Model bundle or config JSON")
	flag.IntVar(&p.modelEpoch, "model_epoch", 10, "Epoch used in output names when the model does not record one")
	flag.StringVar(&p.imageSize, "image_size", "224,224", "Output size H,W")
	flag.StringVar(&p.outputDir, "output_dir", "", "Directory for the output images")
	flag.IntVar(&p.saveIter, "save_iter", 0, "Save a checkpoint every N iterations (0 disables)")
	flag.IntVar(&p.printIter, "print_iter", 25, "Print the loss every N iterations (0 disables)")
	flag.Float64Var(&p.lr, "lr", 1.5, "Learning rate")
	flag.StringVar(&p.lrSchedule, "lr_schedule", "constant", "Learning rate schedule: constant, linear or cosine")
	flag.IntVar(&p.numIterations, "num_iterations", 250, "Number of iterations")
	flag.IntVar(&p.jitter, "jitter", 32, "Jitter in pixels")
	flag.IntVar(&p.batchSize, "batch_size", 4, "Number of images to generate")
	flag.IntVar(&p.channel, "channel", 0, "Channel to visualize")
	flag.Float64Var(&p.similarityPenalty, "similarity_penalty", 1e2, "Strength of the diversity penalty")
	flag.StringVar(&p.useDevice, "use_device", "cpu", `Loss reduction device: "cpu", "gpu" or "gpu:<adapter name>"`)
	flag.BoolVar(&p.notCaffe, "not_caffe", false, "Model takes RGB input in [0,1]")
	flag.Int64Var(&p.seed, "seed", -1, "Random seed (-1 for time based)")
	flag.BoolVar(&p.noBranches, "no_branches", false, "Drop auxiliary branches from the model")
	flag.BoolVar(&p.detectAnomaly, "detect_anomaly", true, "Fail at the first NaN or Inf")
	flag.Parse()

	if _, err := run(p); err != nil {
		log.Fatalf("vis_diverse: %v", err)
	}
}

// run writes one image per sample and returns their paths
func run(p *params) ([]string, error) {
	if p.batchSize < 1 {
		return nil, fmt.Errorf("-batch_size must be at least 1, got %d", p.batchSize)
	}
	h, w, err := imageio.ParseImageSize(p.imageSize)
	if err != nil {
		return nil, err
	}

	var rng *rand.Rand
	if p.seed > -1 {
		rng = rand.New(rand.NewSource(p.seed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	net, norm, _, err := nn.LoadVisModel(p.modelFile, p.numClasses, !p.noBranches)
	if err != nil {
		return nil, err
	}
	epoch := p.modelEpoch
	if net.Meta.Epoch > 0 {
		epoch = net.Meta.Epoch
	}

	var mean []float32
	switch {
	case p.dataMean != "":
		if mean, err = imageio.ParseFloatList(p.dataMean); err != nil {
			return nil, fmt.Errorf("-data_mean: %w", err)
		}
		if len(mean) != 3 {
			return nil, fmt.Errorf("-data_mean needs 3 values, got %d", len(mean))
		}
	case norm != nil && len(norm.Mean) == 3:
		mean = norm.Mean
	default:
		mean = imageio.DefaultMean(p.notCaffe)
	}

	net.RedirectReLU()

	lossFunc := dream.MeanLoss
	if strings.HasPrefix(p.useDevice, "gpu") {
		if _, hint, ok := strings.Cut(p.useDevice, ":"); ok {
			gpu.SetAdapterHint(hint)
		}
		reducer, err := gpu.NewReducer()
		if err != nil {
			return nil, err
		}
		defer reducer.Release()
		lossFunc = reducer.Mean
	}

	objectives, err := dream.RegisterBatchHook(net, p.layer, lossFunc, p.channel, float32(p.similarityPenalty))
	if err != nil {
		return nil, err
	}

	var stages []transform.Stage
	if p.jitter > 0 {
		stages = append(stages, transform.NewJitter(p.jitter, rng))
	}
	model := dream.NewModel(transform.NewPipeline(stages...), net)

	// Independent noise per sample; identical samples have no diversity gradient
	input := nn.NewTensor[float32](p.batchSize, 3, h, w)
	for i := range input.Data {
		input.Data[i] = float32(rng.NormFloat64() * 0.01)
	}

	if p.outputDir != "" {
		if err := os.MkdirAll(p.outputDir, 0o755); err != nil {
			return nil, err
		}
	}
	base := filepath.Join(p.outputDir, fmt.Sprintf("%s_c%04d", strings.ReplaceAll(p.layer, "/", "_"), p.channel))

	sched, err := nn.NewScheduler(p.lrSchedule, float32(p.lr), p.numIterations)
	if err != nil {
		return nil, err
	}

	cfg := dream.DefaultConfig()
	cfg.Iterations = p.numIterations
	cfg.LearningRate = float32(p.lr)
	cfg.SaveEvery = p.saveIter
	cfg.PrintEvery = p.printIter
	cfg.OutputImage = fmt.Sprintf("%s_e%03d.jpg", base, epoch)
	cfg.Deprocess = dream.DeprocessInfo{Mean: mean, NotCaffe: p.notCaffe}
	cfg.Scheduler = sched
	cfg.Reporter = &dream.ConsoleReporter{Prefix: "  "}
	cfg.DetectAnomaly = p.detectAnomaly

	fmt.Printf("\nAttempting to extract %d different features from %s channel %d\n", p.batchSize, p.layer, p.channel)
	fmt.Printf("Running optimization with ADAM\n\n")
	out, err := dream.Dream(model, input, cfg, objectives)
	if err != nil {
		return nil, err
	}

	var paths []string
	for i, sample := range dream.SplitBatch(out) {
		path := fmt.Sprintf("%s_f%03d_e%03d.jpg", base, i, epoch)
		if err := imageio.SimpleDeprocess(sample, path, mean, p.notCaffe); err != nil {
			return nil, err
		}
		fmt.Printf("Saved %s\n", path)
		paths = append(paths, path)
	}
	if p.batchSize > 1 {
		fmt.Printf("Max pairwise cosine similarity: %.4f\n", dream.MaxCosine(out))
	}
	return paths, nil
}
