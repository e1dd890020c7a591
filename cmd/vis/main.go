// Command vis renders an image that maximizes a layer, channel or neuron of a model.
//
//	vis -model_file inception.json -layer mixed4d -channel 139 -fft_decorrelation \
//	    -color_decorrelation none -random_scale none -random_rotation none -padding 16
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strconv"
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
	channel       int
	extractNeuron bool
	imageSize     string
	contentImage  string

	saveIter    int
	printIter   int
	outputImage string

	lr                 float64
	lrSchedule         string
	optimizer          string
	sgdMomentum        float64
	numIterations      int
	jitter             string
	fftDecorrelation   bool
	decayPower         float64
	colorDecorrelation string
	randomScale        string
	randomRotation     string
	padding            int

	useDevice     string
	notCaffe      bool
	seed          int64
	noBranches    bool
	detectAnomaly bool
	debugLayers   bool
	listLayers    bool
}

func main() {
	p := &params{}
	// Input options
	flag.IntVar(&p.numClasses, "num_classes", 120, "Number of model classes")
	flag.StringVar(&p.dataMean, "data_mean", "", "Comma separated input mean (default: model norm stats)")
	flag.StringVar(&p.layer, "layer", "mixed5a", "Layer to visualize")
	flag.StringVar(&p.modelFile, "model_file", "", "Model bundle or config JSON")
	flag.IntVar(&p.channel, "channel", -1, "Channel to visualize (-1 for the whole layer)")
	flag.BoolVar(&p.extractNeuron, "extract_neuron", false, "Only maximize the center neuron")
	flag.StringVar(&p.imageSize, "image_size", "224,224", "Output size H,W")
	flag.StringVar(&p.contentImage, "content_image", "", "Start from this image instead of noise")

	// Output options
	flag.IntVar(&p.saveIter, "save_iter", 0, "Save a checkpoint every N iterations (0 disables)")
	flag.IntVar(&p.printIter, "print_iter", 25, "Print the loss every N iterations (0 disables)")
	flag.StringVar(&p.outputImage, "output_image", "out.jpg", "Output image path")

	// Optimization options
	flag.Float64Var(&p.lr, "lr", 1.5, "Learning rate")
	flag.Float64Var(&p.lr, "learning_rate", 1.5, "Alias of -lr")
	flag.StringVar(&p.lrSchedule, "lr_schedule", "constant", "Learning rate schedule: constant, linear or cosine")
	flag.StringVar(&p.optimizer, "optimizer", "adam", "Optimizer: adam, adamw, sgd or rmsprop")
	flag.Float64Var(&p.sgdMomentum, "sgd_momentum", 0, "Momentum for -optimizer sgd")
	flag.IntVar(&p.numIterations, "num_iterations", 500, "Number of iterations")
	flag.StringVar(&p.jitter, "jitter", "16", "Jitter in pixels; a second value adds a jitter after scale and rotation")
	flag.BoolVar(&p.fftDecorrelation, "fft_decorrelation", false, "Optimize in a decorrelated Fourier space")
	flag.Float64Var(&p.decayPower, "decay_power", 1.0, "Frequency decay of the Fourier parameterization")
	flag.StringVar(&p.colorDecorrelation, "color_decorrelation", "", `Color decorrelation: "none" for the model's or ImageNet's matrix, or 9 comma separated values`)
	flag.StringVar(&p.randomScale, "random_scale", "", `Random scaling: "none" for the default scales, or a list`)
	flag.StringVar(&p.randomRotation, "random_rotation", "", `Random rotation: "none" for the default degrees, or a list`)
	flag.IntVar(&p.padding, "padding", 0, "Reflection padding, cropped again after the random transforms")

	// Other options
	flag.StringVar(&p.useDevice, "use_device", "cpu", `Loss reduction device: "cpu", "gpu" or "gpu:<adapter name>"`)
	flag.BoolVar(&p.notCaffe, "not_caffe", false, "Model takes RGB input in [0,1]")
	flag.Int64Var(&p.seed, "seed", -1, "Random seed (-1 for time based)")
	flag.BoolVar(&p.noBranches, "no_branches", false, "Drop auxiliary branches from the model")
	flag.BoolVar(&p.detectAnomaly, "detect_anomaly", false, "Fail at the first NaN or Inf")
	flag.BoolVar(&p.debugLayers, "debug_layers", false, "Print activation statistics of every layer and the GPU adapter choice")
	flag.BoolVar(&p.listLayers, "list_layers", false, "Print the model layers and exit")
	flag.Parse()

	if err := run(p); err != nil {
		log.Fatalf("vis: %v", err)
	}
}

func newRand(seed int64) *rand.Rand {
	if seed > -1 {
		return rand.New(rand.NewSource(seed))
	}
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

func run(p *params) error {
	h, w, err := imageio.ParseImageSize(p.imageSize)
	if err != nil {
		return err
	}
	rng := newRand(p.seed)

	net, norm, _, err := nn.LoadVisModel(p.modelFile, p.numClasses, !p.noBranches)
	if err != nil {
		return err
	}
	if p.listLayers {
		return nn.ExtractNetworkBlueprint(net, p.modelFile).WriteTable(os.Stdout)
	}

	mean, err := inputMean(p.dataMean, norm, p.notCaffe)
	if err != nil {
		return err
	}

	net.RedirectReLU()
	if p.debugLayers {
		for i := range net.Layers {
			if err := net.AttachObserver(i, &nn.ConsoleObserver{}); err != nil {
				return err
			}
		}
	}

	stages, deprocess, err := preprocessing(p, net, h, w, rng)
	if err != nil {
		return err
	}
	model := dream.NewModel(transform.NewPipeline(stages...), net)

	lossFunc := dream.MeanLoss
	if strings.HasPrefix(p.useDevice, "gpu") {
		if _, hint, ok := strings.Cut(p.useDevice, ":"); ok {
			gpu.SetAdapterHint(hint)
		}
		gpu.Verbose = p.debugLayers
		reducer, err := gpu.NewReducer()
		if err != nil {
			return err
		}
		defer reducer.Release()
		lossFunc = reducer.Mean
	}
	objectives, err := dream.RegisterHook(net, p.layer, p.channel, lossFunc, p.extractNeuron)
	if err != nil {
		return err
	}

	input, err := initialInput(p, stages, h, w, mean, rng)
	if err != nil {
		return err
	}

	opt, err := newOptimizer(p.optimizer, p.sgdMomentum)
	if err != nil {
		return err
	}
	sched, err := nn.NewScheduler(p.lrSchedule, float32(p.lr), p.numIterations)
	if err != nil {
		return err
	}

	cfg := dream.DefaultConfig()
	cfg.Iterations = p.numIterations
	cfg.LearningRate = float32(p.lr)
	cfg.SaveEvery = p.saveIter
	cfg.PrintEvery = p.printIter
	cfg.OutputImage = p.outputImage
	cfg.Deprocess = dream.DeprocessInfo{Mean: mean, NotCaffe: p.notCaffe}
	cfg.DeprocessFunc = deprocess
	cfg.Optimizer = opt
	cfg.Scheduler = sched
	cfg.DetectAnomaly = p.detectAnomaly

	fmt.Printf("Running optimization with %s\n", strings.ToUpper(opt.Name()))
	out, err := dream.Dream(model, input, cfg, objectives)
	if err != nil {
		return err
	}
	if deprocess != nil {
		if out, err = deprocess(out); err != nil {
			return err
		}
	}
	return imageio.SimpleDeprocess(out, p.outputImage, mean, p.notCaffe)
}

func newOptimizer(name string, momentum float64) (nn.Optimizer, error) {
	if momentum == 0 {
		return nn.NewOptimizer(name)
	}
	if name != "sgd" {
		return nil, fmt.Errorf("-sgd_momentum needs -optimizer sgd, got %q", name)
	}
	return nn.NewSGDOptimizerWithMomentum(float32(momentum), 0, false), nil
}

// inputMean prefers -data_mean, then the model's norm stats, then the ImageNet default
func inputMean(flagValue string, norm *nn.NormStats, notCaffe bool) ([]float32, error) {
	if flagValue != "" {
		mean, err := imageio.ParseFloatList(flagValue)
		if err != nil {
			return nil, err
		}
		if len(mean) != 3 {
			return nil, fmt.Errorf("-data_mean needs 3 values, got %d", len(mean))
		}
		return mean, nil
	}
	if norm != nil && len(norm.Mean) == 3 {
		return norm.Mean, nil
	}
	return imageio.DefaultMean(notCaffe), nil
}

// preprocessing builds the stages in application order: decorrelation, padding, jitter,
// scale, rotation, second jitter, crop.
func preprocessing(p *params, net *nn.Network, h, w int, rng *rand.Rand) ([]transform.Stage, transform.DeprocessFunc, error) {
	dcfg := transform.DecorrelationConfig{
		Height:     h,
		Width:      w,
		FFT:        p.fftDecorrelation,
		DecayPower: p.decayPower,
		Color:      p.colorDecorrelation != "",
	}
	switch p.colorDecorrelation {
	case "", "none":
		dcfg.ColorMatrix = net.Meta.ColorCorrelation
	default:
		m, err := parseMatrix(p.colorDecorrelation)
		if err != nil {
			return nil, nil, err
		}
		dcfg.ColorMatrix = m
	}
	stages, deprocess, err := transform.DecorrelationLayers(dcfg)
	if err != nil {
		return nil, nil, err
	}

	jitter, err := parseInts(p.jitter)
	if err != nil {
		return nil, nil, fmt.Errorf("-jitter: %w", err)
	}

	if p.padding > 0 {
		stages = append(stages, transform.NewReflectionPad(p.padding))
	}
	if len(jitter) > 0 && jitter[0] > 0 {
		stages = append(stages, transform.NewJitter(jitter[0], rng))
	}
	if p.randomScale != "" {
		scales, err := transform.ParseScaleList(p.randomScale)
		if err != nil {
			return nil, nil, err
		}
		stages = append(stages, transform.NewRandomScale(scales, rng))
	}
	if p.randomRotation != "" {
		degrees, err := transform.ParseRotationList(p.randomRotation)
		if err != nil {
			return nil, nil, err
		}
		stages = append(stages, transform.NewRandomRotation(degrees, rng))
	}
	if len(jitter) > 1 {
		stages = append(stages, transform.NewJitter(jitter[1], rng))
	}
	if p.padding > 0 {
		stages = append(stages, transform.NewCenterCrop(p.padding))
	}
	return stages, deprocess, nil
}

func initialInput(p *params, stages []transform.Stage, h, w int, mean []float32, rng *rand.Rand) (*nn.Tensor[float32], error) {
	if p.contentImage != "" {
		if p.fftDecorrelation {
			return nil, fmt.Errorf("-content_image cannot be combined with -fft_decorrelation")
		}
		return imageio.Preprocess(p.contentImage, h, w, mean, p.notCaffe)
	}
	if p.fftDecorrelation {
		return stages[0].(*transform.SpectralParam).NewParameterTensor(1, 0.01, rng), nil
	}
	x := nn.NewTensor[float32](1, 3, h, w)
	for i := range x.Data {
		x.Data[i] = float32(rng.NormFloat64() * 0.01)
	}
	return x, nil
}

func parseInts(s string) ([]int, error) {
	var values []int
	for _, part := range strings.Split(s, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// parseMatrix reads 9 comma separated values in row-major order
func parseMatrix(s string) ([][]float32, error) {
	values, err := imageio.ParseFloatList(s)
	if err != nil {
		return nil, err
	}
	if len(values) != 9 {
		return nil, fmt.Errorf("-color_decorrelation needs 9 values, got %d", len(values))
	}
	return [][]float32{values[0:3], values[3:6], values[6:9]}, nil
}
