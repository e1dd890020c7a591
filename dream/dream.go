// Package dream synthesizes images that maximize an internal signal of a frozen network.
//
// An Objective is attached to one layer as an observer. Every forward pass it reduces the
// layer's activation to a loss (the negated mean of a layer, channel or neuron) and keeps
// the gradient of that loss, which seeds the network's backward pass at the layer. Dream
// then runs gradient descent on the pixels:
//
//	net.RedirectReLU()
//	objectives, err := dream.RegisterHook(net, "mixed4d", 139, dream.MeanLoss, false)
//	model := dream.NewModel(transform.NewPipeline(jitter), net)
//
//	cfg := dream.DefaultConfig()
//	cfg.SaveEvery = 50
//	out, err := dream.Dream(model, img, cfg, objectives)
package dream

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/openfluke/dreamloom/imageio"
	"github.com/openfluke/dreamloom/nn"
	"github.com/openfluke/dreamloom/transform"
)

// DeprocessInfo holds the input normalization needed to write the pixels as an image
type DeprocessInfo struct {
	Mean     []float32
	NotCaffe bool
}

// Reporter observes the loop
type Reporter interface {
	Progress(iteration int, loss float32)
	Checkpoint(iteration int, path string)
}

// Saver persists an image tensor in network input space
type Saver interface {
	Save(path string, img *nn.Tensor[float32]) error
}

// ConsoleReporter prints progress lines to W (stdout when nil)
type ConsoleReporter struct {
	W      io.Writer
	Prefix string
}

func (r *ConsoleReporter) writer() io.Writer {
	if r.W == nil {
		return os.Stdout
	}
	return r.W
}

func (r *ConsoleReporter) Progress(iteration int, loss float32) {
	fmt.Fprintf(r.writer(), "%sIteration %d, Loss %v\n", r.Prefix, iteration, loss)
}

// Checkpoint is silent; the file name already carries the iteration
func (r *ConsoleReporter) Checkpoint(iteration int, path string) {}

// Config controls one optimization run
type Config struct {
	Iterations   int
	LearningRate float32

	// SaveEvery writes a checkpoint every SaveEvery iterations (0 disables)
	SaveEvery int
	// PrintEvery reports the loss every PrintEvery iterations (0 disables)
	PrintEvery int

	// OutputImage is the final image path; checkpoints are named after it
	OutputImage string
	Deprocess   DeprocessInfo
	// DeprocessFunc renders a reparameterized tensor (FFT, color) before saving
	DeprocessFunc transform.DeprocessFunc

	Optimizer nn.Optimizer   // Adam when nil
	Scheduler nn.LRScheduler // constant LearningRate when nil
	Reporter  Reporter       // ConsoleReporter on stdout when nil
	Saver     Saver          // imageio.Writer with Deprocess when nil

	DetectAnomaly bool
}

func DefaultConfig() Config {
	return Config{
		Iterations:   500,
		LearningRate: 1.5,
		PrintEvery:   25,
		OutputImage:  "out.jpg",
	}
}

// CheckpointPath returns the path of the checkpoint for iteration i. Batches of more than
// one image get one path per sample, suffixed _f000, _f001, ...
func CheckpointPath(output string, iteration, sample, batch int) string {
	ext := filepath.Ext(output)
	base := strings.TrimSuffix(output, ext)
	if batch > 1 {
		return fmt.Sprintf("%s_%d_f%03d%s", base, iteration, sample, ext)
	}
	return fmt.Sprintf("%s_%d%s", base, iteration, ext)
}

// Dream optimizes img for cfg.Iterations steps so that objectives[0] is minimized, which
// maximizes the hooked activation. Only objectives[0] drives the gradient; the others are
// made Passive and just record their loss. img is not modified; the optimized copy is returned.
// Any error aborts the run; checkpoints already written remain.
func Dream(model *Model, img *nn.Tensor[float32], cfg Config, objectives []*Objective) (*nn.Tensor[float32], error) {
	if len(objectives) == 0 || objectives[0] == nil {
		return nil, fmt.Errorf("dream: %w: no objective registered", ErrNoLoss)
	}
	if img == nil || img.Size() == 0 {
		return nil, fmt.Errorf("dream: %w: empty input", nn.ErrShapeMismatch)
	}

	opt := cfg.Optimizer
	if opt == nil {
		opt = nn.NewAdamOptimizer()
	}
	sched := cfg.Scheduler
	if sched == nil {
		sched = nn.NewConstantScheduler(cfg.LearningRate)
	}
	reporter := cfg.Reporter
	if reporter == nil {
		reporter = &ConsoleReporter{}
	}
	saver := cfg.Saver
	if saver == nil {
		saver = imageio.Writer{Mean: cfg.Deprocess.Mean, NotCaffe: cfg.Deprocess.NotCaffe}
	}

	model.SetDetectAnomaly(cfg.DetectAnomaly)
	for i, o := range objectives {
		o.DetectAnomaly = cfg.DetectAnomaly
		o.Passive = i > 0
	}

	param := nn.NewParameter(img)
	params := []*nn.Parameter{param}
	for i := 1; i <= cfg.Iterations; i++ {
		param.ZeroGrad()
		for _, o := range objectives {
			o.Reset()
		}

		if _, err := model.Forward(param.Value); err != nil {
			return nil, fmt.Errorf("iteration %d: forward: %w", i, err)
		}
		loss, err := objectives[0].Loss()
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", i, err)
		}
		grad, err := model.Backward()
		if err != nil {
			return nil, fmt.Errorf("iteration %d: backward: %w", i, err)
		}
		param.Grad = grad

		if cfg.PrintEvery > 0 && i%cfg.PrintEvery == 0 {
			reporter.Progress(i, loss)
		}
		if cfg.SaveEvery > 0 && i%cfg.SaveEvery == 0 {
			if err := checkpoint(param.Detach(), i, cfg, saver, reporter); err != nil {
				return nil, fmt.Errorf("iteration %d: checkpoint: %w", i, err)
			}
		}

		if err := opt.Step(params, sched.GetLR(i-1)); err != nil {
			return nil, fmt.Errorf("iteration %d: step: %w", i, err)
		}
	}
	return param.Detach(), nil
}

func checkpoint(x *nn.Tensor[float32], iteration int, cfg Config, saver Saver, reporter Reporter) error {
	if cfg.DeprocessFunc != nil {
		var err error
		if x, err = cfg.DeprocessFunc(x); err != nil {
			return fmt.Errorf("deprocess: %w", err)
		}
	}
	images := SplitBatch(x)
	for b, im := range images {
		path := CheckpointPath(cfg.OutputImage, iteration, b, len(images))
		if err := saver.Save(path, im); err != nil {
			return err
		}
		reporter.Checkpoint(iteration, path)
	}
	return nil
}

// SplitBatch returns the [3,H,W] images of a [B,3,H,W] tensor. Other ranks are returned as is.
func SplitBatch(x *nn.Tensor[float32]) []*nn.Tensor[float32] {
	if x.Rank() != 4 {
		return []*nn.Tensor[float32]{x}
	}
	b := x.Shape[0]
	per := x.Size() / b
	images := make([]*nn.Tensor[float32], b)
	for i := range images {
		images[i] = nn.NewTensorFromSlice(x.Data[i*per:(i+1)*per], x.Shape[1:]...)
	}
	return images
}
