package gpu

import (
	"fmt"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
)

const (
	reduceWorkgroupSize = 256
	maxReduceWorkgroups = 1024
)

// Reducer sums float32 vectors on the GPU. Each workgroup reduces a strided share of the
// input into one partial sum; the partial sums are added on the host. Buffers and the
// pipeline are rebuilt only when the input length changes.
type Reducer struct {
	mu  sync.Mutex
	ctx *Context

	n, groups int
	pipeline  *wgpu.ComputePipeline
	bindGroup *wgpu.BindGroup
	input     *wgpu.Buffer
	partial   *wgpu.Buffer
}

// NewReducer initializes the GPU context
func NewReducer() (*Reducer, error) {
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	return &Reducer{ctx: c}, nil
}

func (r *Reducer) shader() string {
	return fmt.Sprintf(`
		@group(0) @binding(0) var<storage, read> input : array<f32>;
		@group(0) @binding(1) var<storage, read_write> partial : array<f32>;

		const N: u32 = %du;
		const STRIDE: u32 = %du;

		var<workgroup> shared_val: array<f32, 256>;

		@compute @workgroup_size(256)
		fn main(
			@builtin(workgroup_id) wg_id: vec3<u32>,
			@builtin(local_invocation_id) local_id: vec3<u32>
		) {
			let tid = local_id.x;
			var sum: f32 = 0.0;
			for (var idx: u32 = wg_id.x * 256u + tid; idx < N; idx += STRIDE) {
				sum += input[idx];
			}
			shared_val[tid] = sum;
			workgroupBarrier();

			for (var s: u32 = 128u; s > 0u; s = s >> 1u) {
				if (tid < s) {
					shared_val[tid] = shared_val[tid] + shared_val[tid + s];
				}
				workgroupBarrier();
			}
			if (tid == 0u) {
				partial[wg_id.x] = shared_val[0];
			}
		}
	`, r.n, r.groups*reduceWorkgroupSize)
}

// prepare (re)builds buffers and pipeline for inputs of length n
func (r *Reducer) prepare(n int) error {
	if r.n == n && r.pipeline != nil {
		return nil
	}
	r.release()

	r.n = n
	r.groups = (n + reduceWorkgroupSize - 1) / reduceWorkgroupSize
	if r.groups > maxReduceWorkgroups {
		r.groups = maxReduceWorkgroups
	}

	var err error
	if r.input, err = NewStorageBuffer(r.ctx, "Reduce_In", n); err != nil {
		return err
	}
	if r.partial, err = NewStorageBuffer(r.ctx, "Reduce_Partial", r.groups); err != nil {
		return err
	}

	module, err := r.ctx.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "Reduce_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: r.shader()},
	})
	if err != nil {
		return fmt.Errorf("compile reduce shader: %w", err)
	}
	defer module.Release()

	r.pipeline, err = r.ctx.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   "Reduce_Pipe",
		Compute: wgpu.ProgrammableStageDescriptor{Module: module, EntryPoint: "main"},
	})
	if err != nil {
		return fmt.Errorf("create reduce pipeline: %w", err)
	}

	r.bindGroup, err = r.ctx.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "Reduce_Bind",
		Layout: r.pipeline.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: r.input, Size: r.input.GetSize()},
			{Binding: 1, Buffer: r.partial, Size: r.partial.GetSize()},
		},
	})
	if err != nil {
		return fmt.Errorf("create reduce bind group: %w", err)
	}
	return nil
}

// Sum returns the sum of x
func (r *Reducer) Sum(x []float32) (float32, error) {
	if len(x) == 0 {
		return 0, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.prepare(len(x)); err != nil {
		return 0, err
	}
	r.ctx.Queue.WriteBuffer(r.input, 0, wgpu.ToBytes(x))

	enc, err := r.ctx.Device.CreateCommandEncoder(nil)
	if err != nil {
		return 0, fmt.Errorf("create command encoder: %w", err)
	}
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(r.pipeline)
	pass.SetBindGroup(0, r.bindGroup, nil)
	pass.DispatchWorkgroups(uint32(r.groups), 1, 1)
	pass.End()
	cmd, err := enc.Finish(nil)
	if err != nil {
		return 0, fmt.Errorf("finish reduce: %w", err)
	}
	r.ctx.Queue.Submit(cmd)

	partial, err := ReadBuffer(r.ctx, r.partial, r.groups)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, v := range partial {
		sum += float64(v)
	}
	return float32(sum), nil
}

// Mean returns the mean of x and its gradient 1/len(x). It has the signature of an
// objective loss function.
func (r *Reducer) Mean(x []float32) (float32, []float32, error) {
	if len(x) == 0 {
		return 0, nil, fmt.Errorf("mean of an empty selection")
	}
	sum, err := r.Sum(x)
	if err != nil {
		return 0, nil, err
	}
	n := float32(len(x))
	grad := make([]float32, len(x))
	for i := range grad {
		grad[i] = 1 / n
	}
	return sum / n, grad, nil
}

func (r *Reducer) release() {
	if r.bindGroup != nil {
		r.bindGroup.Release()
		r.bindGroup = nil
	}
	if r.pipeline != nil {
		r.pipeline.Release()
		r.pipeline = nil
	}
	if r.input != nil {
		r.input.Destroy()
		r.input = nil
	}
	if r.partial != nil {
		r.partial.Destroy()
		r.partial = nil
	}
}

// Release frees the GPU resources
func (r *Reducer) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.release()
	r.n = 0
}
