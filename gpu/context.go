// Package gpu holds the WebGPU context and the compute kernels that can replace CPU
// reductions in the optimization loop.
package gpu

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
)

// ErrNoGPU is returned when no WebGPU adapter or device could be obtained
var ErrNoGPU = errors.New("no usable GPU")

// Context holds the single WebGPU context for the application
type Context struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue

	once sync.Once
	err  error
}

var (
	ctx Context

	// adapterHint is matched against adapter and vendor names before falling back to
	// power preference
	adapterHint = "nvidia"

	// Verbose logs adapter selection
	Verbose bool
)

// SetAdapterHint selects the adapter whose name or vendor contains hint. It only has an
// effect before the first GetContext call.
func SetAdapterHint(hint string) {
	adapterHint = strings.ToLower(hint)
}

// GetContext returns the singleton GPU context, initializing it if necessary
func GetContext() (*Context, error) {
	ctx.once.Do(func() {
		ctx.err = ctx.init()
	})
	if ctx.err != nil {
		return nil, ctx.err
	}
	return &ctx, nil
}

func (c *Context) init() error {
	c.Instance = wgpu.CreateInstance(nil)
	if c.Instance == nil {
		return fmt.Errorf("%w: failed to create WebGPU instance", ErrNoGPU)
	}

	if adapterHint != "" {
		for _, a := range c.Instance.EnumerateAdapters(nil) {
			info := a.GetInfo()
			if Verbose {
				log.Printf("gpu: adapter %s (vendor %s, type %d)", info.Name, info.VendorName, info.AdapterType)
			}
			if strings.Contains(strings.ToLower(info.Name), adapterHint) ||
				strings.Contains(strings.ToLower(info.VendorName), adapterHint) {
				c.Adapter = a
				break
			}
		}
	}

	// Power preferences in order, then the default adapter
	var lastErr error
	for _, opts := range []*wgpu.RequestAdapterOptions{
		{PowerPreference: wgpu.PowerPreferenceHighPerformance},
		{PowerPreference: wgpu.PowerPreferenceLowPower},
		nil,
	} {
		if c.Adapter != nil {
			break
		}
		c.Adapter, lastErr = c.Instance.RequestAdapter(opts)
	}
	if c.Adapter == nil {
		return fmt.Errorf("%w: all adapter requests failed: %v", ErrNoGPU, lastErr)
	}

	info := c.Adapter.GetInfo()
	if Verbose {
		log.Printf("gpu: using %s (vendor %s)", info.Name, info.VendorName)
	}

	var err error
	c.Device, err = c.Adapter.RequestDevice(nil)
	if err != nil {
		return fmt.Errorf("%w: request device: %v", ErrNoGPU, err)
	}
	c.Queue = c.Device.GetQueue()
	if c.Queue == nil {
		return fmt.Errorf("%w: device has no queue", ErrNoGPU)
	}
	return nil
}
