package nn

import (
	"math"
)

// activateCPU applies the activation function on CPU
func activateCPU(v float32, activation ActivationType) float32 {
	switch activation {
	case ActivationScaledReLU: // case 0
		v = v * 1.1
		if v < 0 {
			v = 0
		}
		return v
	case ActivationSigmoid: // case 1
		return 1.0 / (1.0 + float32(math.Exp(float64(-v))))
	case ActivationTanh: // case 2
		return float32(math.Tanh(float64(v)))
	case ActivationSoftplus: // case 3
		return float32(math.Log(1.0 + math.Exp(float64(v))))
	case ActivationLeakyReLU: // case 4
		if v < 0 {
			v = v * 0.1
		}
		return v
	case ActivationReLU:
		if v < 0 {
			return 0
		}
		return v
	default:
		return v
	}
}

// activateDerivativeCPU computes the derivative of the activation function
// Note: This computes the derivative with respect to the PRE-activation value
func activateDerivativeCPU(preActivation float32, activation ActivationType) float32 {
	switch activation {
	case ActivationScaledReLU: // case 0
		// d/dv (max(0, 1.1*v)) = 1.1 if v > 0, else 0
		if preActivation > 0 {
			return 1.1
		}
		return 0
	case ActivationSigmoid: // case 1
		sig := 1.0 / (1.0 + float32(math.Exp(float64(-preActivation))))
		return sig * (1.0 - sig)
	case ActivationTanh: // case 2
		t := float32(math.Tanh(float64(preActivation)))
		return 1.0 - t*t
	case ActivationSoftplus: // case 3
		return 1.0 / (1.0 + float32(math.Exp(float64(-preActivation))))
	case ActivationLeakyReLU: // case 4
		if preActivation >= 0 {
			return 1.0
		}
		return 0.1
	case ActivationReLU:
		if preActivation > 0 {
			return 1
		}
		return 0
	default:
		return 1.0
	}
}

// activate applies the activation element-wise, returning a new tensor
func activate(pre *Tensor[float32], activation ActivationType) *Tensor[float32] {
	post := NewTensor[float32](pre.Shape...)
	for i, v := range pre.Data {
		post.Data[i] = activateCPU(v, activation)
	}
	return post
}

// activationBackward multiplies gradOutput by the activation derivative.
// With redirect set, ReLU samples whose gradient vanished entirely instead let through
// the components that would raise inactive units (negative gradient on negative input).
func activationBackward(gradOutput, pre *Tensor[float32], activation ActivationType, batch int, redirect bool) *Tensor[float32] {
	grad := NewTensor[float32](gradOutput.Shape...)
	for i, g := range gradOutput.Data {
		grad.Data[i] = g * activateDerivativeCPU(pre.Data[i], activation)
	}
	if !redirect || activation != ActivationReLU || batch <= 0 {
		return grad
	}

	per := len(grad.Data) / batch
	for b := 0; b < batch; b++ {
		sample := grad.Data[b*per : (b+1)*per]
		alive := false
		for _, g := range sample {
			if g != 0 {
				alive = true
				break
			}
		}
		if alive {
			continue
		}
		for i := range sample {
			idx := b*per + i
			if pre.Data[idx] < 0 && gradOutput.Data[idx] < 0 {
				sample[i] = gradOutput.Data[idx]
			}
		}
	}
	return grad
}
