// Package nets implements the LiDAR feature-extraction networks: two-branch
// convolutional encoders with configurable fusion, built on dense float32
// tensors. Layers run inference only; training happens in an external loop
// against exported weights.
package nets

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Layer is a forward-only network stage over 4-d [N, C, H, W] tensors.
type Layer interface {
	Forward(x *tensor.Dense) (*tensor.Dense, error)
}

// Sequential chains layers in order.
type Sequential []Layer

// Forward runs every layer in order.
func (s Sequential) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	var err error
	for _, l := range s {
		if x, err = l.Forward(x); err != nil {
			return nil, err
		}
	}
	return x, nil
}

func shape4(x *tensor.Dense) (n, c, h, w int, err error) {
	shp := x.Shape()
	if len(shp) != 4 {
		return 0, 0, 0, 0, errors.Errorf("want a 4-d tensor, got shape %v", shp)
	}
	return shp[0], shp[1], shp[2], shp[3], nil
}

func newDense(dims ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(dims...), tensor.Of(tensor.Float32))
}

// Conv2d is a 2-d convolution with independent kernel, stride and padding per
// spatial dimension. Weights are He-uniform initialized; biases start at zero.
type Conv2d struct {
	InC, OutC      int
	KH, KW, SH, SW int
	PH, PW         int

	Weight []float32 // [OutC][InC][KH][KW]
	Bias   []float32 // [OutC]
}

// NewConv2d builds a convolution layer. kernel, stride and padding are
// (vertical, horizontal) pairs.
func NewConv2d(inC, outC int, kernel, stride, padding [2]int, rnd *rand.Rand) *Conv2d {
	c := &Conv2d{
		InC: inC, OutC: outC,
		KH: kernel[0], KW: kernel[1],
		SH: stride[0], SW: stride[1],
		PH: padding[0], PW: padding[1],
		Weight: make([]float32, outC*inC*kernel[0]*kernel[1]),
		Bias:   make([]float32, outC),
	}
	fanIn := float64(inC * kernel[0] * kernel[1])
	limit := float32(math.Sqrt(6.0 / fanIn))
	for i := range c.Weight {
		c.Weight[i] = (rnd.Float32()*2 - 1) * limit
	}
	return c
}

func convOut(in, k, s, p int) int {
	return (in+2*p-k)/s + 1
}

// Forward computes the convolution over [N, InC, H, W].
func (c *Conv2d) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	n, ch, h, w, err := shape4(x)
	if err != nil {
		return nil, err
	}
	if ch != c.InC {
		return nil, errors.Errorf("conv2d: input has %d channels, want %d", ch, c.InC)
	}
	oh := convOut(h, c.KH, c.SH, c.PH)
	ow := convOut(w, c.KW, c.SW, c.PW)
	if oh <= 0 || ow <= 0 {
		return nil, errors.Errorf("conv2d: input %dx%d too small for kernel %dx%d", h, w, c.KH, c.KW)
	}

	in := x.Data().([]float32)
	out := make([]float32, n*c.OutC*oh*ow)
	for b := 0; b < n; b++ {
		for oc := 0; oc < c.OutC; oc++ {
			wBase := oc * c.InC * c.KH * c.KW
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					acc := c.Bias[oc]
					for ic := 0; ic < c.InC; ic++ {
						inBase := (b*c.InC + ic) * h * w
						kBase := wBase + ic*c.KH*c.KW
						for ky := 0; ky < c.KH; ky++ {
							iy := oy*c.SH - c.PH + ky
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < c.KW; kx++ {
								ix := ox*c.SW - c.PW + kx
								if ix < 0 || ix >= w {
									continue
								}
								acc += in[inBase+iy*w+ix] * c.Weight[kBase+ky*c.KW+kx]
							}
						}
					}
					out[((b*c.OutC+oc)*oh+oy)*ow+ox] = acc
				}
			}
		}
	}
	return tensor.New(tensor.WithShape(n, c.OutC, oh, ow), tensor.WithBacking(out)), nil
}

// BatchNorm2d normalizes per channel with running statistics, evaluation
// semantics: statistics are never updated by a forward pass.
type BatchNorm2d struct {
	C     int
	Eps   float32
	Gamma []float32
	Beta  []float32
	Mean  []float32
	Var   []float32
}

// NewBatchNorm2d builds an identity-initialized batch norm layer.
func NewBatchNorm2d(channels int) *BatchNorm2d {
	bn := &BatchNorm2d{
		C:     channels,
		Eps:   1e-5,
		Gamma: make([]float32, channels),
		Beta:  make([]float32, channels),
		Mean:  make([]float32, channels),
		Var:   make([]float32, channels),
	}
	for i := range bn.Gamma {
		bn.Gamma[i] = 1
		bn.Var[i] = 1
	}
	return bn
}

// Forward normalizes [N, C, H, W] per channel.
func (bn *BatchNorm2d) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	n, c, h, w, err := shape4(x)
	if err != nil {
		return nil, err
	}
	if c != bn.C {
		return nil, errors.Errorf("batchnorm2d: input has %d channels, want %d", c, bn.C)
	}
	in := x.Data().([]float32)
	out := make([]float32, len(in))
	plane := h * w
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			scale := bn.Gamma[ch] / float32(math.Sqrt(float64(bn.Var[ch]+bn.Eps)))
			shift := bn.Beta[ch] - bn.Mean[ch]*scale
			base := (b*c + ch) * plane
			for i := 0; i < plane; i++ {
				out[base+i] = in[base+i]*scale + shift
			}
		}
	}
	return tensor.New(tensor.WithShape(n, c, h, w), tensor.WithBacking(out)), nil
}

// MaxPool2d is max pooling with optional ceil-mode output sizing. In ceil
// mode a window may start inside the left padding but never past the input.
type MaxPool2d struct {
	KH, KW, SH, SW int
	PH, PW         int
	Ceil           bool
}

func (p *MaxPool2d) outDim(in, k, s, pad int) int {
	num := in + 2*pad - k
	var o int
	if p.Ceil {
		o = (num+s-1)/s + 1
	} else {
		o = num/s + 1
	}
	if p.Ceil && (o-1)*s >= in+pad {
		o--
	}
	return o
}

// Forward pools [N, C, H, W] spatially.
func (p *MaxPool2d) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	n, c, h, w, err := shape4(x)
	if err != nil {
		return nil, err
	}
	oh := p.outDim(h, p.KH, p.SH, p.PH)
	ow := p.outDim(w, p.KW, p.SW, p.PW)
	if oh <= 0 || ow <= 0 {
		return nil, errors.Errorf("maxpool2d: input %dx%d too small for kernel %dx%d", h, w, p.KH, p.KW)
	}
	in := x.Data().([]float32)
	out := make([]float32, n*c*oh*ow)
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			base := (b*c + ch) * h * w
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					best := float32(math.Inf(-1))
					for ky := 0; ky < p.KH; ky++ {
						iy := oy*p.SH - p.PH + ky
						if iy < 0 || iy >= h {
							continue
						}
						for kx := 0; kx < p.KW; kx++ {
							ix := ox*p.SW - p.PW + kx
							if ix < 0 || ix >= w {
								continue
							}
							if v := in[base+iy*w+ix]; v > best {
								best = v
							}
						}
					}
					out[((b*c+ch)*oh+oy)*ow+ox] = best
				}
			}
		}
	}
	return tensor.New(tensor.WithShape(n, c, oh, ow), tensor.WithBacking(out)), nil
}

// AdaptiveAvgPool2d averages the input down to a fixed output size.
type AdaptiveAvgPool2d struct {
	OutH, OutW int
}

// Forward pools [N, C, H, W] to [N, C, OutH, OutW].
func (p *AdaptiveAvgPool2d) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	n, c, h, w, err := shape4(x)
	if err != nil {
		return nil, err
	}
	if p.OutH > h || p.OutW > w {
		return nil, errors.Errorf("adaptive pool: output %dx%d larger than input %dx%d", p.OutH, p.OutW, h, w)
	}
	in := x.Data().([]float32)
	out := make([]float32, n*c*p.OutH*p.OutW)
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			base := (b*c + ch) * h * w
			for oy := 0; oy < p.OutH; oy++ {
				y0 := oy * h / p.OutH
				y1 := ((oy+1)*h + p.OutH - 1) / p.OutH
				for ox := 0; ox < p.OutW; ox++ {
					x0 := ox * w / p.OutW
					x1 := ((ox+1)*w + p.OutW - 1) / p.OutW
					var sum float32
					for iy := y0; iy < y1; iy++ {
						for ix := x0; ix < x1; ix++ {
							sum += in[base+iy*w+ix]
						}
					}
					out[((b*c+ch)*p.OutH+oy)*p.OutW+ox] = sum / float32((y1-y0)*(x1-x0))
				}
			}
		}
	}
	return tensor.New(tensor.WithShape(n, c, p.OutH, p.OutW), tensor.WithBacking(out)), nil
}

// ReLU is an elementwise rectifier.
type ReLU struct{}

// Forward clamps negatives to zero.
func (ReLU) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	in := x.Data().([]float32)
	out := make([]float32, len(in))
	for i, v := range in {
		if v > 0 {
			out[i] = v
		}
	}
	return tensor.New(tensor.WithShape(x.Shape()...), tensor.WithBacking(out)), nil
}

// Linear is a fully connected layer over [N, In].
type Linear struct {
	In, Out int
	Weight  []float32 // [Out][In]
	Bias    []float32
}

// NewLinear builds a He-uniform initialized linear layer.
func NewLinear(in, out int, rnd *rand.Rand) *Linear {
	l := &Linear{
		In: in, Out: out,
		Weight: make([]float32, out*in),
		Bias:   make([]float32, out),
	}
	limit := float32(math.Sqrt(6.0 / float64(in)))
	for i := range l.Weight {
		l.Weight[i] = (rnd.Float32()*2 - 1) * limit
	}
	return l
}

// Forward applies x W^T + b to a [N, In] tensor.
func (l *Linear) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	shp := x.Shape()
	if len(shp) != 2 || shp[1] != l.In {
		return nil, errors.Errorf("linear: input shape %v, want [N, %d]", shp, l.In)
	}
	n := shp[0]
	in := x.Data().([]float32)
	out := make([]float32, n*l.Out)
	for b := 0; b < n; b++ {
		for o := 0; o < l.Out; o++ {
			acc := l.Bias[o]
			wBase := o * l.In
			inBase := b * l.In
			for i := 0; i < l.In; i++ {
				acc += in[inBase+i] * l.Weight[wBase+i]
			}
			out[b*l.Out+o] = acc
		}
	}
	return tensor.New(tensor.WithShape(n, l.Out), tensor.WithBacking(out)), nil
}

// Dropout zeroes activations with probability P while training; it is the
// identity in evaluation mode. Networks here run in evaluation mode, training
// toggles it on explicitly.
type Dropout struct {
	P     float64
	Train bool
	rnd   *rand.Rand
}

// NewDropout builds a dropout layer in evaluation mode.
func NewDropout(p float64, rnd *rand.Rand) *Dropout {
	return &Dropout{P: p, rnd: rnd}
}

// Forward applies inverted dropout when training, identity otherwise.
func (d *Dropout) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	if !d.Train || d.P <= 0 {
		return x, nil
	}
	keep := 1 - d.P
	in := x.Data().([]float32)
	out := make([]float32, len(in))
	scale := float32(1 / keep)
	for i, v := range in {
		if d.rnd.Float64() < keep {
			out[i] = v * scale
		}
	}
	return tensor.New(tensor.WithShape(x.Shape()...), tensor.WithBacking(out)), nil
}

func sigmoid32(v float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-v))))
}
