package nets

import (
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Fire is a SqueezeNet fire module: a 1x1 squeeze followed by parallel 1x1
// and 3x3 expands concatenated on the channel axis.
type Fire struct {
	squeeze *Conv2d
	sqBN    *BatchNorm2d
	expand1 *Conv2d
	ex1BN   *BatchNorm2d
	expand3 *Conv2d
	ex3BN   *BatchNorm2d
	useBN   bool
}

// NewFire builds a fire module producing expand1+expand3 output channels.
func NewFire(inC, squeeze, expand1, expand3 int, bn bool, rnd *rand.Rand) *Fire {
	f := &Fire{
		squeeze: NewConv2d(inC, squeeze, [2]int{1, 1}, [2]int{1, 1}, [2]int{0, 0}, rnd),
		expand1: NewConv2d(squeeze, expand1, [2]int{1, 1}, [2]int{1, 1}, [2]int{0, 0}, rnd),
		expand3: NewConv2d(squeeze, expand3, [2]int{3, 3}, [2]int{1, 1}, [2]int{1, 1}, rnd),
		useBN:   bn,
	}
	if bn {
		f.sqBN = NewBatchNorm2d(squeeze)
		f.ex1BN = NewBatchNorm2d(expand1)
		f.ex3BN = NewBatchNorm2d(expand3)
	}
	return f
}

// OutChannels returns the module's output channel count.
func (f *Fire) OutChannels() int {
	return f.expand1.OutC + f.expand3.OutC
}

// Forward runs squeeze, both expands and the channel concat.
func (f *Fire) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	sq, err := f.squeeze.Forward(x)
	if err != nil {
		return nil, err
	}
	if f.useBN {
		if sq, err = f.sqBN.Forward(sq); err != nil {
			return nil, err
		}
	}
	if sq, err = (ReLU{}).Forward(sq); err != nil {
		return nil, err
	}

	e1, err := f.expand1.Forward(sq)
	if err != nil {
		return nil, err
	}
	e3, err := f.expand3.Forward(sq)
	if err != nil {
		return nil, err
	}
	if f.useBN {
		if e1, err = f.ex1BN.Forward(e1); err != nil {
			return nil, err
		}
		if e3, err = f.ex3BN.Forward(e3); err != nil {
			return nil, err
		}
	}

	cat, err := tensor.Concat(1, e1, e3)
	if err != nil {
		return nil, errors.Wrap(err, "fire concat")
	}
	return (ReLU{}).Forward(cat.(*tensor.Dense))
}

// SELayer is a squeeze-and-excitation block: global pooling followed by a
// two-layer bottleneck producing sigmoid channel gates.
type SELayer struct {
	C      int
	pool   *AdaptiveAvgPool2d
	reduce *Linear
	expand *Linear
}

// NewSELayer builds a squeeze-excite block for the given channel count.
func NewSELayer(channels, reduction int, rnd *rand.Rand) *SELayer {
	mid := channels / reduction
	if mid < 1 {
		mid = 1
	}
	return &SELayer{
		C:      channels,
		pool:   &AdaptiveAvgPool2d{OutH: 1, OutW: 1},
		reduce: NewLinear(channels, mid, rnd),
		expand: NewLinear(mid, channels, rnd),
	}
}

// Forward rescales each channel of [N, C, H, W] by its learned gate.
func (se *SELayer) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	n, c, h, w, err := shape4(x)
	if err != nil {
		return nil, err
	}
	if c != se.C {
		return nil, errors.Errorf("selayer: input has %d channels, want %d", c, se.C)
	}

	pooled, err := se.pool.Forward(x)
	if err != nil {
		return nil, err
	}
	if err := pooled.Reshape(n, c); err != nil {
		return nil, err
	}
	mid, err := se.reduce.Forward(pooled)
	if err != nil {
		return nil, err
	}
	if mid, err = (ReLU{}).Forward(mid); err != nil {
		return nil, err
	}
	gatesT, err := se.expand.Forward(mid)
	if err != nil {
		return nil, err
	}
	gates := gatesT.Data().([]float32)

	in := x.Data().([]float32)
	out := make([]float32, len(in))
	plane := h * w
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			g := sigmoid32(gates[b*c+ch])
			base := (b*c + ch) * plane
			for i := 0; i < plane; i++ {
				out[base+i] = in[base+i] * g
			}
		}
	}
	return tensor.New(tensor.WithShape(n, c, h, w), tensor.WithBacking(out)), nil
}
