package nets

import (
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// bypassAdd sums a residual connection. The two tensors must have identical
// shapes; a stride or pooling step between the branch point and the summation
// that changes spatial size is a configuration error, reported rather than
// silently reshaped.
func bypassAdd(x, identity *tensor.Dense) (*tensor.Dense, error) {
	if !x.Shape().Eq(identity.Shape()) {
		return nil, errors.Errorf(
			"bypass connection: shape %v does not match branch shape %v", x.Shape(), identity.Shape())
	}
	sum, err := tensor.Add(x, identity)
	if err != nil {
		return nil, err
	}
	return sum.(*tensor.Dense), nil
}

// EncoderOutputs are the staged feature maps of a PSEncoder forward pass.
type EncoderOutputs struct {
	X1a *tensor.Dense // first conv stage
	X1b *tensor.Dense // 1x1 skip over the input
	SE1 *tensor.Dense // after first fire stage
	SE2 *tensor.Dense // after second fire stage
	SE3 *tensor.Dense // after third fire stage
	EL  *tensor.Dense // encoder-last conv
}

// PSEncoder is a PointSeg-style staged encoder: a strided stem, three
// fire+squeeze-excite stages with pooling between them, and a final conv.
type PSEncoder struct {
	conv1a *Conv2d
	bn1a   *BatchNorm2d
	conv1b *Conv2d
	pool1  *MaxPool2d

	fire2, fire3 *Fire
	se1          *SELayer
	pool3        *MaxPool2d

	fire4, fire5 *Fire
	se2          *SELayer
	pool5        *MaxPool2d

	fire6, fire7, fire8, fire9 *Fire
	se3                        *SELayer

	convEL *Conv2d
	bnEL   *BatchNorm2d

	outputShapes [6]tensor.Shape
}

// NewPSEncoder builds the encoder for a (C, H, W) input and probes its staged
// output shapes with a zero forward pass.
func NewPSEncoder(inputShape [3]int, rnd *rand.Rand) (*PSEncoder, error) {
	c := inputShape[0]
	e := &PSEncoder{
		conv1a: NewConv2d(c, 64, [2]int{3, 3}, [2]int{1, 2}, [2]int{1, 1}, rnd),
		bn1a:   NewBatchNorm2d(64),
		conv1b: NewConv2d(c, 64, [2]int{1, 1}, [2]int{1, 1}, [2]int{0, 0}, rnd),
		pool1:  &MaxPool2d{KH: 3, KW: 3, SH: 1, SW: 2, PH: 1, PW: 1, Ceil: true},

		fire2: NewFire(64, 16, 64, 64, true, rnd),
		fire3: NewFire(128, 16, 64, 64, true, rnd),
		se1:   NewSELayer(128, 2, rnd),
		pool3: &MaxPool2d{KH: 3, KW: 3, SH: 1, SW: 2, PH: 1, PW: 1, Ceil: true},

		fire4: NewFire(128, 32, 128, 128, true, rnd),
		fire5: NewFire(256, 32, 128, 128, true, rnd),
		se2:   NewSELayer(256, 2, rnd),
		pool5: &MaxPool2d{KH: 3, KW: 3, SH: 2, SW: 2, PH: 1, PW: 1, Ceil: true},

		fire6: NewFire(256, 48, 192, 192, true, rnd),
		fire7: NewFire(384, 48, 192, 192, true, rnd),
		fire8: NewFire(384, 64, 256, 256, true, rnd),
		fire9: NewFire(512, 64, 256, 256, true, rnd),
		se3:   NewSELayer(512, 2, rnd),

		convEL: NewConv2d(512, 512, [2]int{3, 3}, [2]int{1, 1}, [2]int{1, 1}, rnd),
		bnEL:   NewBatchNorm2d(512),
	}

	probe := newDense(1, inputShape[0], inputShape[1], inputShape[2])
	outs, err := e.Forward(probe)
	if err != nil {
		return nil, errors.Wrap(err, "pointseg encoder probe")
	}
	e.outputShapes = [6]tensor.Shape{
		outs.X1a.Shape(), outs.X1b.Shape(),
		outs.SE1.Shape(), outs.SE2.Shape(), outs.SE3.Shape(),
		outs.EL.Shape(),
	}
	return e, nil
}

// OutputShapes reports the staged output shapes for a batch-1 input, in the
// order x1a, x1b, se1, se2, se3, el.
func (e *PSEncoder) OutputShapes() [6]tensor.Shape {
	return e.outputShapes
}

// Forward runs the encoder, returning every stage a consumer may fuse on.
func (e *PSEncoder) Forward(x *tensor.Dense) (EncoderOutputs, error) {
	var out EncoderOutputs

	x1a, err := e.conv1a.Forward(x)
	if err != nil {
		return out, err
	}
	if x1a, err = e.bn1a.Forward(x1a); err != nil {
		return out, err
	}
	if x1a, err = (ReLU{}).Forward(x1a); err != nil {
		return out, err
	}
	x1b, err := e.conv1b.Forward(x)
	if err != nil {
		return out, err
	}
	out.X1a, out.X1b = x1a, x1b

	h, err := e.pool1.Forward(x1a)
	if err != nil {
		return out, err
	}

	if h, err = e.fire2.Forward(h); err != nil {
		return out, err
	}
	if h, err = e.fire3.Forward(h); err != nil {
		return out, err
	}
	if h, err = e.se1.Forward(h); err != nil {
		return out, err
	}
	out.SE1 = h
	if h, err = e.pool3.Forward(h); err != nil {
		return out, err
	}

	if h, err = e.fire4.Forward(h); err != nil {
		return out, err
	}
	if h, err = e.fire5.Forward(h); err != nil {
		return out, err
	}
	if h, err = e.se2.Forward(h); err != nil {
		return out, err
	}
	out.SE2 = h
	if h, err = e.pool5.Forward(h); err != nil {
		return out, err
	}

	if h, err = e.fire6.Forward(h); err != nil {
		return out, err
	}
	if h, err = e.fire7.Forward(h); err != nil {
		return out, err
	}
	if h, err = e.fire8.Forward(h); err != nil {
		return out, err
	}
	if h, err = e.fire9.Forward(h); err != nil {
		return out, err
	}
	if h, err = e.se3.Forward(h); err != nil {
		return out, err
	}
	out.SE3 = h

	if h, err = e.convEL.Forward(h); err != nil {
		return out, err
	}
	if h, err = e.bnEL.Forward(h); err != nil {
		return out, err
	}
	if out.EL, err = (ReLU{}).Forward(h); err != nil {
		return out, err
	}
	return out, nil
}

// FeatureNetSimple0 is the five-block plain convolutional encoder. Its output
// is the final pooled feature map, not globally pooled.
type FeatureNetSimple0 struct {
	conv [5]*Conv2d
	bn   [5]*BatchNorm2d
	pool [5]*MaxPool2d
}

// NewFeatureNetSimple0 builds the encoder for a given input channel count.
func NewFeatureNetSimple0(inC int, rnd *rand.Rand) *FeatureNetSimple0 {
	e := &FeatureNetSimple0{}
	e.conv[0] = NewConv2d(inC, 32, [2]int{3, 7}, [2]int{1, 2}, [2]int{1, 1}, rnd)
	e.conv[1] = NewConv2d(32, 32, [2]int{3, 5}, [2]int{1, 1}, [2]int{1, 1}, rnd)
	e.conv[2] = NewConv2d(32, 64, [2]int{3, 3}, [2]int{1, 1}, [2]int{1, 1}, rnd)
	e.conv[3] = NewConv2d(64, 64, [2]int{3, 3}, [2]int{1, 1}, [2]int{1, 1}, rnd)
	e.conv[4] = NewConv2d(64, 64, [2]int{3, 3}, [2]int{1, 1}, [2]int{1, 1}, rnd)
	for i, c := range e.conv {
		e.bn[i] = NewBatchNorm2d(c.OutC)
	}
	for i := 0; i < 3; i++ {
		e.pool[i] = &MaxPool2d{KH: 3, KW: 3, SH: 1, SW: 2, PH: 1, PW: 1, Ceil: true}
	}
	for i := 3; i < 5; i++ {
		e.pool[i] = &MaxPool2d{KH: 3, KW: 3, SH: 2, SW: 2, PH: 1, PW: 1, Ceil: true}
	}
	return e
}

// Forward runs the five conv/bn/pool blocks.
func (e *FeatureNetSimple0) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	var err error
	for i := range e.conv {
		if x, err = e.conv[i].Forward(x); err != nil {
			return nil, err
		}
		if x, err = (ReLU{}).Forward(x); err != nil {
			return nil, err
		}
		if x, err = e.bn[i].Forward(x); err != nil {
			return nil, err
		}
		if x, err = e.pool[i].Forward(x); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// FeatureNetSimple1 is the seven-block encoder with optional bypass
// connections and a global average pool, producing a 1x1 spatial map.
type FeatureNetSimple1 struct {
	bypass bool

	conv [7]*Conv2d
	bn   [7]*BatchNorm2d

	pool1, pool2, pool4, pool6 *MaxPool2d
	pool7                      *AdaptiveAvgPool2d
}

// NewFeatureNetSimple1 builds the encoder for a given input channel count.
func NewFeatureNetSimple1(inC int, bypass bool, rnd *rand.Rand) *FeatureNetSimple1 {
	e := &FeatureNetSimple1{bypass: bypass}
	e.conv[0] = NewConv2d(inC, 32, [2]int{5, 7}, [2]int{1, 2}, [2]int{1, 1}, rnd)
	e.conv[1] = NewConv2d(32, 32, [2]int{3, 5}, [2]int{1, 1}, [2]int{1, 1}, rnd)
	e.conv[2] = NewConv2d(32, 64, [2]int{3, 3}, [2]int{1, 1}, [2]int{1, 1}, rnd)
	e.conv[3] = NewConv2d(64, 64, [2]int{3, 3}, [2]int{1, 1}, [2]int{1, 1}, rnd)
	e.conv[4] = NewConv2d(64, 128, [2]int{3, 3}, [2]int{1, 1}, [2]int{1, 1}, rnd)
	e.conv[5] = NewConv2d(128, 128, [2]int{3, 3}, [2]int{1, 1}, [2]int{1, 1}, rnd)
	e.conv[6] = NewConv2d(128, 256, [2]int{3, 3}, [2]int{1, 1}, [2]int{1, 1}, rnd)
	for i, c := range e.conv {
		e.bn[i] = NewBatchNorm2d(c.OutC)
	}
	e.pool1 = &MaxPool2d{KH: 3, KW: 3, SH: 1, SW: 2, PH: 1, PW: 1, Ceil: true}
	e.pool2 = &MaxPool2d{KH: 3, KW: 3, SH: 1, SW: 2, PH: 1, PW: 1, Ceil: true}
	e.pool4 = &MaxPool2d{KH: 3, KW: 3, SH: 1, SW: 2, PH: 1, PW: 1, Ceil: true}
	e.pool6 = &MaxPool2d{KH: 3, KW: 3, SH: 2, SW: 2, PH: 1, PW: 1, Ceil: true}
	e.pool7 = &AdaptiveAvgPool2d{OutH: 1, OutW: 1}
	return e
}

func (e *FeatureNetSimple1) block(x *tensor.Dense, i int) (*tensor.Dense, error) {
	out, err := e.conv[i].Forward(x)
	if err != nil {
		return nil, err
	}
	if out, err = (ReLU{}).Forward(out); err != nil {
		return nil, err
	}
	return e.bn[i].Forward(out)
}

// Forward runs the encoder. With bypass enabled, blocks 4 and 6 add the
// previous block's output back in before pooling.
func (e *FeatureNetSimple1) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	out, err := e.block(x, 0)
	if err != nil {
		return nil, err
	}
	if out, err = e.pool1.Forward(out); err != nil {
		return nil, err
	}

	if out, err = e.block(out, 1); err != nil {
		return nil, err
	}
	if out, err = e.pool2.Forward(out); err != nil {
		return nil, err
	}

	if out, err = e.block(out, 2); err != nil {
		return nil, err
	}
	identity := out
	if out, err = e.block(out, 3); err != nil {
		return nil, err
	}
	if e.bypass {
		if out, err = bypassAdd(out, identity); err != nil {
			return nil, err
		}
	}
	if out, err = e.pool4.Forward(out); err != nil {
		return nil, err
	}

	if out, err = e.block(out, 4); err != nil {
		return nil, err
	}
	identity = out
	if out, err = e.block(out, 5); err != nil {
		return nil, err
	}
	if e.bypass {
		if out, err = bypassAdd(out, identity); err != nil {
			return nil, err
		}
	}
	if out, err = e.pool6.Forward(out); err != nil {
		return nil, err
	}

	if out, err = e.block(out, 6); err != nil {
		return nil, err
	}
	return e.pool7.Forward(out)
}
