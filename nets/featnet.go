package nets

import (
	"math/rand"
	"strings"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// NetConfig carries the configurable knobs shared by the feature nets. Field
// names match the configuration surface, decodable from an attribute map.
type NetConfig struct {
	Dropout float64 `mapstructure:"dropout"`
	// Fusion selects how the two branch outputs combine: "cat", "add", or
	// anything else for the default difference behavior.
	Fusion string `mapstructure:"fusion"`
	// Part selects which encoder stage the pointseg variant fuses on.
	Part   string `mapstructure:"part"`
	Bypass bool   `mapstructure:"bypass"`
	// Timestamps is the stacked-frame count T of the input tensors, normally
	// the pair-combination count of the sequence window.
	Timestamps int   `mapstructure:"timestamps"`
	Seed       int64 `mapstructure:"seed"`
}

func (c *NetConfig) timestamps() int {
	if c.Timestamps <= 0 {
		return 2
	}
	return c.Timestamps
}

// FeatureNet maps a pair of [batch, T, C, H, W] inputs to a [batch, featureDim]
// feature tensor.
type FeatureNet interface {
	Forward(first, second *tensor.Dense) (*tensor.Dense, error)
	// OutputShape is the batch-1 output shape determined at construction by a
	// probe forward pass in evaluation mode.
	OutputShape() tensor.Shape
	// FeatureDim is the flattened per-sample feature width.
	FeatureDim() int
	// SetTraining toggles training-only behavior (dropout masking).
	SetTraining(train bool)
}

// New builds a feature net variant by name.
func New(variant string, inputShape [3]int, cfg NetConfig) (FeatureNet, error) {
	switch strings.ToLower(variant) {
	case "pointseg":
		return NewLidarPointSegFeat(inputShape, cfg)
	case "simple0":
		return NewLidarSimpleFeat0(inputShape, cfg)
	case "simple1":
		return NewLidarSimpleFeat1(inputShape, cfg)
	default:
		return nil, errors.Errorf("unknown feature net variant %q", variant)
	}
}

// foldTime reshapes [B, T, C, H, W] to [B, T*C, H, W]: time is folded into
// the channel dimension before the first convolution. The input tensor is not
// mutated.
func foldTime(x *tensor.Dense) (*tensor.Dense, int, error) {
	shp := x.Shape()
	if len(shp) != 5 {
		return nil, 0, errors.Errorf("want a [B, T, C, H, W] tensor, got shape %v", shp)
	}
	b, t, c, h, w := shp[0], shp[1], shp[2], shp[3], shp[4]
	v := x.Clone().(*tensor.Dense)
	if err := v.Reshape(b, t*c, h, w); err != nil {
		return nil, 0, err
	}
	return v, b, nil
}

// fuse combines the two branch outputs: channel concat, elementwise add, or
// the default elementwise difference.
func fuse(mode string, a, b *tensor.Dense) (*tensor.Dense, error) {
	switch mode {
	case "cat":
		out, err := tensor.Concat(1, a, b)
		if err != nil {
			return nil, errors.Wrap(err, "fusion concat")
		}
		return out.(*tensor.Dense), nil
	case "add":
		out, err := tensor.Add(a, b)
		if err != nil {
			return nil, errors.Wrap(err, "fusion add")
		}
		return out.(*tensor.Dense), nil
	default:
		out, err := tensor.Sub(a, b)
		if err != nil {
			return nil, errors.Wrap(err, "fusion sub")
		}
		return out.(*tensor.Dense), nil
	}
}

func flatten(x *tensor.Dense, batch int) (*tensor.Dense, error) {
	total := x.Shape().TotalSize()
	if err := x.Reshape(batch, total/batch); err != nil {
		return nil, err
	}
	return x, nil
}

// probeOutputShape runs one forward pass on zero input of the declared shape,
// with training behavior disabled, to determine the net's output shape
// without architecture-specific arithmetic.
func probeOutputShape(net FeatureNet, inputShape [3]int, timestamps int) (tensor.Shape, error) {
	net.SetTraining(false)
	in1 := newDense(1, timestamps, inputShape[0], inputShape[1], inputShape[2])
	in2 := newDense(1, timestamps, inputShape[0], inputShape[1], inputShape[2])
	out, err := net.Forward(in1, in2)
	if err != nil {
		return nil, errors.Wrap(err, "output shape probe")
	}
	return out.Shape(), nil
}

// LidarPointSegFeat fuses two PointSeg encoder branches and refines the
// result with fire modules down to a single feature vector.
type LidarPointSegFeat struct {
	fusion string
	part   string

	encoder1 *PSEncoder
	encoder2 *PSEncoder
	fire12   Sequential
	fire34   Sequential
	drop     *Dropout

	outputShape tensor.Shape
}

// NewLidarPointSegFeat builds the net for a (C, H, W) per-frame input shape.
func NewLidarPointSegFeat(inputShape [3]int, cfg NetConfig) (*LidarPointSegFeat, error) {
	rnd := rand.New(rand.NewSource(cfg.Seed))
	t := cfg.timestamps()
	encShape := [3]int{t * inputShape[0], inputShape[1], inputShape[2]}

	enc1, err := NewPSEncoder(encShape, rnd)
	if err != nil {
		return nil, err
	}
	enc2, err := NewPSEncoder(encShape, rnd)
	if err != nil {
		return nil, err
	}

	// Channel count of the fused stage; concat doubles it.
	encC := enc1.OutputShapes()[4][1]
	alpha := 1
	if cfg.Fusion == "cat" {
		alpha = 2
	}

	n := &LidarPointSegFeat{
		fusion:   cfg.Fusion,
		part:     strings.ToLower(cfg.Part),
		encoder1: enc1,
		encoder2: enc2,
		fire12: Sequential{
			NewFire(alpha*encC, 64, 256, 256, true, rnd),
			NewFire(512, 64, 256, 256, true, rnd),
			NewSELayer(512, 2, rnd),
			&MaxPool2d{KH: 3, KW: 3, SH: 2, SW: 2, PH: 1, PW: 1},
		},
		fire34: Sequential{
			NewFire(512, 80, 384, 384, true, rnd),
			NewFire(768, 80, 384, 384, true, rnd),
			&AdaptiveAvgPool2d{OutH: 1, OutW: 1},
		},
		drop: NewDropout(cfg.Dropout, rnd),
	}

	if n.outputShape, err = probeOutputShape(n, inputShape, t); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *LidarPointSegFeat) branchFeature(outs EncoderOutputs) *tensor.Dense {
	if n.part == "el" {
		return outs.EL
	}
	return outs.SE3
}

// Forward runs both encoder branches, fuses, refines and flattens.
func (n *LidarPointSegFeat) Forward(first, second *tensor.Dense) (*tensor.Dense, error) {
	x0, batch, err := foldTime(first)
	if err != nil {
		return nil, err
	}
	x1, _, err := foldTime(second)
	if err != nil {
		return nil, err
	}

	outs0, err := n.encoder1.Forward(x0)
	if err != nil {
		return nil, err
	}
	outs1, err := n.encoder2.Forward(x1)
	if err != nil {
		return nil, err
	}

	fused, err := fuse(n.fusion, n.branchFeature(outs0), n.branchFeature(outs1))
	if err != nil {
		return nil, err
	}
	if fused, err = n.fire12.Forward(fused); err != nil {
		return nil, err
	}
	if fused, err = n.fire34.Forward(fused); err != nil {
		return nil, err
	}
	if n.drop.P > 0 {
		if fused, err = n.drop.Forward(fused); err != nil {
			return nil, err
		}
	}
	return flatten(fused, batch)
}

// OutputShape returns the probed batch-1 output shape.
func (n *LidarPointSegFeat) OutputShape() tensor.Shape { return n.outputShape }

// FeatureDim returns the flattened feature width.
func (n *LidarPointSegFeat) FeatureDim() int { return n.outputShape[len(n.outputShape)-1] }

// SetTraining toggles dropout masking.
func (n *LidarPointSegFeat) SetTraining(train bool) { n.drop.Train = train }

// LidarSimpleFeat0 fuses two plain convolutional branches and flattens the
// fused feature map directly.
type LidarSimpleFeat0 struct {
	fusion string

	encoder1 *FeatureNetSimple0
	encoder2 *FeatureNetSimple0
	drop     *Dropout

	outputShape tensor.Shape
}

// NewLidarSimpleFeat0 builds the net for a (C, H, W) per-frame input shape.
func NewLidarSimpleFeat0(inputShape [3]int, cfg NetConfig) (*LidarSimpleFeat0, error) {
	rnd := rand.New(rand.NewSource(cfg.Seed))
	t := cfg.timestamps()
	inC := t * inputShape[0]

	n := &LidarSimpleFeat0{
		fusion:   cfg.Fusion,
		encoder1: NewFeatureNetSimple0(inC, rnd),
		encoder2: NewFeatureNetSimple0(inC, rnd),
		drop:     NewDropout(cfg.Dropout, rnd),
	}

	var err error
	if n.outputShape, err = probeOutputShape(n, inputShape, t); err != nil {
		return nil, err
	}
	return n, nil
}

// Forward runs both branches, fuses and flattens.
func (n *LidarSimpleFeat0) Forward(first, second *tensor.Dense) (*tensor.Dense, error) {
	x0, batch, err := foldTime(first)
	if err != nil {
		return nil, err
	}
	x1, _, err := foldTime(second)
	if err != nil {
		return nil, err
	}

	f0, err := n.encoder1.Forward(x0)
	if err != nil {
		return nil, err
	}
	f1, err := n.encoder2.Forward(x1)
	if err != nil {
		return nil, err
	}

	fused, err := fuse(n.fusion, f0, f1)
	if err != nil {
		return nil, err
	}
	if n.drop.P > 0 {
		if fused, err = n.drop.Forward(fused); err != nil {
			return nil, err
		}
	}
	return flatten(fused, batch)
}

// OutputShape returns the probed batch-1 output shape.
func (n *LidarSimpleFeat0) OutputShape() tensor.Shape { return n.outputShape }

// FeatureDim returns the flattened feature width.
func (n *LidarSimpleFeat0) FeatureDim() int { return n.outputShape[len(n.outputShape)-1] }

// SetTraining toggles dropout masking.
func (n *LidarSimpleFeat0) SetTraining(train bool) { n.drop.Train = train }

// LidarSimpleFeat1 fuses two bypass-capable convolutional branches whose
// outputs are globally pooled to 1x1.
type LidarSimpleFeat1 struct {
	fusion string

	encoder1 *FeatureNetSimple1
	encoder2 *FeatureNetSimple1
	drop     *Dropout

	outputShape tensor.Shape
}

// NewLidarSimpleFeat1 builds the net for a (C, H, W) per-frame input shape.
func NewLidarSimpleFeat1(inputShape [3]int, cfg NetConfig) (*LidarSimpleFeat1, error) {
	rnd := rand.New(rand.NewSource(cfg.Seed))
	t := cfg.timestamps()
	inC := t * inputShape[0]

	n := &LidarSimpleFeat1{
		fusion:   cfg.Fusion,
		encoder1: NewFeatureNetSimple1(inC, cfg.Bypass, rnd),
		encoder2: NewFeatureNetSimple1(inC, cfg.Bypass, rnd),
		drop:     NewDropout(cfg.Dropout, rnd),
	}

	var err error
	if n.outputShape, err = probeOutputShape(n, inputShape, t); err != nil {
		return nil, err
	}
	return n, nil
}

// Forward runs both branches, fuses and flattens.
func (n *LidarSimpleFeat1) Forward(first, second *tensor.Dense) (*tensor.Dense, error) {
	x0, batch, err := foldTime(first)
	if err != nil {
		return nil, err
	}
	x1, _, err := foldTime(second)
	if err != nil {
		return nil, err
	}

	f0, err := n.encoder1.Forward(x0)
	if err != nil {
		return nil, err
	}
	f1, err := n.encoder2.Forward(x1)
	if err != nil {
		return nil, err
	}

	fused, err := fuse(n.fusion, f0, f1)
	if err != nil {
		return nil, err
	}
	if n.drop.P > 0 {
		if fused, err = n.drop.Forward(fused); err != nil {
			return nil, err
		}
	}
	return flatten(fused, batch)
}

// OutputShape returns the probed batch-1 output shape.
func (n *LidarSimpleFeat1) OutputShape() tensor.Shape { return n.outputShape }

// FeatureDim returns the flattened feature width.
func (n *LidarSimpleFeat1) FeatureDim() int { return n.outputShape[len(n.outputShape)-1] }

// SetTraining toggles dropout masking.
func (n *LidarSimpleFeat1) SetTraining(train bool) { n.drop.Train = train }
