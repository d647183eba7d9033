// Package rangeimage defines the range-image representation of a LiDAR scan
// and the contracts for the external routines that produce one: a reader for
// raw scan files and a spherical projector. Parsing and projection internals
// live outside this module; everything here is the shared data contract.
package rangeimage

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Channel layout of a projected image. The order is fixed; consumers select a
// subset by index but never reorder.
const (
	ChanX = iota
	ChanY
	ChanZ
	ChanRemission
	ChanRange
	ChanRangeXY

	// NumChannels is the channel count of a full projected image.
	NumChannels = 6
)

// Scan is a raw LiDAR point cloud with one remission value per point.
type Scan struct {
	Points    []r3.Vector
	Remission []float32
}

// Size returns the number of points in the scan.
func (s Scan) Size() int {
	return len(s.Points)
}

// ScanReader reads a raw scan file from disk.
type ScanReader interface {
	Read(path string) (Scan, error)
}

// Params configures a projection. FovUp and FovDown are the vertical
// field-of-view bounds in degrees, up positive.
type Params struct {
	Width   int
	Height  int
	FovUp   float64
	FovDown float64
}

// Projector turns a scan into a projected image. Implementations must be
// deterministic given (scan, params) and must emit the channel order defined
// by the Chan* constants.
type Projector interface {
	Project(scan Scan, p Params) (*Image, error)
}

// Image is a dense Height x Width x Channels range image. Data is stored
// row-major with channels last, matching the depth-stacked projection output.
type Image struct {
	Width    int
	Height   int
	Channels int
	Data     []float32
}

// NewImage allocates a zero image.
func NewImage(width, height, channels int) *Image {
	return &Image{
		Width:    width,
		Height:   height,
		Channels: channels,
		Data:     make([]float32, width*height*channels),
	}
}

// At returns the value at row y, column x, channel c.
func (im *Image) At(y, x, c int) float32 {
	return im.Data[(y*im.Width+x)*im.Channels+c]
}

// Set writes the value at row y, column x, channel c.
func (im *Image) Set(y, x, c int, v float32) {
	im.Data[(y*im.Width+x)*im.Channels+c] = v
}

// ValidateChannels checks a channel-selection mask against the image.
func (im *Image) ValidateChannels(channels []int) error {
	if len(channels) == 0 {
		return errors.New("empty channel selection")
	}
	for _, c := range channels {
		if c < 0 || c >= im.Channels {
			return errors.Errorf("channel %d out of range, image has %d channels", c, im.Channels)
		}
	}
	return nil
}

// Select returns a new image containing only the given channels, in the given
// order. The result owns its data; mutating it never affects the source.
func (im *Image) Select(channels []int) (*Image, error) {
	if err := im.ValidateChannels(channels); err != nil {
		return nil, err
	}
	out := NewImage(im.Width, im.Height, len(channels))
	for y := 0; y < im.Height; y++ {
		for x := 0; x < im.Width; x++ {
			for i, c := range channels {
				out.Set(y, x, i, im.At(y, x, c))
			}
		}
	}
	return out, nil
}

// Tensor returns the image as a [channels, height, width] dense tensor.
func (im *Image) Tensor() *tensor.Dense {
	data := make([]float32, len(im.Data))
	for c := 0; c < im.Channels; c++ {
		for y := 0; y < im.Height; y++ {
			for x := 0; x < im.Width; x++ {
				data[(c*im.Height+y)*im.Width+x] = im.At(y, x, c)
			}
		}
	}
	return tensor.New(tensor.WithShape(im.Channels, im.Height, im.Width), tensor.WithBacking(data))
}

// Stack stacks images of identical shape into a [1, len(imgs), C, H, W]
// tensor, the input layout the feature networks consume.
func Stack(imgs []*Image) (*tensor.Dense, error) {
	if len(imgs) == 0 {
		return nil, errors.New("cannot stack zero images")
	}
	first := imgs[0]
	per := first.Channels * first.Height * first.Width
	data := make([]float32, 0, len(imgs)*per)
	for i, im := range imgs {
		if im.Width != first.Width || im.Height != first.Height || im.Channels != first.Channels {
			return nil, errors.Errorf(
				"image %d has shape %dx%dx%d, want %dx%dx%d",
				i, im.Height, im.Width, im.Channels, first.Height, first.Width, first.Channels)
		}
		data = append(data, im.Tensor().Data().([]float32)...)
	}
	return tensor.New(
		tensor.WithShape(1, len(imgs), first.Channels, first.Height, first.Width),
		tensor.WithBacking(data),
	), nil
}
