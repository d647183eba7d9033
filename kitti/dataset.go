package kitti

import (
	"context"
	"sort"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/rginjapan/DeepLIO/config"
	"github.com/rginjapan/DeepLIO/rangeimage"
)

// Sample is one assembled training tuple. When Valid is false all other
// fields are empty; the caller is expected to skip or resample. All slices
// are indexed parallel to Combinations.
type Sample struct {
	Valid bool

	// Images holds, per pair, the window image at the pair's first and second
	// position respectively.
	Images [2][]*rangeimage.Image
	// IMU holds, per pair, the inertial readings whose timestamps fall in the
	// pair's LiDAR interval, in timestamp order.
	IMU [][]IMUReading
	// GroundTruth holds, per pair, the matched records' poses relative to the
	// pair's first record; each inner list starts with the identity.
	GroundTruth [][]*mat.Dense
	// Combinations are window-relative index pairs (a, b) with a < b.
	Combinations [][2]int
}

// Tensors stacks the sample's paired images into the two [1, T, C, H, W]
// inputs the feature networks consume, T being the number of pairs.
func (s *Sample) Tensors() (first, second *tensor.Dense, err error) {
	if !s.Valid {
		return nil, nil, errors.New("cannot build tensors from an invalid sample")
	}
	if first, err = rangeimage.Stack(s.Images[0]); err != nil {
		return nil, nil, err
	}
	if second, err = rangeimage.Stack(s.Images[1]); err != nil {
		return nil, nil, err
	}
	return first, second, nil
}

// Transform post-processes an assembled sample before it is returned.
type Transform func(*Sample) *Sample

// Option configures a Dataset.
type Option func(*Dataset)

// WithTransform installs a sample transform hook.
func WithTransform(t Transform) Option {
	return func(ds *Dataset) { ds.transform = t }
}

// WithLoadTimeout bounds the image-loading phase of one sample assembly.
func WithLoadTimeout(d time.Duration) Option {
	return func(ds *Dataset) { ds.loadTimeout = d }
}

// bin is the contiguous global index range [start, end] owned by one drive.
type bin struct {
	start, end int
}

// Dataset aggregates drives of one split into a single logical dataset with
// contiguous global indices, and assembles windowed samples from it.
type Dataset struct {
	drives []*RawDrive
	bins   []bin
	length int

	seqSize     int
	channels    []int
	transform   Transform
	loadTimeout time.Duration
	logger      golog.Logger
}

const defaultLoadTimeout = time.Minute

// NewDataset builds every drive the split's configuration enumerates, in
// configuration order, and assigns global index bins by running length
// accumulation in that order.
func NewDataset(
	cfg config.DatasetConfig,
	split string,
	channels []int,
	scans rangeimage.ScanReader,
	projector rangeimage.Projector,
	logger golog.Logger,
	opts ...Option,
) (*Dataset, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	groups, err := cfg.Split(split)
	if err != nil {
		return nil, err
	}

	ds := &Dataset{
		seqSize:     cfg.SequenceSize,
		channels:    channels,
		loadTimeout: defaultLoadTimeout,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(ds)
	}

	driveCfg := DriveConfig{
		ImageWidth:  cfg.ImageWidth,
		ImageHeight: cfg.ImageHeight,
		FovUp:       cfg.FovUp,
		FovDown:     cfg.FovDown,
		SeqSize:     cfg.SequenceSize,
		Scans:       scans,
		Projector:   projector,
	}

	lastEnd := -1
	for _, g := range groups {
		for _, driveID := range g.Drives {
			drive, err := NewRawDrive(cfg.RootPath, g.Date, driveID, driveCfg)
			if err != nil {
				return nil, errors.Wrapf(err, "drive %s/%s", g.Date, driveID)
			}
			if drive.Len() < ds.seqSize {
				return nil, errors.Errorf(
					"drive %s/%s has %d frames, fewer than sequence size %d",
					g.Date, driveID, drive.Len(), ds.seqSize)
			}
			b := bin{start: lastEnd + 1, end: lastEnd + drive.Len()}
			lastEnd = b.end
			ds.drives = append(ds.drives, drive)
			ds.bins = append(ds.bins, b)
		}
	}
	if len(ds.drives) == 0 {
		return nil, errors.Errorf("split %q resolved to zero drives", split)
	}
	ds.length = lastEnd + 1

	logger.Infof("kitti dataset: split=%s length=%d seq-size=%d drives=%d", split, ds.length, ds.seqSize, len(ds.drives))
	for i, d := range ds.drives {
		logger.Infof("  date=%s drive=%s length=%d bin=[%d,%d]", d.Date, d.DriveID, d.Len(), ds.bins[i].start, ds.bins[i].end)
	}
	return ds, nil
}

// Len returns the total sample count, one past the final bin's end.
func (ds *Dataset) Len() int {
	return ds.length
}

// Drives returns the registered drives in registration order.
func (ds *Dataset) Drives() []*RawDrive {
	return ds.drives
}

// resolve translates a global index into (drive ordinal, drive-local index)
// by upper-bound binary search over bin starts. An unresolvable index is an
// internal invariant violation, not a recoverable state.
func (ds *Dataset) resolve(index int) (driveNum, local int, err error) {
	if index < 0 || index >= ds.length {
		return 0, 0, errors.Errorf("global index %d outside [0, %d)", index, ds.length)
	}
	// First bin whose start exceeds index, minus one.
	i := sort.Search(len(ds.bins), func(i int) bool { return ds.bins[i].start > index }) - 1
	if i < 0 || index > ds.bins[i].end {
		return 0, 0, errors.Errorf("no bin contains global index %d", index)
	}
	return i, index - ds.bins[i].start, nil
}

// window returns the seqSize consecutive local indices anchored at local,
// clamped to the drive's final window near the end of the drive. An index
// fitting neither case is a contract violation.
func (ds *Dataset) window(drive *RawDrive, local int) ([]int, error) {
	n := drive.Len()
	var start int
	switch {
	case local+ds.seqSize <= n:
		start = local
	case n-ds.seqSize < local && local < n:
		start = n - ds.seqSize
	default:
		return nil, errors.Errorf(
			"window contract violated: local index %d in drive %s/%s of length %d",
			local, drive.Date, drive.DriveID, n)
	}
	indices := make([]int, ds.seqSize)
	for i := range indices {
		indices[i] = start + i
	}
	return indices, nil
}

// pairCombinations enumerates all (a, b) with a < b < size, emitted with the
// second element ascending: (0,1),(0,2),(1,2),... for size 3.
func pairCombinations(size int) [][2]int {
	combos := make([][2]int, 0, size*(size-1)/2)
	for b := 0; b < size; b++ {
		for a := 0; a < b; a++ {
			combos = append(combos, [2]int{a, b})
		}
	}
	return combos
}

// Sample assembles the training tuple for one global index. A window where
// any pair has no IMU coverage yields an invalid sample before any image is
// loaded; any other failure is an error.
func (ds *Dataset) Sample(ctx context.Context, index int) (*Sample, error) {
	driveNum, local, err := ds.resolve(index)
	if err != nil {
		return nil, err
	}
	drive := ds.drives[driveNum]

	window, err := ds.window(drive, local)
	if err != nil {
		return nil, err
	}

	stamps := make([]time.Time, len(window))
	for i, w := range window {
		stamps[i] = drive.VeloTimestamp(w)
	}

	combos := pairCombinations(ds.seqSize)

	// All-or-nothing IMU coverage check across every pair, before any
	// expensive loading happens.
	imuIndices := make([][]int, len(combos))
	for i, c := range combos {
		matched := drive.imuRange(stamps[c[0]], stamps[c[1]])
		if len(matched) == 0 {
			ds.logger.Debugf("sample %d invalid: no imu coverage for pair (%d,%d) in drive %s/%s",
				index, c[0], c[1], drive.Date, drive.DriveID)
			return &Sample{Valid: false}, nil
		}
		imuIndices[i] = matched
	}

	loadCtx := ctx
	if ds.loadTimeout > 0 {
		var cancel context.CancelFunc
		loadCtx, cancel = context.WithTimeout(ctx, ds.loadTimeout)
		defer cancel()
	}
	images, err := loadImages(loadCtx, drive, window, ds.channels)
	if err != nil {
		return nil, errors.Wrapf(err, "loading window images for sample %d", index)
	}

	sample := &Sample{
		Valid:        true,
		Combinations: combos,
		IMU:          make([][]IMUReading, len(combos)),
		GroundTruth:  make([][]*mat.Dense, len(combos)),
	}
	sample.Images[0] = make([]*rangeimage.Image, len(combos))
	sample.Images[1] = make([]*rangeimage.Image, len(combos))

	for i, c := range combos {
		sample.Images[0][i] = images[c[0]]
		sample.Images[1][i] = images[c[1]]

		records, err := drive.Inertial(imuIndices[i])
		if err != nil {
			return nil, errors.Wrapf(err, "loading imu for sample %d pair (%d,%d)", index, c[0], c[1])
		}
		readings := make([]IMUReading, len(records))
		for j, r := range records {
			readings[j] = r.Packet.IMU()
		}
		sample.IMU[i] = readings
		sample.GroundTruth[i] = RelativeGroundTruth(records)
	}

	if ds.transform != nil {
		sample = ds.transform(sample)
	}
	return sample, nil
}
