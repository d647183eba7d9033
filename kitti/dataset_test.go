package kitti

import (
	"context"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"github.com/rginjapan/DeepLIO/config"
)

// fixtureDataset lays out drive A with 5 frames and drive B with 3, IMU
// sampled densely enough that every pair interval has coverage.
func fixtureDataset(t *testing.T, seqSize int) (config.DatasetConfig, *fakeProjector) {
	t.Helper()
	root := t.TempDir()

	veloA := stampSeries(fixtureStart, 100*time.Millisecond, 5)
	imuA := stampSeries(fixtureStart, 10*time.Millisecond, 50)
	writeDrive(t, root, "drive_0001", veloA, imuA)

	startB := fixtureStart.Add(time.Hour)
	veloB := stampSeries(startB, 100*time.Millisecond, 3)
	imuB := stampSeries(startB, 10*time.Millisecond, 30)
	writeDrive(t, root, "drive_0002", veloB, imuB)

	cfg := config.DatasetConfig{
		RootPath:     root,
		ImageWidth:   8,
		ImageHeight:  4,
		FovUp:        3,
		FovDown:      -25,
		SequenceSize: seqSize,
		Splits: map[string][]config.DriveGroup{
			"train": {{Date: fixtureDate, Drives: []string{"drive_0001", "drive_0002"}}},
		},
	}
	return cfg, newFakeProjector()
}

func TestDatasetBins(t *testing.T) {
	cfg, proj := fixtureDataset(t, 2)
	ds, err := NewDataset(cfg, "train", nil, fakeScanReader{}, proj, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, ds.Len(), test.ShouldEqual, 8)
	test.That(t, ds.bins, test.ShouldResemble, []bin{{start: 0, end: 4}, {start: 5, end: 7}})

	driveNum, local, err := ds.resolve(6)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, driveNum, test.ShouldEqual, 1)
	test.That(t, local, test.ShouldEqual, 1)

	// Bins partition the whole range: every index resolves into its bin.
	for idx := 0; idx < ds.Len(); idx++ {
		dn, loc, err := ds.resolve(idx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, idx, test.ShouldEqual, ds.bins[dn].start+loc)
		test.That(t, idx, test.ShouldBeLessThanOrEqualTo, ds.bins[dn].end)
	}

	_, _, err = ds.resolve(8)
	test.That(t, err, test.ShouldNotBeNil)
	_, _, err = ds.resolve(-1)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestDatasetWindow(t *testing.T) {
	cfg, proj := fixtureDataset(t, 3)
	ds, err := NewDataset(cfg, "train", nil, fakeScanReader{}, proj, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	driveA := ds.drives[0]

	w, err := ds.window(driveA, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w, test.ShouldResemble, []int{1, 2, 3})

	// Tail clamp: the last index maps onto the drive's final window.
	w, err = ds.window(driveA, driveA.Len()-1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w, test.ShouldResemble, []int{2, 3, 4})

	_, err = ds.window(driveA, driveA.Len())
	test.That(t, err, test.ShouldNotBeNil)
}

func TestPairCombinations(t *testing.T) {
	test.That(t, pairCombinations(3), test.ShouldResemble, [][2]int{{0, 1}, {0, 2}, {1, 2}})
	test.That(t, len(pairCombinations(5)), test.ShouldEqual, 10)
	for _, c := range pairCombinations(5) {
		test.That(t, c[0], test.ShouldBeLessThan, c[1])
	}
}

func TestDatasetSample(t *testing.T) {
	cfg, proj := fixtureDataset(t, 3)
	ds, err := NewDataset(cfg, "train", nil, fakeScanReader{}, proj, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	s, err := ds.Sample(context.Background(), 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.Valid, test.ShouldBeTrue)
	test.That(t, s.Combinations, test.ShouldResemble, [][2]int{{0, 1}, {0, 2}, {1, 2}})

	// Window is [1,2,3]; pair (0,2) pairs local frames 1 and 3.
	test.That(t, s.Images[0][1].At(0, 0, 0), test.ShouldEqual, float32(1))
	test.That(t, s.Images[1][1].At(0, 0, 0), test.ShouldEqual, float32(3))

	// [t1, t2) at 10ms IMU cadence holds 10 readings.
	test.That(t, len(s.IMU[0]), test.ShouldEqual, 10)
	test.That(t, len(s.GroundTruth[0]), test.ShouldEqual, 10)
	// Pair (0,2) spans two frame intervals.
	test.That(t, len(s.IMU[1]), test.ShouldEqual, 20)

	// Relative ground truth starts at identity.
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			test.That(t, s.GroundTruth[0][0].At(i, j), test.ShouldAlmostEqual, want, 1e-9)
		}
	}

	// One projector call per window frame.
	test.That(t, proj.callCount(), test.ShouldEqual, int64(3))
}

func TestDatasetSampleChannels(t *testing.T) {
	cfg, proj := fixtureDataset(t, 2)
	ds, err := NewDataset(cfg, "train", []int{0, 4}, fakeScanReader{}, proj, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	s, err := ds.Sample(context.Background(), 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.Valid, test.ShouldBeTrue)
	test.That(t, s.Images[0][0].Channels, test.ShouldEqual, 2)
}

func TestDatasetSampleInvalidSkipsLoading(t *testing.T) {
	root := t.TempDir()
	velo := stampSeries(fixtureStart, 100*time.Millisecond, 4)
	// All IMU samples precede the LiDAR stream: every pair interval is empty.
	imu := stampSeries(fixtureStart.Add(-time.Hour), 10*time.Millisecond, 20)
	writeDrive(t, root, "drive_0001", velo, imu)

	cfg := config.DatasetConfig{
		RootPath:     root,
		ImageWidth:   8,
		ImageHeight:  4,
		FovUp:        3,
		FovDown:      -25,
		SequenceSize: 2,
		Splits: map[string][]config.DriveGroup{
			"train": {{Date: fixtureDate, Drives: []string{"drive_0001"}}},
		},
	}
	proj := newFakeProjector()
	ds, err := NewDataset(cfg, "train", nil, fakeScanReader{}, proj, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	s, err := ds.Sample(context.Background(), 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.Valid, test.ShouldBeFalse)
	test.That(t, proj.callCount(), test.ShouldEqual, int64(0))
}

func TestDatasetTransformHook(t *testing.T) {
	cfg, proj := fixtureDataset(t, 2)
	called := false
	ds, err := NewDataset(cfg, "train", nil, fakeScanReader{}, proj, golog.NewTestLogger(t),
		WithTransform(func(s *Sample) *Sample {
			called = true
			return s
		}))
	test.That(t, err, test.ShouldBeNil)

	_, err = ds.Sample(context.Background(), 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, called, test.ShouldBeTrue)
}

func TestDatasetSampleTensors(t *testing.T) {
	cfg, proj := fixtureDataset(t, 3)
	ds, err := NewDataset(cfg, "train", nil, fakeScanReader{}, proj, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	s, err := ds.Sample(context.Background(), 0)
	test.That(t, err, test.ShouldBeNil)
	first, second, err := s.Tensors()
	test.That(t, err, test.ShouldBeNil)
	// [1, pairs, channels, height, width]
	test.That(t, first.Shape(), test.ShouldResemble, second.Shape())
	test.That(t, []int(first.Shape()), test.ShouldResemble, []int{1, 3, 6, 4, 8})

	bad := &Sample{Valid: false}
	_, _, err = bad.Tensors()
	test.That(t, err, test.ShouldNotBeNil)
}

func TestLoadImagesPreservesOrder(t *testing.T) {
	root := t.TempDir()
	velo := stampSeries(fixtureStart, 100*time.Millisecond, 3)
	imu := stampSeries(fixtureStart, 10*time.Millisecond, 30)
	writeDrive(t, root, "drive_0001", velo, imu)

	// Frame 0 is artificially stalled so later frames finish first.
	proj := &fakeProjector{delayFrame: 0}
	d, err := NewRawDrive(root, fixtureDate, "drive_0001", testDriveConfig(proj))
	test.That(t, err, test.ShouldBeNil)

	imgs, err := loadImages(context.Background(), d, []int{0, 1, 2}, nil)
	test.That(t, err, test.ShouldBeNil)
	for i, im := range imgs {
		test.That(t, im.At(0, 0, 0), test.ShouldEqual, float32(i))
	}
}

func TestLoadImagesPropagatesFailure(t *testing.T) {
	root := t.TempDir()
	velo := stampSeries(fixtureStart, 100*time.Millisecond, 3)
	imu := stampSeries(fixtureStart, 10*time.Millisecond, 30)
	writeDrive(t, root, "drive_0001", velo, imu)

	d, err := NewRawDrive(root, fixtureDate, "drive_0001", testDriveConfig(newFakeProjector()))
	test.That(t, err, test.ShouldBeNil)

	// Frame 7 does not exist.
	_, err = loadImages(context.Background(), d, []int{0, 7, 2}, nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errorsIsOutOfRange(err), test.ShouldBeTrue)
}

func TestDatasetRejectsShortDrive(t *testing.T) {
	cfg, proj := fixtureDataset(t, 2)
	cfg.SequenceSize = 4 // drive B only has 3 frames
	_, err := NewDataset(cfg, "train", nil, fakeScanReader{}, proj, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "fewer than sequence size")
}
