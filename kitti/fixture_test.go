package kitti

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/rginjapan/DeepLIO/rangeimage"
)

func errorsIsOutOfRange(err error) bool {
	return errors.Is(err, ErrOutOfRange)
}

// fakeScanReader produces a one-point scan whose X coordinate encodes the
// frame ordinal parsed from the file name.
type fakeScanReader struct{}

func (fakeScanReader) Read(path string) (rangeimage.Scan, error) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	idx, err := strconv.Atoi(name)
	if err != nil {
		return rangeimage.Scan{}, err
	}
	return rangeimage.Scan{
		Points:    []r3.Vector{{X: float64(idx)}},
		Remission: []float32{1},
	}, nil
}

// fakeProjector fills the whole image with the scan's encoded frame ordinal
// and counts invocations. delayFrame, when non-negative, stalls that frame so
// completion order differs from input order.
type fakeProjector struct {
	calls      int64
	delayFrame int64
}

func (p *fakeProjector) Project(scan rangeimage.Scan, params rangeimage.Params) (*rangeimage.Image, error) {
	atomic.AddInt64(&p.calls, 1)
	frame := scan.Points[0].X
	if p.delayFrame >= 0 && int64(frame) == p.delayFrame {
		time.Sleep(50 * time.Millisecond)
	}
	im := rangeimage.NewImage(params.Width, params.Height, rangeimage.NumChannels)
	for i := range im.Data {
		im.Data[i] = float32(frame)
	}
	return im, nil
}

func (p *fakeProjector) callCount() int64 {
	return atomic.LoadInt64(&p.calls)
}

func newFakeProjector() *fakeProjector {
	return &fakeProjector{delayFrame: -1}
}

const fixtureDate = "2011-09-26"

// oxtsLine renders a full 30-field record with distinctive motion values.
func oxtsLine(i int) string {
	lat := 49.0 + float64(i)*1e-6
	lon := 8.43 + float64(i)*1e-6
	alt := 112.8 + float64(i)*0.01
	yaw := 0.01 * float64(i)
	ax, ay, az := 0.1*float64(i), 0.2*float64(i), 9.81
	wx, wy, wz := 0.01*float64(i), 0.02*float64(i), 0.03*float64(i)
	return fmt.Sprintf(
		"%f %f %f 0.0 0.0 %f 1.0 0.5 1.1 0.0 0.0 %f %f %f 0 0 0 %f %f %f 0 0 0 0.5 0.1 4 11 6 6 6",
		lat, lon, alt, yaw, ax, ay, az, wx, wy, wz)
}

// writeDrive lays out one KITTI-raw style drive directory.
func writeDrive(t *testing.T, root, drive string, veloStamps, imuStamps []string) {
	t.Helper()
	base := filepath.Join(root, fixtureDate, drive)

	veloData := filepath.Join(base, "velodyne_points", "data")
	oxtsData := filepath.Join(base, "oxts", "data")
	for _, dir := range []string{veloData, oxtsData} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	for i := range veloStamps {
		name := filepath.Join(veloData, fmt.Sprintf("%010d.bin", i))
		if err := os.WriteFile(name, []byte{0}, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	for i := range imuStamps {
		name := filepath.Join(oxtsData, fmt.Sprintf("%010d.txt", i))
		if err := os.WriteFile(name, []byte(oxtsLine(i)+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	writeStamps := func(path string, stamps []string) {
		if err := os.WriteFile(path, []byte(strings.Join(stamps, "\n")+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	writeStamps(filepath.Join(base, "velodyne_points", "timestamps.txt"), veloStamps)
	writeStamps(filepath.Join(base, "oxts", "timestamps.txt"), imuStamps)
}

// stampSeries renders n timestamps starting at start, stepping by step, in
// the KITTI format with a nanosecond tail.
func stampSeries(start time.Time, step time.Duration, n int) []string {
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = start.Add(time.Duration(i) * step).Format("2006-01-02 15:04:05.000000000")
	}
	return out
}

var fixtureStart = time.Date(2011, 9, 26, 13, 2, 25, 0, time.UTC)

func testDriveConfig(proj rangeimage.Projector) DriveConfig {
	return DriveConfig{
		ImageWidth:  8,
		ImageHeight: 4,
		FovUp:       3,
		FovDown:     -25,
		SeqSize:     2,
		Scans:       fakeScanReader{},
		Projector:   proj,
	}
}
