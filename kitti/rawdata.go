// Package kitti loads LiDAR scans and OXTS inertial data from a KITTI-raw
// style directory tree and presents them as an indexable dataset of temporal
// training samples.
package kitti

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/rginjapan/DeepLIO/rangeimage"
)

// ErrOutOfRange reports an invalid local frame index into a drive.
var ErrOutOfRange = errors.New("frame index out of range")

// timestampLayout is the KITTI timestamp format. Files carry nanosecond
// tails; parsed values are truncated to microsecond resolution.
const timestampLayout = "2006-01-02 15:04:05.999999999"

// DriveConfig configures a RawDrive and supplies its external collaborators.
type DriveConfig struct {
	ImageWidth  int
	ImageHeight int
	FovUp       float64
	FovDown     float64
	SeqSize     int

	// Frames optionally restricts the drive to a subset of LiDAR frame
	// ordinals. The OXTS stream is never subset.
	Frames []int

	Scans     rangeimage.ScanReader
	Projector rangeimage.Projector
}

func (c *DriveConfig) validate() error {
	if c.Scans == nil {
		return errors.New("drive config requires a scan reader")
	}
	if c.Projector == nil {
		return errors.New("drive config requires a projector")
	}
	if c.ImageWidth <= 0 || c.ImageHeight <= 0 {
		return errors.Errorf("image size %dx%d must be positive", c.ImageWidth, c.ImageHeight)
	}
	return nil
}

// RawDrive is a read-only accessor over one recorded drive: sorted LiDAR and
// OXTS sample files plus their per-modality timestamps.
type RawDrive struct {
	Date    string
	DriveID string

	dataPath  string
	veloFiles []string
	oxtsFiles []string
	tsVelo    []time.Time
	tsImu     []time.Time

	cfg DriveConfig
}

// NewRawDrive discovers the drive's files under base/date/drive and loads
// both timestamp files. A malformed timestamp line is fatal.
func NewRawDrive(basePath, date, driveID string, cfg DriveConfig) (*RawDrive, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	d := &RawDrive{
		Date:     date,
		DriveID:  driveID,
		dataPath: filepath.Join(basePath, date, driveID),
		cfg:      cfg,
	}

	var err error
	if d.veloFiles, err = listDataFiles(filepath.Join(d.dataPath, "velodyne_points", "data")); err != nil {
		return nil, err
	}
	if d.oxtsFiles, err = listDataFiles(filepath.Join(d.dataPath, "oxts", "data")); err != nil {
		return nil, err
	}
	if d.tsVelo, err = loadTimestamps(filepath.Join(d.dataPath, "velodyne_points", "timestamps.txt")); err != nil {
		return nil, err
	}
	if d.tsImu, err = loadTimestamps(filepath.Join(d.dataPath, "oxts", "timestamps.txt")); err != nil {
		return nil, err
	}

	// A frame subset restricts the LiDAR modality only; the OXTS stream stays
	// whole so timestamp-to-file correspondence is preserved for IMU lookups.
	if len(cfg.Frames) > 0 {
		if d.veloFiles, err = subselect(d.veloFiles, cfg.Frames); err != nil {
			return nil, err
		}
		stamps := make([]time.Time, 0, len(cfg.Frames))
		for _, f := range cfg.Frames {
			if f < 0 || f >= len(d.tsVelo) {
				return nil, errors.Errorf("frame subset index %d out of range (%d timestamps)", f, len(d.tsVelo))
			}
			stamps = append(stamps, d.tsVelo[f])
		}
		d.tsVelo = stamps
	}

	if len(d.tsVelo) != len(d.veloFiles) {
		return nil, errors.Errorf(
			"drive %s/%s: %d velodyne timestamps for %d scans",
			date, driveID, len(d.tsVelo), len(d.veloFiles))
	}
	return d, nil
}

func listDataFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot list %q", dir)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func subselect(files []string, frames []int) ([]string, error) {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		if f < 0 || f >= len(files) {
			return nil, errors.Errorf("frame subset index %d out of range (%d files)", f, len(files))
		}
		out = append(out, files[f])
	}
	return out, nil
}

func loadTimestamps(path string) ([]time.Time, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open timestamps %q", path)
	}
	defer f.Close()

	var stamps []time.Time
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		t, err := time.Parse(timestampLayout, line)
		if err != nil {
			return nil, errors.Wrapf(err, "malformed timestamp at %s:%d", path, lineNo)
		}
		stamps = append(stamps, t.Truncate(time.Microsecond))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "cannot read timestamps %q", path)
	}
	return stamps, nil
}

// Len returns the number of LiDAR samples in the drive.
func (d *RawDrive) Len() int {
	return len(d.veloFiles)
}

// DataPath returns the drive's on-disk directory.
func (d *RawDrive) DataPath() string {
	return d.dataPath
}

// PointCloud reads the raw scan at the given local index.
func (d *RawDrive) PointCloud(i int) (rangeimage.Scan, error) {
	if i < 0 || i >= len(d.veloFiles) {
		return rangeimage.Scan{}, errors.Wrapf(ErrOutOfRange, "scan %d of drive %s/%s (%d scans)",
			i, d.Date, d.DriveID, len(d.veloFiles))
	}
	return d.cfg.Scans.Read(d.veloFiles[i])
}

// RangeImage projects the scan at the given local index into the configured
// fixed-size multi-channel image.
func (d *RawDrive) RangeImage(i int) (*rangeimage.Image, error) {
	scan, err := d.PointCloud(i)
	if err != nil {
		return nil, err
	}
	return d.cfg.Projector.Project(scan, rangeimage.Params{
		Width:   d.cfg.ImageWidth,
		Height:  d.cfg.ImageHeight,
		FovUp:   d.cfg.FovUp,
		FovDown: d.cfg.FovDown,
	})
}

// Inertial lazily parses exactly the requested OXTS records and computes
// their world poses. Indices index the drive's OXTS file list.
func (d *RawDrive) Inertial(indices []int) ([]OxtsRecord, error) {
	packets := make([]OxtsPacket, 0, len(indices))
	for _, i := range indices {
		if i < 0 || i >= len(d.oxtsFiles) {
			return nil, errors.Wrapf(ErrOutOfRange, "oxts %d of drive %s/%s (%d records)",
				i, d.Date, d.DriveID, len(d.oxtsFiles))
		}
		p, err := readOxtsFile(d.oxtsFiles[i])
		if err != nil {
			return nil, err
		}
		packets = append(packets, p)
	}
	return recordsFromPackets(packets), nil
}

// VeloTimestamp returns the LiDAR timestamp of the given local index.
func (d *RawDrive) VeloTimestamp(i int) time.Time {
	return d.tsVelo[i]
}

// imuRange returns the OXTS record indices whose timestamp falls in the
// half-open interval [start, stop). Timestamps are sorted, so both bounds are
// found by binary search.
func (d *RawDrive) imuRange(start, stop time.Time) []int {
	lo := sort.Search(len(d.tsImu), func(i int) bool { return !d.tsImu[i].Before(start) })
	hi := sort.Search(len(d.tsImu), func(i int) bool { return !d.tsImu[i].Before(stop) })
	if hi <= lo {
		return nil
	}
	out := make([]int, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, i)
	}
	return out
}
