package kitti

import (
	"math"
	"strings"
	"testing"

	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func TestParseOxtsLine(t *testing.T) {
	p, err := parseOxtsLine(oxtsLine(2))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.Lat, test.ShouldAlmostEqual, 49.000002, 1e-9)
	test.That(t, p.Ax, test.ShouldAlmostEqual, 0.2, 1e-9)
	test.That(t, p.Wy, test.ShouldAlmostEqual, 0.04, 1e-9)
	test.That(t, p.Numsats, test.ShouldEqual, 11)

	_, err = parseOxtsLine("1 2 3")
	test.That(t, err, test.ShouldNotBeNil)

	bad := strings.Replace(oxtsLine(0), "9.81", "not-a-number", 1)
	_, err = parseOxtsLine(bad)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestIMUReadingVector(t *testing.T) {
	r := IMUReading{Wx: 1, Wy: 2, Wz: 3, Ax: 4, Ay: 5, Az: 6}
	test.That(t, r.Vector(), test.ShouldResemble, [6]float64{1, 2, 3, 4, 5, 6})
}

func synthRecord(yaw, tx, ty, tz float64) OxtsRecord {
	return OxtsRecord{TWImu: poseFromRotTrans(rotFromEuler(0, 0, yaw), tx, ty, tz)}
}

func matsAlmostEqual(t *testing.T, got, want *mat.Dense, tol float64) {
	t.Helper()
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			test.That(t, got.At(i, j), test.ShouldAlmostEqual, want.At(i, j), tol)
		}
	}
}

func TestRelativeGroundTruthIdentityFirst(t *testing.T) {
	records := []OxtsRecord{
		synthRecord(0.3, 10, 20, 30),
		synthRecord(0.5, 11, 21, 30.5),
		synthRecord(0.7, 12, 22, 31),
	}
	rel := RelativeGroundTruth(records)
	test.That(t, len(rel), test.ShouldEqual, 3)

	ident := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		ident.Set(i, i, 1)
	}
	matsAlmostEqual(t, rel[0], ident, 1e-12)
}

func TestRelativeGroundTruthInvariantToWorldOffset(t *testing.T) {
	records := []OxtsRecord{
		synthRecord(0.1, 1, 2, 3),
		synthRecord(0.4, 4, 5, 6),
	}
	offset := poseFromRotTrans(rotFromEuler(0.2, -0.1, 1.1), 100, -50, 7)

	shifted := make([]OxtsRecord, len(records))
	for i, r := range records {
		moved := mat.NewDense(4, 4, nil)
		moved.Mul(offset, r.TWImu)
		shifted[i] = OxtsRecord{TWImu: moved}
	}

	rel := RelativeGroundTruth(records)
	relShifted := RelativeGroundTruth(shifted)
	for k := range rel {
		matsAlmostEqual(t, relShifted[k], rel[k], 1e-9)
	}
}

func TestRelativeGroundTruthDoesNotMutateInput(t *testing.T) {
	rec := synthRecord(0.2, 5, 6, 7)
	before := mat.DenseCopyOf(rec.TWImu)
	RelativeGroundTruth([]OxtsRecord{rec, synthRecord(0.3, 6, 7, 8)})
	matsAlmostEqual(t, rec.TWImu, before, 0)
}

func TestRigidInverse(t *testing.T) {
	pose := poseFromRotTrans(rotFromEuler(0.3, -0.2, 0.9), 4, -2, 1)
	inv := rigidInverse(pose)

	var prod mat.Dense
	prod.Mul(inv, pose)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			test.That(t, prod.At(i, j), test.ShouldAlmostEqual, want, 1e-12)
		}
	}
}

func TestRecordsFromPackets(t *testing.T) {
	packets := make([]OxtsPacket, 3)
	for i := range packets {
		p, err := parseOxtsLine(oxtsLine(i))
		test.That(t, err, test.ShouldBeNil)
		packets[i] = p
	}
	records := recordsFromPackets(packets)
	test.That(t, len(records), test.ShouldEqual, 3)

	// The world origin is the first packet's translation.
	test.That(t, records[0].TWImu.At(0, 3), test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, records[0].TWImu.At(1, 3), test.ShouldAlmostEqual, 0, 1e-9)

	// Later packets moved east, so x grows.
	test.That(t, records[1].TWImu.At(0, 3), test.ShouldBeGreaterThan, 0.0)

	// Rotation rows stay orthonormal.
	r := records[2].TWImu
	norm := math.Hypot(math.Hypot(r.At(0, 0), r.At(0, 1)), r.At(0, 2))
	test.That(t, norm, test.ShouldAlmostEqual, 1, 1e-9)

	test.That(t, recordsFromPackets(nil), test.ShouldBeNil)
}
