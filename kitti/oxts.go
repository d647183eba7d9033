package kitti

import (
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// earthRadius is the WGS84 equatorial radius in meters, used by the Mercator
// projection that turns OXTS lat/lon into metric world coordinates.
const earthRadius = 6378137.0

const oxtsFieldCount = 30

// OxtsPacket is one parsed OXTS record: GPS/IMU state in the order the KITTI
// raw format stores it.
type OxtsPacket struct {
	Lat, Lon, Alt    float64
	Roll, Pitch, Yaw float64
	// Velocities: north/east and forward/leftward/upward.
	VN, VE, VF, VL, VU float64
	// Accelerations in vehicle (x/y/z) and sensor (f/l/u) frames.
	Ax, Ay, Az float64
	AF, AL, AU float64
	// Angular rates in vehicle (x/y/z) and sensor (f/l/u) frames.
	Wx, Wy, Wz float64
	WF, WL, WU float64

	PosAccuracy, VelAccuracy float64

	Navstat, Numsats          int
	Posmode, Velmode, Orimode int
}

// IMUReading is the 6-axis subset of a packet consumed by the network.
type IMUReading struct {
	Wx, Wy, Wz float64 // angular velocity, rad/s
	Ax, Ay, Az float64 // linear acceleration, m/s^2
}

// Vector flattens the reading, angular velocity first.
func (r IMUReading) Vector() [6]float64 {
	return [6]float64{r.Wx, r.Wy, r.Wz, r.Ax, r.Ay, r.Az}
}

// IMU extracts the vehicle-frame 6-axis reading.
func (p OxtsPacket) IMU() IMUReading {
	return IMUReading{Wx: p.Wx, Wy: p.Wy, Wz: p.Wz, Ax: p.Ax, Ay: p.Ay, Az: p.Az}
}

// OxtsRecord is a parsed packet plus its world-frame pose T_w_imu.
type OxtsRecord struct {
	Packet OxtsPacket
	TWImu  *mat.Dense // 4x4 homogeneous transform
}

func parseOxtsLine(line string) (OxtsPacket, error) {
	fields := strings.Fields(line)
	if len(fields) != oxtsFieldCount {
		return OxtsPacket{}, errors.Errorf("oxts record has %d fields, want %d", len(fields), oxtsFieldCount)
	}
	vals := make([]float64, oxtsFieldCount)
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return OxtsPacket{}, errors.Wrapf(err, "oxts field %d", i)
		}
		vals[i] = v
	}
	return OxtsPacket{
		Lat: vals[0], Lon: vals[1], Alt: vals[2],
		Roll: vals[3], Pitch: vals[4], Yaw: vals[5],
		VN: vals[6], VE: vals[7], VF: vals[8], VL: vals[9], VU: vals[10],
		Ax: vals[11], Ay: vals[12], Az: vals[13],
		AF: vals[14], AL: vals[15], AU: vals[16],
		Wx: vals[17], Wy: vals[18], Wz: vals[19],
		WF: vals[20], WL: vals[21], WU: vals[22],
		PosAccuracy: vals[23], VelAccuracy: vals[24],
		Navstat: int(vals[25]), Numsats: int(vals[26]),
		Posmode: int(vals[27]), Velmode: int(vals[28]), Orimode: int(vals[29]),
	}, nil
}

func readOxtsFile(path string) (OxtsPacket, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return OxtsPacket{}, errors.Wrapf(err, "cannot read oxts file %q", path)
	}
	p, err := parseOxtsLine(strings.TrimSpace(string(raw)))
	if err != nil {
		return OxtsPacket{}, errors.Wrapf(err, "malformed oxts file %q", path)
	}
	return p, nil
}

// rotFromEuler builds Rz(yaw)*Ry(pitch)*Rx(roll).
func rotFromEuler(roll, pitch, yaw float64) *mat.Dense {
	cr, sr := math.Cos(roll), math.Sin(roll)
	cp, sp := math.Cos(pitch), math.Sin(pitch)
	cy, sy := math.Cos(yaw), math.Sin(yaw)

	rx := mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, cr, -sr,
		0, sr, cr,
	})
	ry := mat.NewDense(3, 3, []float64{
		cp, 0, sp,
		0, 1, 0,
		-sp, 0, cp,
	})
	rz := mat.NewDense(3, 3, []float64{
		cy, -sy, 0,
		sy, cy, 0,
		0, 0, 1,
	})

	var tmp, r mat.Dense
	tmp.Mul(ry, rx)
	r.Mul(rz, &tmp)
	return mat.DenseCopyOf(&r)
}

// mercator projects lat/lon/alt to metric coordinates with the given scale.
func mercator(p OxtsPacket, scale float64) (tx, ty, tz float64) {
	tx = scale * p.Lon * math.Pi * earthRadius / 180.0
	ty = scale * earthRadius * math.Log(math.Tan((90.0+p.Lat)*math.Pi/360.0))
	tz = p.Alt
	return tx, ty, tz
}

func poseFromRotTrans(r *mat.Dense, tx, ty, tz float64) *mat.Dense {
	t := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t.Set(i, j, r.At(i, j))
		}
	}
	t.Set(0, 3, tx)
	t.Set(1, 3, ty)
	t.Set(2, 3, tz)
	t.Set(3, 3, 1)
	return t
}

// recordsFromPackets computes world poses for a packet sequence. The Mercator
// scale comes from the first packet's latitude and the world origin is the
// first packet's translation, so poses are comparable only within one call.
func recordsFromPackets(packets []OxtsPacket) []OxtsRecord {
	if len(packets) == 0 {
		return nil
	}
	scale := math.Cos(packets[0].Lat * math.Pi / 180.0)

	var ox, oy, oz float64
	records := make([]OxtsRecord, len(packets))
	for i, p := range packets {
		tx, ty, tz := mercator(p, scale)
		if i == 0 {
			ox, oy, oz = tx, ty, tz
		}
		r := rotFromEuler(p.Roll, p.Pitch, p.Yaw)
		records[i] = OxtsRecord{
			Packet: p,
			TWImu:  poseFromRotTrans(r, tx-ox, ty-oy, tz-oz),
		}
	}
	return records
}

// rigidInverse inverts a homogeneous rigid transform analytically:
// inv([R t]) = [R^T, -R^T t].
func rigidInverse(t *mat.Dense) *mat.Dense {
	inv := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			inv.Set(i, j, t.At(j, i))
		}
	}
	for i := 0; i < 3; i++ {
		var v float64
		for j := 0; j < 3; j++ {
			v -= t.At(j, i) * t.At(j, 3)
		}
		inv.Set(i, 3, v)
	}
	inv.Set(3, 3, 1)
	return inv
}

// RelativeGroundTruth expresses each record's world pose relative to the
// first record: T_rel[k] = inverse(T_w[0]) * T_w[k]. The first result is the
// identity. Input records are not mutated.
func RelativeGroundTruth(records []OxtsRecord) []*mat.Dense {
	if len(records) == 0 {
		return nil
	}
	inv0 := rigidInverse(records[0].TWImu)
	out := make([]*mat.Dense, len(records))
	for i, rec := range records {
		rel := mat.NewDense(4, 4, nil)
		rel.Mul(inv0, rec.TWImu)
		out[i] = rel
	}
	return out
}
