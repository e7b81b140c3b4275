package servo

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	serr "github.com/CodedInternet/servobus/onboard/errors"
)

const (
	TRAJECTORY_SAMPLES = 100
	// upper bound of the search for a minimal duration
	MAX_SEARCH_DURATION = MAX_POINT_DURATION
)

// Kinematics is the state of an axis at a point in time (ms).
type Kinematics struct {
	Position     float64 `json:"position" yaml:"position"`         // deg
	Velocity     float64 `json:"velocity" yaml:"velocity"`         // deg/s
	Acceleration float64 `json:"acceleration" yaml:"acceleration"` // deg/s^2
	Time         uint32  `json:"time" yaml:"time"`                 // ms
}

// Limits bound the velocity and acceleration along a trajectory.
type Limits struct {
	MaxVelocity     float64 `yaml:"max_velocity"`
	MaxAcceleration float64 `yaml:"max_acceleration"`
}

var DefaultLimits = Limits{
	MaxVelocity:     180,
	MaxAcceleration: 720,
}

// quintic is the position profile over normalised time u = t/T in [0, 1]:
// p(u) = c[0] + c[1]u + ... + c[5]u^5.
type quintic struct {
	c [6]float64
	T float64 // seconds
}

// boundary matrix of the last three coefficients at u = 1
var quinticBoundary = mgl64.Mat3FromRows(
	mgl64.Vec3{1, 1, 1},
	mgl64.Vec3{3, 4, 5},
	mgl64.Vec3{6, 12, 20},
).Inv()

// solveQuintic fits the polynomial joining start and end over T seconds.
func solveQuintic(start, end Kinematics, T float64) (q quintic) {
	q.T = T
	q.c[0] = start.Position
	q.c[1] = start.Velocity * T
	q.c[2] = start.Acceleration * T * T / 2

	b := mgl64.Vec3{
		end.Position - (q.c[0] + q.c[1] + q.c[2]),
		end.Velocity*T - (q.c[1] + 2*q.c[2]),
		end.Acceleration*T*T - 2*q.c[2],
	}
	x := quinticBoundary.Mul3x1(b)
	q.c[3], q.c[4], q.c[5] = x[0], x[1], x[2]
	return q
}

func (q quintic) velocity(u float64) float64 {
	c := q.c
	return (c[1] + 2*c[2]*u + 3*c[3]*u*u + 4*c[4]*u*u*u + 5*c[5]*u*u*u*u) / q.T
}

func (q quintic) acceleration(u float64) float64 {
	c := q.c
	return (2*c[2] + 6*c[3]*u + 12*c[4]*u*u + 20*c[5]*u*u*u) / (q.T * q.T)
}

// within samples the profile and checks it never exceeds the limits.
func (q quintic) within(limits Limits) bool {
	for i := 0; i <= TRAJECTORY_SAMPLES; i++ {
		u := float64(i) / TRAJECTORY_SAMPLES
		if math.Abs(q.velocity(u)) > limits.MaxVelocity || math.Abs(q.acceleration(u)) > limits.MaxAcceleration {
			return false
		}
	}
	return true
}

func feasible(start, end Kinematics, ms uint32, limits Limits) bool {
	if ms == 0 {
		return false
	}
	return solveQuintic(start, end, float64(ms)/1000).within(limits)
}

func sameMotion(a, b Kinematics) bool {
	return a.Position == b.Position && a.Velocity == b.Velocity && a.Acceleration == b.Acceleration
}

// CalculateTime returns how long the move from start to end takes in ms.
// When the timestamps differ the requested duration is checked against the
// limits; when both are zero the shortest feasible duration is searched.
func CalculateTime(start, end Kinematics, limits Limits) (uint32, error) {
	const op = "calculate time"

	if sameMotion(start, end) && start.Time == end.Time {
		return 0, nil
	}
	if limits.MaxVelocity <= 0 || limits.MaxAcceleration <= 0 {
		return 0, serr.NewStatusError(serr.StatusWrongArgument, op, fmt.Errorf("limits must be positive"))
	}
	for _, k := range []Kinematics{start, end} {
		if math.Abs(k.Velocity) > limits.MaxVelocity || math.Abs(k.Acceleration) > limits.MaxAcceleration {
			return 0, serr.NewStatusError(serr.StatusWrongTrajectory, op, fmt.Errorf("boundary conditions exceed the limits"))
		}
	}

	if start.Time != 0 || end.Time != 0 {
		if end.Time <= start.Time {
			return 0, serr.NewStatusError(serr.StatusWrongTrajectory, op, fmt.Errorf("end time %d not after start time %d", end.Time, start.Time))
		}
		ms := end.Time - start.Time
		if !feasible(start, end, ms, limits) {
			return 0, serr.NewStatusError(serr.StatusWrongTrajectory, op, fmt.Errorf("%d ms is too short", ms))
		}
		return ms, nil
	}

	// grow until feasible, then narrow down to the millisecond
	var lo, hi uint32 = 0, 1
	for !feasible(start, end, hi, limits) {
		if hi >= MAX_SEARCH_DURATION {
			return 0, serr.NewStatusError(serr.StatusWrongTrajectory, op, fmt.Errorf("no feasible duration"))
		}
		lo = hi
		hi *= 2
		if hi > MAX_SEARCH_DURATION {
			hi = MAX_SEARCH_DURATION
		}
	}
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		if feasible(start, end, mid, limits) {
			hi = mid
		} else {
			lo = mid
		}
	}
	return hi, nil
}
