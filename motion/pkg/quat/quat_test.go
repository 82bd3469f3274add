package quat

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeIdentityOnInvalid(t *testing.T) {
	require.Equal(t, Identity(), Normalize(Quaternion{}))
	require.Equal(t, Identity(), Normalize(Quaternion{W: math.NaN()}))
}

func TestInverseRoundTrip(t *testing.T) {
	// Property 1: normalize(inverse(inverse(q))) ~= q within 1e-6 per component.
	qs := []Quaternion{
		{W: 1, X: 0, Y: 0, Z: 0},
		{W: 0.7071, X: 0.7071, Y: 0, Z: 0},
		{W: 0.5, X: 0.5, Y: 0.5, Z: 0.5},
		{W: 0.1, X: 0.2, Y: 0.3, Z: 0.9},
	}
	for _, q := range qs {
		q = Normalize(q)
		got := Normalize(Inverse(Inverse(q)))
		require.InDelta(t, q.W, got.W, 1e-6)
		require.InDelta(t, q.X, got.X, 1e-6)
		require.InDelta(t, q.Y, got.Y, 1e-6)
		require.InDelta(t, q.Z, got.Z, 1e-6)
	}
}

func TestMultiplyIdentity(t *testing.T) {
	q := Normalize(Quaternion{W: 0.2, X: 0.4, Y: 0.6, Z: 0.8})
	got := Multiply(Identity(), q)
	require.InDelta(t, q.W, got.W, 1e-9)
	require.InDelta(t, q.X, got.X, 1e-9)
	require.InDelta(t, q.Y, got.Y, 1e-9)
	require.InDelta(t, q.Z, got.Z, 1e-9)
}

func TestJointAngleFromPairIdentityGivesZero(t *testing.T) {
	res := JointAngleFromPair(Identity(), Identity(), DefaultCalibration())
	require.True(t, res.Quality)
	require.InDelta(t, 0, res.AngleDeg, 1e-9)
}

func TestJointAngleFromPairInvalidInputNeverPanics(t *testing.T) {
	res := JointAngleFromPair(Quaternion{}, Quaternion{W: math.NaN()}, DefaultCalibration())
	require.True(t, res.Quality)
}

func TestJointAngleAppliesCalibration(t *testing.T) {
	// A 90 degree rotation about X between top and bottom.
	top := Identity()
	bottom := Normalize(Quaternion{W: math.Cos(math.Pi / 4), X: math.Sin(math.Pi / 4)})
	cal := Calibration{Multiplier: 2, Offset: 5}
	base := JointAngleFromPair(top, bottom, DefaultCalibration())
	calibrated := JointAngleFromPair(top, bottom, cal)
	require.InDelta(t, base.AngleDeg*2+5, calibrated.AngleDeg, 1e-6)
}

func TestSlerpEndpoints(t *testing.T) {
	a := Normalize(Quaternion{W: 1})
	b := Normalize(Quaternion{W: 0, X: 1})
	got0 := Slerp(a, b, 0)
	got1 := Slerp(a, b, 1)
	require.InDelta(t, a.W, got0.W, 1e-6)
	require.InDelta(t, b.X, got1.X, 1e-6)
}

func TestLerpIsNormalized(t *testing.T) {
	a := Quaternion{W: 1}
	b := Quaternion{X: 1}
	got := Lerp(a, b, 0.5)
	require.InDelta(t, 1, got.Norm(), 1e-9)
}
