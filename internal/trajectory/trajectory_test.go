package trajectory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kinfu-scanner/internal/mathutil"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "trajectory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func circle(n int) []mathutil.Affine {
	out := make([]mathutil.Affine, n)
	for i := range out {
		deg := float64(i) * 10
		out[i] = mathutil.FromEulerDeg(0, deg, 0, mathutil.Vec3{float64(i) * 0.01, 0, float64(i) * 0.02})
	}
	return out
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	id, err := s.CreateSession(ctx, "desk")
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)

	poses := circle(5)
	// Insert out of order; Poses returns them sorted by frame.
	for _, i := range []int{3, 0, 4, 1, 2} {
		require.NoError(t, s.AppendPose(ctx, id, Record{Frame: i, Tracked: i > 0, Pose: poses[i]}))
	}
	require.NoError(t, s.EndSession(ctx, id, 5))

	got, err := s.Poses(ctx, id)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, r := range got {
		assert.Equal(t, i, r.Frame)
		assert.Equal(t, i > 0, r.Tracked)
		assert.True(t, r.Pose.ApproxEqual(poses[i], 1e-9), "frame %d: %+v", i, r.Pose)
	}

	sessions, err := s.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, id, sessions[0].ID)
	assert.Equal(t, "desk", sessions[0].Name)
	assert.Equal(t, 5, sessions[0].Frames)
	assert.False(t, sessions[0].Ended.IsZero())
	assert.False(t, sessions[0].Ended.Before(sessions[0].Started))
}

func TestStoreReplacesFrame(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	id, err := s.CreateSession(ctx, "replace")
	require.NoError(t, err)

	require.NoError(t, s.AppendPose(ctx, id, Record{Frame: 0, Pose: mathutil.Identity()}))
	moved := mathutil.Translate(1, 2, 3)
	require.NoError(t, s.AppendPose(ctx, id, Record{Frame: 0, Tracked: true, Pose: moved}))

	got, err := s.Poses(ctx, id)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Tracked)
	assert.True(t, got[0].Pose.ApproxEqual(moved, 1e-12))
}

func TestStoreOpenSession(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	_, err := s.CreateSession(ctx, "open")
	require.NoError(t, err)

	sessions, err := s.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Ended.IsZero())
	assert.Zero(t, sessions[0].Frames)
}

func TestStoreUnknownSession(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	_, err := s.Poses(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.EndSession(ctx, "missing", 1), ErrNotFound)
}

func TestStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "t.db")
	s, err := Open(path)
	require.NoError(t, err)
	id, err := s.CreateSession(ctx, "persist")
	require.NoError(t, err)
	require.NoError(t, s.AppendPose(ctx, id, Record{Frame: 0, Pose: mathutil.Identity()}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Poses(ctx, id)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestTopDown(t *testing.T) {
	pts := TopDown([]mathutil.Affine{mathutil.Translate(1, 5, 2)})
	require.Equal(t, 1, pts.Len())
	assert.Equal(t, 1.0, pts[0].X)
	assert.Equal(t, 2.0, pts[0].Y)
}

func TestPlot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trajectory.png")
	require.NoError(t, Plot(circle(12), "test", path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	assert.ErrorIs(t, Plot(nil, "empty", path), ErrEmpty)
}

func TestAffines(t *testing.T) {
	poses := circle(3)
	records := []Record{{Pose: poses[0]}, {Pose: poses[1]}, {Pose: poses[2]}}
	assert.Equal(t, poses, Affines(records))
}
