package starguide

import (
	"image"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanFindsStarsBrightestFirst(t *testing.T) {
	stars := constellation()
	frame := renderField(t, defaultField, stars)

	res, err := Scan(frame, 0, 15, nil, nil)
	require.NoError(t, err)
	require.Len(t, res.Stars, len(stars))
	assert.Equal(t, 1, res.Pass)
	assert.Equal(t, 0, res.PrimaryIndex)
	assert.Equal(t, res.Stars[0], res.Primary)

	for i, s := range stars {
		got := res.Stars[i]
		assert.InDelta(t, s.X, got.Position.X, 0.5, "star %d x", i)
		assert.InDelta(t, s.Y, got.Position.Y, 0.5, "star %d y", i)
		if i > 0 {
			assert.GreaterOrEqual(t, res.Stars[i-1].Score, got.Score)
		}
	}
	assert.Equal(t, uint16(65535), res.SaturationLevel)
}

func TestScanEdgeAllowanceMovesPrimary(t *testing.T) {
	stars := []testStar{
		star(60.3, 180.2, 3000),
		star(240.4, 180.3, 1500),
	}
	frame := renderField(t, defaultField, stars)

	res, err := Scan(frame, 0, 15, nil, nil)
	require.NoError(t, err)
	assert.InDelta(t, 60.3, res.Primary.Position.X, 0.5)

	res, err = Scan(frame, MountState{CalibrationDistance: 50}.EdgeAllowance(), 15, nil, nil)
	require.NoError(t, err)
	assert.InDelta(t, 240.4, res.Primary.Position.X, 0.5)
	assert.Len(t, res.Stars, 2, "the constellation keeps stars the primary may not use")

	_, err = Scan(frame, 200, 15, nil, nil)
	assert.True(t, errors.Is(err, ErrNoStarFound))
}

func TestScanSkipsNearEdgeCandidates(t *testing.T) {
	frame := renderField(t, defaultField, []testStar{
		star(20.2, 180.3, 3000),
		star(240.4, 180.3, 1500),
	})
	res, err := Scan(frame, 0, 15, nil, nil)
	require.NoError(t, err)
	require.Len(t, res.Stars, 1)
	assert.InDelta(t, 240.4, res.Primary.Position.X, 0.5)
	assert.GreaterOrEqual(t, res.Metrics.NearEdge, 1)
}

func TestScanPrefersUnsaturatedPrimary(t *testing.T) {
	frame := renderField(t, defaultField, []testStar{
		star(240.3, 180.2, 100000),
		star(120.4, 180.3, 2000),
	})
	res, err := Scan(frame, 0, 15, nil, nil)
	require.NoError(t, err)
	require.Len(t, res.Stars, 2)
	assert.Equal(t, StatusSaturated, res.Stars[0].Status)
	assert.Equal(t, 1, res.PrimaryIndex)
	assert.Equal(t, 1, res.Pass)
	assert.InDelta(t, 120.4, res.Primary.Position.X, 0.5)
}

func TestScanRejectsSubframe(t *testing.T) {
	frame := renderField(t, defaultField, constellation())
	require.NoError(t, frame.SetSubframe(image.Rect(100, 100, 300, 260)))

	_, err := Scan(frame, 0, 15, nil, nil)
	assert.True(t, errors.Is(err, ErrSubframeScan))
}

func TestScanEmptyFields(t *testing.T) {
	_, err := Scan(flatFrame(t, 200, 200, 1000), 0, 15, nil, nil)
	assert.True(t, errors.Is(err, ErrNoStarFound), "flat frame: %v", err)

	noise := renderField(t, fieldSpec{Width: 200, Height: 200, Background: 1000, Noise: 5, Seed: 17}, nil)
	_, err = Scan(noise, 0, 15, nil, nil)
	assert.True(t, errors.Is(err, ErrNoStarFound), "noise: %v", err)

	_, err = Scan(nil, 0, 15, nil, nil)
	assert.True(t, errors.Is(err, ErrInvalidFrame))
}

func TestMergeCandidatesKeepsStronger(t *testing.T) {
	var m ScanMetrics
	got := mergeCandidates([]Candidate{
		{X: 10, Y: 10, Score: 9},
		{X: 12, Y: 11, Score: 5},
		{X: 40, Y: 10, Score: 4},
	}, 5, &m)
	assert.Equal(t, []Candidate{{X: 10, Y: 10, Score: 9}, {X: 40, Y: 10, Score: 4}}, got)
	assert.Equal(t, 1, m.Merged)
}

func TestDropClosePairs(t *testing.T) {
	tests := []struct {
		name  string
		cands []Candidate
		want  []Candidate
	}{
		{
			name:  "similar pair both dropped",
			cands: []Candidate{{X: 100, Y: 100, Score: 10}, {X: 120, Y: 110, Score: 8}, {X: 300, Y: 100, Score: 3}},
			want:  []Candidate{{X: 300, Y: 100, Score: 3}},
		},
		{
			name:  "dominant star keeps its place",
			cands: []Candidate{{X: 100, Y: 100, Score: 50}, {X: 120, Y: 110, Score: 8}},
			want:  []Candidate{{X: 100, Y: 100, Score: 50}},
		},
		{
			name:  "far apart on one axis",
			cands: []Candidate{{X: 100, Y: 100, Score: 10}, {X: 110, Y: 150, Score: 9}},
			want:  []Candidate{{X: 100, Y: 100, Score: 10}, {X: 110, Y: 150, Score: 9}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m ScanMetrics
			got := dropClosePairs(tt.cands, 35, 5, &m)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, len(tt.cands)-len(tt.want), m.ClosePairs)
		})
	}
}
