package layout

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	canvasWidth  = 1280.0
	canvasHeight = 720.0
)

func TestBestFitKnownTilings(t *testing.T) {
	tests := []struct {
		count      int
		cols, rows int
	}{
		{1, 1, 1},
		{2, 1, 2},
		{3, 2, 2},
		{4, 2, 2},
		{5, 2, 3},
		{7, 3, 3},
		{12, 3, 4},
		{20, 4, 5},
		{37, 6, 7},
		{50, 7, 8},
	}
	for _, tt := range tests {
		fit := BestFit(Input{Count: tt.count, AspectRatio: 16.0 / 9, ContainerWidth: canvasWidth, ContainerHeight: canvasHeight})
		assert.Equal(t, tt.cols, fit.Cols, "cols for %d", tt.count)
		assert.Equal(t, tt.rows, fit.Rows, "rows for %d", tt.count)
		assert.InDelta(t, canvasWidth/float64(tt.cols), fit.ItemWidth, 1e-9)
		assert.InDelta(t, canvasHeight/float64(tt.rows), fit.ItemHeight, 1e-9)
	}
}

func TestBestFitZeroInputs(t *testing.T) {
	for _, in := range []Input{
		{Count: 0, AspectRatio: 1, ContainerWidth: 100, ContainerHeight: 100},
		{Count: 3, AspectRatio: 1, ContainerWidth: 0, ContainerHeight: 100},
		{Count: 3, AspectRatio: 1, ContainerWidth: 100, ContainerHeight: 0},
		{Count: 3, AspectRatio: 0, ContainerWidth: 100, ContainerHeight: 100},
	} {
		fit := BestFit(in)
		assert.Zero(t, fit.Cols)
		assert.Zero(t, fit.Rows)
		assert.Zero(t, fit.ItemWidth)
		assert.Zero(t, fit.ItemHeight)
		assert.Equal(t, in.Count, fit.Count)
		assert.Empty(t, fit.Slots())
	}
}

// A 16:9 tile placed in a cell is bounded by min(width/ratio, height); the
// chosen tiling must maximize it among every tiling that holds all items.
func TestBestFitIsAreaOptimal(t *testing.T) {
	ratio := 16.0 / 9
	tileSize := func(w, h float64) float64 { return math.Min(w/ratio, h) }

	for count := 1; count <= 50; count++ {
		fit := BestFit(Input{Count: count, AspectRatio: ratio, ContainerWidth: canvasWidth, ContainerHeight: canvasHeight})
		require.GreaterOrEqual(t, fit.Cols*fit.Rows, count, "count %d", count)
		got := tileSize(fit.ItemWidth, fit.ItemHeight)

		for cols := 1; cols <= count; cols++ {
			rows := (count + cols - 1) / cols
			alt := tileSize(canvasWidth/float64(cols), canvasHeight/float64(rows))
			assert.LessOrEqual(t, alt, got+1e-9, "count %d: %dx%d beats %dx%d", count, cols, rows, fit.Cols, fit.Rows)
		}
	}
}

func TestRecursiveBestFitBoundsDistortion(t *testing.T) {
	in := Input{Count: 1, AspectRatio: 5.0 / 4, ContainerWidth: 1280, ContainerHeight: 200}

	plain := BestFit(in)
	assert.Greater(t, plain.ItemWidth/plain.ItemHeight, 3.0)

	fit := RecursiveBestFit(in, 4, 3)
	assert.Equal(t, 1, fit.Count)
	assert.Equal(t, 3, fit.Cols)
	assert.LessOrEqual(t, fit.ItemWidth/fit.ItemHeight, 3.0)
}

func TestRecursiveBestFitStopsAtAttemptCeiling(t *testing.T) {
	in := Input{Count: 1, AspectRatio: 5.0 / 4, ContainerWidth: 10000, ContainerHeight: 10}
	fit := RecursiveBestFit(in, 2, 3)
	assert.Equal(t, 2, fit.Cols)
	assert.Equal(t, 1, fit.Count)
}

func TestBestFitWithOverflow(t *testing.T) {
	s := NewSolver(DefaultConfig())

	for _, screen := range []bool{false, true} {
		fit := s.BestFitWithOverflow(20, canvasWidth, canvasHeight, screen)
		assert.LessOrEqual(t, fit.Cols, 6)
		assert.GreaterOrEqual(t, fit.Overflow, 0)
		assert.GreaterOrEqual(t, fit.Rows*fit.Cols, 20)
		assert.Len(t, fit.Slots(), 20)
	}

	fit := s.BestFitWithOverflow(50, canvasWidth, canvasHeight, false)
	assert.Equal(t, 6, fit.Cols)
	assert.Equal(t, 8, fit.Rows)
	assert.InDelta(t, canvasWidth/6, fit.ItemWidth, 1e-9)
	assert.Equal(t, 50-fit.Rows*fit.Cols+1, fit.Overflow)

	slots := fit.Slots()
	require.Len(t, slots, fit.Rows*fit.Cols)
	last := slots[len(slots)-1]
	assert.True(t, last.Aggregate)
	assert.Equal(t, fit.Overflow, last.Items)
	for _, slot := range slots[:len(slots)-1] {
		assert.False(t, slot.Aggregate)
	}
	total := 0
	for _, slot := range slots {
		total += slot.Items
	}
	assert.Equal(t, 50, total)
}

func TestClampColsWithoutMissingSlots(t *testing.T) {
	fit := ClampCols(Fit{Count: 12, Cols: 7, Rows: 2, ContainerWidth: 700, ContainerHeight: 200}, 6)
	assert.Equal(t, 6, fit.Cols)
	assert.Zero(t, fit.Overflow)
	assert.Len(t, fit.Slots(), 12)
}

func TestGridPositions(t *testing.T) {
	fit := BestFit(Input{Count: 3, AspectRatio: 16.0 / 9, ContainerWidth: canvasWidth, ContainerHeight: canvasHeight})
	assert.Equal(t, Rect{X: 0, Y: 0, Width: 640, Height: 360}, Grid(fit, 0))
	assert.Equal(t, Rect{X: 640, Y: 0, Width: 640, Height: 360}, Grid(fit, 1))
	assert.Equal(t, Rect{X: 0, Y: 360, Width: 640, Height: 360}, Grid(fit, 2))
}

func TestMaxGridWidth(t *testing.T) {
	fit := BestFit(Input{Count: 2, AspectRatio: 16.0 / 9, ContainerWidth: canvasWidth, ContainerHeight: canvasHeight})
	w, ok := MaxGridWidth(fit, 12, AspectVideo)
	require.True(t, ok)
	assert.InDelta(t, (720.0-12)/2*16/9, w, 1e-9)

	_, ok = MaxGridWidth(fit, 12, AspectAuto)
	assert.False(t, ok)
}

func TestSolverMemoizes(t *testing.T) {
	s := NewSolver(DefaultConfig())
	a := s.BestFit(5, canvasWidth, canvasHeight, false)
	b := s.BestFit(5, canvasWidth, canvasHeight, false)
	assert.Equal(t, a, b)
	assert.Len(t, s.cache, 1)

	s.BestFitWithOverflow(5, canvasWidth, canvasHeight, false)
	assert.Len(t, s.cache, 2)
}

func TestSolverScreensUseAutoRatio(t *testing.T) {
	s := NewSolver(DefaultConfig())
	fit := s.BestFit(20, canvasWidth, canvasHeight, true)
	assert.Equal(t, 5, fit.Cols)
	assert.Equal(t, 4, fit.Rows)
}

func TestParseEnums(t *testing.T) {
	a, err := ParseAspectRatio("video")
	require.NoError(t, err)
	assert.Equal(t, AspectVideo, a)
	_, err = ParseAspectRatio("wide")
	assert.Error(t, err)

	f, err := ParseFillMode("contain")
	require.NoError(t, err)
	assert.Equal(t, FillContain, f)
	_, err = ParseFillMode("stretch")
	assert.Error(t, err)
}
