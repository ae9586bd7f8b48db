// Package layout tiles N equally sized items into a bounded container.
package layout

import "math"

// Fit is a row/column tiling of Count items into a container.
type Fit struct {
	Count           int     `json:"count"`
	Cols            int     `json:"cols"`
	Rows            int     `json:"rows"`
	ItemWidth       float64 `json:"itemWidth"`
	ItemHeight      float64 `json:"itemHeight"`
	ContainerWidth  float64 `json:"containerWidth"`
	ContainerHeight float64 `json:"containerHeight"`
	// Overflow is the number of items folded into the trailing aggregate tile.
	Overflow int `json:"overflow"`
}

// Input is the argument set of BestFit.
type Input struct {
	Count           int
	AspectRatio     float64
	ContainerWidth  float64
	ContainerHeight float64
}

// BestFit picks the tiling with the largest cell among the candidate that
// fills the container height and the one that fills its width.
func BestFit(in Input) Fit {
	fit := Fit{Count: in.Count, ContainerWidth: in.ContainerWidth, ContainerHeight: in.ContainerHeight}
	if in.Count <= 0 || in.AspectRatio <= 0 || in.ContainerWidth <= 0 || in.ContainerHeight <= 0 {
		return fit
	}

	count := float64(in.Count)
	normalizedWidth := in.ContainerWidth / in.AspectRatio
	normalizedAspect := normalizedWidth / in.ContainerHeight
	colsFloat := math.Sqrt(count * normalizedAspect)
	rowsFloat := count / colsFloat

	// fills the entire height
	rows1 := math.Ceil(rowsFloat)
	cols1 := math.Ceil(count / rows1)
	for rows1*normalizedAspect < cols1 {
		rows1++
		cols1 = math.Ceil(count / rows1)
	}

	// fills the entire width
	cols2 := math.Ceil(colsFloat)
	rows2 := math.Ceil(count / cols2)
	for cols2 < rows2*normalizedAspect {
		cols2++
		rows2 = math.Ceil(count / cols2)
	}

	cols := cols1
	if in.ContainerHeight/rows1 < normalizedWidth/cols2 {
		cols = cols2
	}
	rows := math.Ceil(count / cols)

	fit.Cols = int(cols)
	fit.Rows = int(rows)
	fit.ItemWidth = in.ContainerWidth / cols
	fit.ItemHeight = in.ContainerHeight / rows
	return fit
}

// RecursiveBestFit inflates the virtual item count until the tiles are no
// wider than maxItemAspectRatio or maxAttempts runs have been made. The
// returned Count is always the requested one.
func RecursiveBestFit(in Input, maxAttempts int, maxItemAspectRatio float64) Fit {
	var fit Fit
	current := in
	for attempt := 1; ; attempt++ {
		fit = BestFit(current)
		if fit.ItemHeight == 0 || attempt >= maxAttempts || fit.ItemWidth/fit.ItemHeight <= maxItemAspectRatio {
			break
		}
		current.Count++
	}
	fit.Count = in.Count
	return fit
}

// ClampCols caps the column count at maxCols. Items that no longer get a
// slot of their own are reported in Overflow; they share the last slot.
func ClampCols(fit Fit, maxCols int) Fit {
	fit.Overflow = 0
	if maxCols <= 0 || fit.Cols <= maxCols {
		return fit
	}
	fit.Cols = maxCols
	fit.ItemWidth = fit.ContainerWidth / float64(maxCols)
	if slots := fit.Rows * fit.Cols; fit.Count > slots {
		fit.Overflow = fit.Count - slots + 1
	}
	return fit
}
