package layout

// Rect is a slot rectangle in container coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Slot is one rendered tile of a Fit.
type Slot struct {
	Index     int  `json:"index"`
	Rect      Rect `json:"rect"`
	Aggregate bool `json:"aggregate"`
	// Items is the number of items rendered by this slot.
	Items int `json:"items"`
}

// Grid returns the row-major rectangle of slot i.
func Grid(fit Fit, i int) Rect {
	if fit.Cols == 0 {
		return Rect{}
	}
	return Rect{
		X:      float64(i%fit.Cols) * fit.ItemWidth,
		Y:      float64(i/fit.Cols) * fit.ItemHeight,
		Width:  fit.ItemWidth,
		Height: fit.ItemHeight,
	}
}

// Visible is the number of items rendered in a slot of their own.
func (f Fit) Visible() int {
	if f.Overflow > 0 {
		return f.Rows*f.Cols - 1
	}
	return f.Count
}

// Slots lists the rendered tiles; when items overflow, the last one is the aggregate.
func (f Fit) Slots() []Slot {
	if f.Cols == 0 {
		return nil
	}
	visible := f.Visible()
	out := make([]Slot, 0, visible+1)
	for i := range visible {
		out = append(out, Slot{Index: i, Rect: Grid(f, i), Items: 1})
	}
	if f.Overflow > 0 {
		out = append(out, Slot{Index: visible, Rect: Grid(f, visible), Aggregate: true, Items: f.Overflow})
	}
	return out
}

// MaxGridWidth bounds the grid width for fixed aspect ratios so that slots
// keep their ratio once gaps are taken out. ok is false when the width is
// unconstrained.
func MaxGridWidth(fit Fit, gap float64, ratio AspectRatio) (width float64, ok bool) {
	if fit.Rows == 0 || fit.Cols == 0 || ratio == AspectAuto {
		return 0, false
	}
	totalXGap := gap * float64(fit.Cols-1)
	totalYGap := gap * float64(fit.Rows-1)
	slotHeight := (fit.ContainerHeight - totalYGap) / float64(fit.Rows)
	slotWidth := slotHeight * ratio.Value()
	return min(fit.ContainerWidth, slotWidth*float64(fit.Cols)+totalXGap), true
}
