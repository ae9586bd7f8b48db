package layout

import (
	"fmt"
	"strings"
	"sync"
)

type AspectRatio string

const (
	AspectAuto     AspectRatio = "AUTO"
	AspectVideo    AspectRatio = "VIDEO"
	AspectSquare   AspectRatio = "SQUARE"
	AspectPortrait AspectRatio = "PORTRAIT"
)

// Value is the numeric ratio used for best-fit. AUTO has no intrinsic ratio,
// 5/4 is a heuristic that works for most screens.
func (a AspectRatio) Value() float64 {
	switch a {
	case AspectAuto:
		return 5.0 / 4
	case AspectVideo:
		return 16.0 / 9
	case AspectSquare:
		return 1
	case AspectPortrait:
		return 3.0 / 4
	}
	return 0
}

func ParseAspectRatio(s string) (AspectRatio, error) {
	a := AspectRatio(strings.ToUpper(s))
	if a.Value() == 0 {
		return "", fmt.Errorf("unknown aspect ratio %q", s)
	}
	return a, nil
}

type FillMode string

const (
	FillContain FillMode = "CONTAIN"
	FillCover   FillMode = "COVER"
	FillFill    FillMode = "FILL"
)

func ParseFillMode(s string) (FillMode, error) {
	switch f := FillMode(strings.ToUpper(s)); f {
	case FillContain, FillCover, FillFill:
		return f, nil
	}
	return "", fmt.Errorf("unknown fill mode %q", s)
}

type Config struct {
	MaxCols            int
	GridGap            float64
	AspectRatio        AspectRatio
	FillMode           FillMode
	MaxBestFitAttempts int
	MaxItemAspectRatio float64
}

func DefaultConfig() Config {
	return Config{
		MaxCols:            6,
		GridGap:            12,
		AspectRatio:        AspectVideo,
		FillMode:           FillCover,
		MaxBestFitAttempts: 4,
		MaxItemAspectRatio: 3,
	}
}

// RenderedAspectRatio keeps the intrinsic ratio of screens.
func (c Config) RenderedAspectRatio(isScreen bool) AspectRatio {
	if isScreen {
		return AspectAuto
	}
	return c.AspectRatio
}

// RenderedFillMode keeps screens fully visible.
func (c Config) RenderedFillMode(isScreen bool) FillMode {
	if isScreen {
		return FillContain
	}
	return c.FillMode
}

const maxCachedFits = 1024

type fitKey struct {
	count    int
	width    float64
	height   float64
	isScreen bool
	overflow bool
}

// Solver memoizes best-fit results; it is safe for concurrent use.
type Solver struct {
	cfg Config

	mu    sync.Mutex
	cache map[fitKey]Fit
}

func NewSolver(cfg Config) *Solver {
	return &Solver{cfg: cfg, cache: make(map[fitKey]Fit)}
}

func (s *Solver) Config() Config { return s.cfg }

func (s *Solver) BestFit(count int, width, height float64, isScreen bool) Fit {
	return s.memo(fitKey{count, width, height, isScreen, false}, func() Fit {
		return s.bestFit(count, width, height, isScreen)
	})
}

func (s *Solver) BestFitWithOverflow(count int, width, height float64, isScreen bool) Fit {
	return s.memo(fitKey{count, width, height, isScreen, true}, func() Fit {
		return ClampCols(s.BestFit(count, width, height, isScreen), s.cfg.MaxCols)
	})
}

func (s *Solver) bestFit(count int, width, height float64, isScreen bool) Fit {
	ratio := s.cfg.RenderedAspectRatio(isScreen)
	in := Input{Count: count, AspectRatio: ratio.Value(), ContainerWidth: width, ContainerHeight: height}
	if ratio == AspectAuto && s.cfg.RenderedFillMode(isScreen) != FillContain {
		return RecursiveBestFit(in, s.cfg.MaxBestFitAttempts, s.cfg.MaxItemAspectRatio)
	}
	return BestFit(in)
}

func (s *Solver) memo(key fitKey, compute func() Fit) Fit {
	s.mu.Lock()
	if fit, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return fit
	}
	s.mu.Unlock()

	fit := compute()

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cache) >= maxCachedFits {
		clear(s.cache)
	}
	s.cache[key] = fit
	return fit
}
