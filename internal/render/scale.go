package render

import (
	"fmt"

	"github.com/oyerindedaniel/glide-sub000/internal/message"
)

const (
	defaultMaxDimension    = 4096
	defaultMinQualityScale = 0.5

	// hiDPIFloorFactor raises the quality floor on DPR >= 2 displays, where
	// a soft page is far more visible.
	hiDPIFloorFactor = 1.5
)

// OptimalScale computes the render scale for a page:
// max(dpr-adjusted scale, container fit scale), clamped so the longest edge
// stays under MaxDimension, then floored at the minimum quality scale.
// The floor wins over the clamp.
func OptimalScale(pageW, pageH float64, cfg message.RenderConfig, disp message.DisplayInfo) float64 {
	if pageW <= 0 || pageH <= 0 {
		return 1
	}

	base := cfg.Scale
	if base <= 0 {
		base = 1
	}
	dpr := cfg.DPR
	if dpr <= 0 {
		dpr = 1
	}

	scale := base * dpr

	if disp.ContainerWidth > 0 && disp.ContainerHeight > 0 {
		fitW := float64(disp.ContainerWidth) / pageW
		fitH := float64(disp.ContainerHeight) / pageH
		fit := fitW
		if fitH < fit {
			fit = fitH
		}
		fit *= dpr
		if fit > scale {
			scale = fit
		}
	}

	maxDim := cfg.MaxDimension
	if maxDim <= 0 {
		maxDim = defaultMaxDimension
	}
	longest := pageW
	if pageH > longest {
		longest = pageH
	}
	if bound := float64(maxDim) / longest; scale > bound {
		scale = bound
	}

	floor := cfg.MinQualityScale
	if floor <= 0 {
		floor = defaultMinQualityScale
	}
	if dpr >= 2 {
		floor *= hiDPIFloorFactor
	}
	if scale < floor {
		scale = floor
	}

	return scale
}

// scaleCache memoizes computed scales per (page size, config, display) key.
// Bounded; the oldest key is evicted first.
type scaleCache struct {
	capacity int
	values   map[string]float64
	order    []string
}

func newScaleCache(capacity int) *scaleCache {
	return &scaleCache{
		capacity: capacity,
		values:   make(map[string]float64, capacity),
	}
}

func (c *scaleCache) get(pageW, pageH float64, cfg message.RenderConfig, disp message.DisplayInfo, compute func() float64) float64 {
	key := scaleKey(pageW, pageH, cfg, disp)
	if v, ok := c.values[key]; ok {
		return v
	}
	v := compute()
	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.values, oldest)
	}
	c.values[key] = v
	c.order = append(c.order, key)
	return v
}

func (c *scaleCache) len() int {
	return len(c.values)
}

func scaleKey(pageW, pageH float64, cfg message.RenderConfig, disp message.DisplayInfo) string {
	return fmt.Sprintf("%.2fx%.2f|%g|%g|%d|%g|%dx%d",
		pageW, pageH, cfg.Scale, cfg.DPR, cfg.MaxDimension, cfg.MinQualityScale,
		disp.ContainerWidth, disp.ContainerHeight)
}
