package spatial

// rect is an axis-aligned bounding box. Points are rects with min == max.
type rect struct {
	min, max []float64
}

func pointRect(p []float64) rect {
	return rect{min: p, max: p}
}

func (r rect) clone() rect {
	return rect{
		min: append([]float64(nil), r.min...),
		max: append([]float64(nil), r.max...),
	}
}

// union returns the smallest rect containing r and o.
func (r rect) union(o rect) rect {
	u := r.clone()
	u.extend(o)
	return u
}

// extend grows r in place to contain o. r must not be shared.
func (r rect) extend(o rect) {
	for i := range r.min {
		r.min[i] = min(r.min[i], o.min[i])
		r.max[i] = max(r.max[i], o.max[i])
	}
}

func (r rect) volume() float64 {
	v := 1.0
	for i := range r.min {
		v *= r.max[i] - r.min[i]
	}
	return v
}

// margin is the sum of edge lengths. It separates rects whose volume is
// zero because they are flat in some dimension.
func (r rect) margin() float64 {
	var m float64
	for i := range r.min {
		m += r.max[i] - r.min[i]
	}
	return m
}

func (r rect) contains(p []float64) bool {
	for i := range p {
		if p[i] < r.min[i] || p[i] > r.max[i] {
			return false
		}
	}
	return true
}

// minDist2 is the squared distance from p to the nearest point of r.
func (r rect) minDist2(p []float64) float64 {
	var sum float64
	for i := range p {
		var d float64
		switch {
		case p[i] < r.min[i]:
			d = r.min[i] - p[i]
		case p[i] > r.max[i]:
			d = p[i] - r.max[i]
		}
		sum += d * d
	}
	return sum
}

// cost orders candidate rects by volume, then by margin.
type cost struct {
	volume, margin float64
}

func costOf(r rect) cost {
	return cost{volume: r.volume(), margin: r.margin()}
}

func (c cost) sub(o cost) cost {
	return cost{volume: c.volume - o.volume, margin: c.margin - o.margin}
}

func (c cost) less(o cost) bool {
	if c.volume != o.volume {
		return c.volume < o.volume
	}
	return c.margin < o.margin
}
