package nn

import (
	"github.com/chewxy/math32"
)

// Box3D is a 7 parameter 3D box: center x, y, z, size dx, dy, dz, and heading (radians around Z).
// The exact conventions belong to the model. We only rely on the count and the order.
type Box3D [BoxParams]float32

func MakeBox3D(cx, cy, cz, dx, dy, dz, heading float32) Box3D {
	return Box3D{cx, cy, cz, dx, dy, dz, heading}
}

func (b Box3D) Center() (x, y, z float32) {
	return b[0], b[1], b[2]
}

func (b Box3D) Size() (dx, dy, dz float32) {
	return b[3], b[4], b[5]
}

func (b Box3D) Heading() float32 {
	return b[6]
}

// FoldHeading maps an angle into (-Pi/2, Pi/2]. A box looks the same after a half turn,
// so every heading has exactly one equivalent in that range.
func FoldHeading(h float32) float32 {
	h = math32.Mod(h, math32.Pi)
	if h > math32.Pi/2 {
		h -= math32.Pi
	} else if h <= -math32.Pi/2 {
		h += math32.Pi
	}
	return h
}

// HeadingAxis returns the unit vector in the XY plane that points along heading h
func HeadingAxis(h float32) (ax, ay float32) {
	s, c := math32.Sincos(h)
	return c, s
}
