package ocr

import "math"

// Orientation classification thresholds, in radians.
const (
	rotationNoise    = 0.1
	verticalBand     = 0.5
	stripHeightLimit = 3000
)

// reduceToAABB converts a strip-fraction geometry into an axis-aligned
// bounding box in strip-pixel coordinates: the four corners of the
// rotated rectangle are rotated about its center and the min/max of the
// results taken.
func reduceToAABB(g Geometry, stripWidth, stripHeight int) BoundingBox {
	cx := g.CenterX * float64(stripWidth)
	cy := g.CenterY * float64(stripHeight)
	hw := g.Width * float64(stripWidth) / 2
	hh := g.Height * float64(stripHeight) / 2

	sin, cos := math.Sincos(g.RotationZ)

	corners := [4][2]float64{{-hw, -hh}, {hw, -hh}, {hw, hh}, {-hw, hh}}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, c := range corners {
		rx := c[0]*cos - c[1]*sin + cx
		ry := c[0]*sin + c[1]*cos + cy
		minX = math.Min(minX, rx)
		maxX = math.Max(maxX, rx)
		minY = math.Min(minY, ry)
		maxY = math.Max(maxY, ry)
	}

	return BoundingBox{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}

// classifyOrientation decides the forced orientation for a line. For
// vertical-preferring languages a clear rotation near ±90° wins;
// otherwise the axis-aligned aspect ratio decides. Other languages are
// always horizontal.
func classifyOrientation(lang Language, rotation float64, box BoundingBox) string {
	if !lang.PrefersVertical() {
		return OrientationHorizontal
	}
	if math.Abs(rotation) > rotationNoise {
		if math.Abs(math.Abs(rotation)-math.Pi/2) < verticalBand {
			return OrientationVertical
		}
		return OrientationHorizontal
	}
	if box.Width <= box.Height {
		return OrientationVertical
	}
	return OrientationHorizontal
}

// normalizeToImage remaps a strip-pixel box to whole-image fractions,
// shifting by the strip's vertical offset within the full image.
func normalizeToImage(box BoundingBox, globalY, fullWidth, fullHeight int) BoundingBox {
	return BoundingBox{
		X:      box.X / float64(fullWidth),
		Y:      (box.Y + float64(globalY)) / float64(fullHeight),
		Width:  box.Width / float64(fullWidth),
		Height: box.Height / float64(fullHeight),
	}
}
