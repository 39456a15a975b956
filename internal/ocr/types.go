// Package ocr owns the recognition data model and the per-page
// pipeline that turns a page image into whole-image-normalized text
// lines: fetch, tile into strips, recognize each strip through an
// Engine, merge adjacent fragments, and remap geometry.
package ocr

import "context"

// Orientation values carried on recognized lines.
const (
	OrientationVertical   = "vertical"
	OrientationHorizontal = "horizontal"
)

// BoundingBox is an axis-aligned rectangle. Inside the pipeline the
// fields are strip-pixel coordinates; once a line leaves the pipeline
// they are fractions of the full image in [0,1]. Rotation is only used
// transiently and is cleared after axis-aligned reduction.
type BoundingBox struct {
	X        float64  `json:"x"`
	Y        float64  `json:"y"`
	Width    float64  `json:"width"`
	Height   float64  `json:"height"`
	Rotation *float64 `json:"rotation,omitempty"`
}

// Line is one recognized text line. Immutable once stored in the cache.
type Line struct {
	Text              string      `json:"text"`
	TightBoundingBox  BoundingBox `json:"tightBoundingBox"`
	IsMerged          *bool       `json:"isMerged,omitempty"`
	ForcedOrientation string      `json:"forcedOrientation,omitempty"`
}

// Geometry describes a recognized line's possibly rotated rectangle, as
// fractions of the strip it was recognized on. RotationZ is radians.
type Geometry struct {
	CenterX   float64
	CenterY   float64
	Width     float64
	Height    float64
	RotationZ float64
}

// RawLine is a line as reported by an Engine, before post-processing.
// Lines without geometry are dropped by the pipeline.
type RawLine struct {
	Text     string
	Geometry *Geometry
}

// Paragraph groups engine lines; the grouping is informational only.
type Paragraph struct {
	Lines []RawLine
}

// Engine is the external recognizer contract: encoded image bytes in,
// paragraphs of lines with strip-fraction geometry out.
type Engine interface {
	Recognize(ctx context.Context, imageBytes []byte, languageHint string) ([]Paragraph, error)
}

// Credentials are passed through to the page server as HTTP basic
// auth. An empty Username means unauthenticated.
type Credentials struct {
	Username string
	Password string
}

// MergeConfig parameterizes the external line merger.
type MergeConfig struct {
	AddSpaceOnMerge *bool
	Language        Language
}

// MergeFunc combines adjacent line fragments into merged lines. It
// receives lines in strip-pixel coordinates together with the strip
// dimensions and must return a reduced list with combined bounding
// boxes and IsMerged set where applicable, preserving reading order.
type MergeFunc func(lines []Line, stripWidth, stripHeight int, cfg MergeConfig) []Line

// PassthroughMerge is the default MergeFunc: it merges nothing and
// returns its input unchanged.
func PassthroughMerge(lines []Line, _, _ int, _ MergeConfig) []Line {
	return lines
}

func boolPtr(v bool) *bool { return &v }
