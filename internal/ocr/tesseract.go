package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"github.com/otiai10/gosseract/v2"
)

// tesseractLanguages maps BCP-47 base codes to the traineddata names
// Tesseract ships with. Vertical variants are chosen for scripts that
// commonly run top to bottom in comics.
var tesseractLanguages = map[string]string{
	"ja": "jpn_vert",
	"zh": "chi_sim_vert",
	"ko": "kor",
	"en": "eng",
}

// LocalEngine recognizes text with a locally installed Tesseract via
// gosseract. A fresh client is created per strip so recognitions stay
// independent of each other.
type LocalEngine struct {
	clientFactory func() *gosseract.Client
}

// NewLocalEngine constructs a Tesseract-backed engine.
func NewLocalEngine() *LocalEngine {
	return &LocalEngine{clientFactory: gosseract.NewClient}
}

// Recognize runs Tesseract over one strip and reports each detected
// text line as its own paragraph, with geometry expressed as fractions
// of the strip dimensions.
func (e *LocalEngine) Recognize(ctx context.Context, imageBytes []byte, languageHint string) ([]Paragraph, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(imageBytes))
	if err != nil {
		return nil, fmt.Errorf("decode strip dimensions: %w", err)
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return nil, fmt.Errorf("strip has zero dimensions")
	}

	c := e.clientFactory()
	defer c.Close()

	if err := c.SetImageFromBytes(imageBytes); err != nil {
		return nil, fmt.Errorf("set image: %w", err)
	}
	if lang, ok := tesseractLanguages[languageHint]; ok {
		if err := c.SetLanguage(lang); err != nil {
			return nil, fmt.Errorf("set language: %w", err)
		}
	}

	boxes, err := c.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return nil, fmt.Errorf("recognize text lines: %w", err)
	}

	stripW := float64(cfg.Width)
	stripH := float64(cfg.Height)
	lines := make([]RawLine, 0, len(boxes))
	for _, b := range boxes {
		w := float64(b.Box.Dx())
		h := float64(b.Box.Dy())
		if w <= 0 || h <= 0 {
			continue
		}
		lines = append(lines, RawLine{
			Text: b.Word,
			Geometry: &Geometry{
				CenterX: (float64(b.Box.Min.X) + w/2) / stripW,
				CenterY: (float64(b.Box.Min.Y) + h/2) / stripH,
				Width:   w / stripW,
				Height:  h / stripH,
			},
		})
	}
	if len(lines) == 0 {
		return nil, nil
	}
	return []Paragraph{{Lines: lines}}, nil
}
