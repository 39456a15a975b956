package ocr

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/png"

	_ "image/gif"
	_ "image/jpeg"

	"github.com/gen2brain/avif"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// strip is one horizontal slice of a page image, re-encoded losslessly
// for the recognizer. globalY is its vertical offset in the full image.
type strip struct {
	png     []byte
	width   int
	height  int
	globalY int
}

// decodeImage decodes page image bytes. AVIF gets a dedicated path;
// everything else goes through the generic sniffed-format decoder.
func decodeImage(data []byte) (image.Image, error) {
	if isAVIF(data) {
		return decodeAVIF(data)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// isAVIF sniffs the ISO-BMFF ftyp box for an AVIF brand.
func isAVIF(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	brand := string(data[8:12])
	return brand == "avif" || brand == "avis"
}

// decodeAVIF decodes AVIF input, reducing any 16-bit channels to 8-bit
// by keeping the high byte.
func decodeAVIF(data []byte) (image.Image, error) {
	img, err := avif.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode avif: %w", err)
	}
	switch deep := img.(type) {
	case *image.RGBA64:
		return truncateTo8Bit(deep, deep.Bounds()), nil
	case *image.NRGBA64:
		return truncateTo8Bit(deep, deep.Bounds()), nil
	default:
		return img, nil
	}
}

func truncateTo8Bit(src image.Image, bounds image.Rectangle) *image.NRGBA {
	out := image.NewNRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, a := src.At(x, y).RGBA()
			i := out.PixOffset(x, y)
			out.Pix[i+0] = uint8(r >> 8)
			out.Pix[i+1] = uint8(g >> 8)
			out.Pix[i+2] = uint8(b >> 8)
			out.Pix[i+3] = uint8(a >> 8)
		}
	}
	return out
}

// tileImage splits img into horizontal strips of at most
// stripHeightLimit pixels, each re-encoded as PNG. The last strip may
// be shorter. Strip order and vertical offsets are preserved.
func tileImage(img image.Image) ([]strip, error) {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	strips := make([]strip, 0, height/stripHeightLimit+1)
	for y := 0; y < height; y += stripHeightLimit {
		stripHeight := min(stripHeightLimit, height-y)

		tile := image.NewRGBA(image.Rect(0, 0, width, stripHeight))
		draw.Draw(tile, tile.Bounds(), img, image.Pt(bounds.Min.X, bounds.Min.Y+y), draw.Src)

		var buf bytes.Buffer
		if err := png.Encode(&buf, tile); err != nil {
			return nil, fmt.Errorf("encode strip at y=%d: %w", y, err)
		}
		strips = append(strips, strip{
			png:     buf.Bytes(),
			width:   width,
			height:  stripHeight,
			globalY: y,
		})
	}
	return strips, nil
}
