package captcha

import (
	"bytes"
	"image"
	"image/draw"
	"image/gif"
	"image/jpeg"
	_ "image/png"
)

const jpegQuality = 90

// Flatten reduces a possibly animated challenge to one opaque JPEG frame. Animated GIFs are
// composited up to their last frame, which is the one the portal expects to be read.
func Flatten(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, &RecognizerError{Kind: ErrBadImage, Msg: "empty image"}
	}
	var img image.Image
	if bytes.HasPrefix(raw, []byte("GIF8")) {
		g, err := gif.DecodeAll(bytes.NewReader(raw))
		if err != nil {
			return nil, &RecognizerError{Kind: ErrBadImage, Err: err}
		}
		img = lastFrame(g)
	} else {
		var err error
		img, _, err = image.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, &RecognizerError{Kind: ErrBadImage, Err: err}
		}
	}

	// JPEG has no alpha; paint onto white so transparent pixels do not turn black.
	b := img.Bounds()
	canvas := image.NewRGBA(b)
	draw.Draw(canvas, b, image.White, image.Point{}, draw.Src)
	draw.Draw(canvas, b, img, b.Min, draw.Over)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, &RecognizerError{Kind: ErrBadImage, Err: err}
	}
	return buf.Bytes(), nil
}

func lastFrame(g *gif.GIF) image.Image {
	if len(g.Image) == 1 {
		return g.Image[0]
	}
	bounds := image.Rect(0, 0, g.Config.Width, g.Config.Height)
	if bounds.Empty() {
		bounds = g.Image[0].Bounds()
	}
	canvas := image.NewRGBA(bounds)
	for i, frame := range g.Image {
		var restore *image.RGBA
		disposal := byte(0)
		if i < len(g.Disposal) {
			disposal = g.Disposal[i]
		}
		if disposal == gif.DisposalPrevious && i < len(g.Image)-1 {
			restore = image.NewRGBA(bounds)
			draw.Draw(restore, bounds, canvas, bounds.Min, draw.Src)
		}
		draw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Over)
		if i == len(g.Image)-1 {
			break
		}
		switch disposal {
		case gif.DisposalBackground:
			draw.Draw(canvas, frame.Bounds(), image.Transparent, image.Point{}, draw.Src)
		case gif.DisposalPrevious:
			canvas = restore
		}
	}
	return canvas
}
