package app

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/bbrks/go-blurhash"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	// placeholderSize bounds the thumbnail the BlurHash is computed from.
	placeholderSize = 64
	// maxPagePixels caps the decoded size of one page; 300 dpi A2 fits with room to spare.
	maxPagePixels = 64 << 20
)

type pageImage struct {
	Width       int
	Height      int
	Format      string
	Placeholder string
}

// inspectPageImage reads the dimensions of a rendered page and computes its placeholder.
func inspectPageImage(data []byte) (pageImage, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return pageImage{}, fmt.Errorf("decode image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return pageImage{}, fmt.Errorf("image has no area: %dx%d", cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxPagePixels {
		return pageImage{}, fmt.Errorf("image of %dx%d exceeds the %d pixel limit", cfg.Width, cfg.Height, maxPagePixels)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return pageImage{}, fmt.Errorf("decode image: %w", err)
	}
	hash, err := blurhash.Encode(4, 3, thumbnail(img))
	if err != nil {
		return pageImage{}, fmt.Errorf("encode blurhash: %w", err)
	}
	return pageImage{Width: cfg.Width, Height: cfg.Height, Format: format, Placeholder: hash}, nil
}

func thumbnail(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= placeholderSize && h <= placeholderSize {
		return img
	}
	dw, dh := placeholderSize, placeholderSize
	if w > h {
		dh = max(1, h*placeholderSize/w)
	} else {
		dw = max(1, w*placeholderSize/h)
	}
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
