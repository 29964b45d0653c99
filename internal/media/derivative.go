package media

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"photosearch/internal/models"
)

const (
	ThumbnailMax = 512
	PreviewMax   = 2048
	JPEGQuality  = 80
)

type Derivative struct {
	Type   models.AssetType
	Data   []byte
	Width  int
	Height int
}

// MakeDerivatives decodes the original once (honouring EXIF orientation)
// and renders the thumbnail and preview. Both keep aspect ratio and never
// upscale.
func MakeDerivatives(data []byte) (thumb, preview Derivative, err error) {
	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return thumb, preview, fmt.Errorf("decode original: %w", err)
	}

	preview, err = render(src, models.AssetPreview, PreviewMax)
	if err != nil {
		return thumb, preview, err
	}
	thumb, err = render(src, models.AssetThumbnail, ThumbnailMax)
	return thumb, preview, err
}

func render(src image.Image, typ models.AssetType, bound int) (Derivative, error) {
	img := imaging.Fit(src, bound, bound, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(JPEGQuality)); err != nil {
		return Derivative{}, fmt.Errorf("encode %s: %w", typ, err)
	}
	b := img.Bounds()
	return Derivative{Type: typ, Data: buf.Bytes(), Width: b.Dx(), Height: b.Dy()}, nil
}
