package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"strconv"
	"strings"
	"time"

	exif "github.com/dsoprea/go-exif/v3"
	exifcommon "github.com/dsoprea/go-exif/v3/common"
	jpegstructure "github.com/dsoprea/go-jpeg-image-structure"

	"photosearch/internal/models"
)

const exifTimeLayout = "2006:01:02 15:04:05"

// ExtractMetadata reads pixel dimensions and EXIF camera fields. Dimensions
// are reported as displayed, so orientations 5-8 swap width and height. Missing or
// unreadable tags leave the matching field nil. An error is returned only
// when the bytes cannot be decoded as an image at all.
func ExtractMetadata(data []byte) (models.Metadata, error) {
	var meta models.Metadata

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return meta, fmt.Errorf("decode image header: %w", err)
	}
	meta.Width, meta.Height = &cfg.Width, &cfg.Height

	raw := findExif(data)
	if len(raw) == 0 {
		return meta, nil
	}
	entries, _, err := exif.GetFlatExifData(raw, nil)
	if err != nil {
		return meta, nil
	}
	applyExif(&meta, entries)
	return meta, nil
}

func findExif(data []byte) []byte {
	if res, err := jpegstructure.NewJpegMediaParser().ParseBytes(data); err == nil {
		if _, raw, err := res.Exif(); err == nil && len(raw) > 0 {
			return raw
		}
	}
	raw, err := exif.SearchAndExtractExif(data)
	if err != nil && !errors.Is(err, exif.ErrNoExif) {
		return nil
	}
	return raw
}

func applyExif(meta *models.Metadata, entries []exif.ExifTag) {
	tags := make(map[string]exif.ExifTag, len(entries))
	for _, e := range entries {
		if e.TagName == "" {
			continue
		}
		// IFD0 wins over thumbnail IFD1 duplicates
		if _, ok := tags[e.TagName]; !ok {
			tags[e.TagName] = e
		}
	}
	str := func(name string) *string {
		e, ok := tags[name]
		if !ok {
			return nil
		}
		v := strings.TrimSpace(strings.ReplaceAll(e.FormattedFirst, "\x00", ""))
		if v == "" {
			return nil
		}
		return &v
	}

	meta.CameraMake = str("Make")
	meta.CameraModel = str("Model")
	meta.LensModel = str("LensModel")

	for _, name := range []string{"DateTimeOriginal", "DateTimeDigitized", "DateTime"} {
		if v := str(name); v != nil {
			if t, err := time.Parse(exifTimeLayout, *v); err == nil {
				meta.CapturedAt = &t
				break
			}
		}
	}

	for _, name := range []string{"ISOSpeedRatings", "PhotographicSensitivity"} {
		if v := str(name); v != nil {
			if n, err := strconv.Atoi(*v); err == nil && n > 0 {
				meta.ISO = &n
				break
			}
		}
	}

	if e, ok := tags["FNumber"]; ok {
		if f, ok := firstRational(e); ok {
			meta.FNumber = &f
		}
	}
	if e, ok := tags["FocalLength"]; ok {
		if f, ok := firstRational(e); ok {
			meta.FocalLength = &f
		}
	}
	if e, ok := tags["ExposureTime"]; ok {
		if r, ok := e.Value.([]exifcommon.Rational); ok && len(r) > 0 && r[0].Denominator != 0 {
			s := shutterString(r[0])
			meta.Shutter = &s
		}
	}

	if e, ok := tags["Orientation"]; ok {
		if o, ok := e.Value.([]uint16); ok && len(o) > 0 && swapsAxes(o[0]) &&
			meta.Width != nil && meta.Height != nil {
			meta.Width, meta.Height = meta.Height, meta.Width
		}
	}

	lat, latOK := gpsCoordinate(tags, "GPSLatitude", "GPSLatitudeRef", "S")
	lon, lonOK := gpsCoordinate(tags, "GPSLongitude", "GPSLongitudeRef", "W")
	if latOK && lonOK {
		meta.Latitude, meta.Longitude = &lat, &lon
	}
}

// swapsAxes reports whether an EXIF orientation transposes the image.
func swapsAxes(orientation uint16) bool {
	return orientation >= 5 && orientation <= 8
}

func firstRational(e exif.ExifTag) (float64, bool) {
	r, ok := e.Value.([]exifcommon.Rational)
	if !ok || len(r) == 0 || r[0].Denominator == 0 {
		return 0, false
	}
	return float64(r[0].Numerator) / float64(r[0].Denominator), true
}

func shutterString(r exifcommon.Rational) string {
	if r.Numerator == 0 {
		return "0"
	}
	if r.Numerator >= r.Denominator {
		return strconv.FormatFloat(float64(r.Numerator)/float64(r.Denominator), 'f', -1, 64)
	}
	return fmt.Sprintf("1/%d", (r.Denominator+r.Numerator/2)/r.Numerator)
}

// gpsCoordinate converts degrees/minutes/seconds rationals to a signed
// decimal, negated when the ref tag equals negRef.
func gpsCoordinate(tags map[string]exif.ExifTag, valueTag, refTag, negRef string) (float64, bool) {
	e, ok := tags[valueTag]
	if !ok {
		return 0, false
	}
	dms, ok := e.Value.([]exifcommon.Rational)
	if !ok || len(dms) < 3 {
		return 0, false
	}
	parts := make([]float64, 3)
	for i := 0; i < 3; i++ {
		if dms[i].Denominator == 0 {
			return 0, false
		}
		parts[i] = float64(dms[i].Numerator) / float64(dms[i].Denominator)
	}
	v := parts[0] + parts[1]/60 + parts[2]/3600

	if ref, ok := tags[refTag]; ok && strings.EqualFold(strings.TrimSpace(ref.FormattedFirst), negRef) {
		v = -v
	}
	return v, true
}
