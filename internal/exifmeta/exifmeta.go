// Package exifmeta extracts camera metadata and embedded PNG text from image
// bytes into a flat, JSON-ready map.
package exifmeta

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// aliases adds friendlier names for fields whose EXIF name is unwieldy.
var aliases = map[exif.FieldName]string{
	exif.ISOSpeedRatings: "ISO",
}

// skipped fields carry opaque binary blobs or pointers into the TIFF
// structure and are useless once flattened.
var skipped = map[exif.FieldName]bool{
	exif.MakerNote:                        true,
	exif.ExifIFDPointer:                   true,
	exif.GPSInfoIFDPointer:                true,
	exif.InteroperabilityIFDPointer:       true,
	exif.ThumbJPEGInterchangeFormat:       true,
	exif.ThumbJPEGInterchangeFormatLength: true,
}

// Extract returns the EXIF fields found in data, plus the text chunks of a
// PNG. Images without either, or with metadata that cannot be parsed, yield
// an empty map.
func Extract(data []byte) map[string]any {
	out := map[string]any{}

	if x, err := exif.Decode(bytes.NewReader(data)); err != nil {
		slog.Debug("no exif data", "error", err)
	} else {
		w := &collector{fields: out}
		if err := x.Walk(w); err != nil {
			slog.Debug("walking exif fields", "error", err)
		}
		if t, err := x.DateTime(); err == nil {
			out[string(exif.DateTimeOriginal)] = t.UTC().Format(time.RFC3339)
		}
		if lat, long, err := x.LatLong(); err == nil && !math.IsNaN(lat) && !math.IsNaN(long) {
			out["latitude"] = lat
			out["longitude"] = long
		}
	}

	for k, v := range pngText(data) {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}

	if len(out) == 0 {
		return out
	}
	if _, ok := out["ImageWidth"]; !ok {
		if cfg, format, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			out["ImageWidth"] = cfg.Width
			out["ImageHeight"] = cfg.Height
			out["FileType"] = format
		}
	}
	return out
}

type collector struct {
	fields map[string]any
}

func (c *collector) Walk(name exif.FieldName, tag *tiff.Tag) error {
	if skipped[name] {
		return nil
	}
	v, ok := tagValue(tag)
	if !ok {
		return nil
	}
	key := string(name)
	if alias, ok := aliases[name]; ok {
		key = alias
	}
	c.fields[key] = v
	return nil
}

// tagValue converts a tag into a scalar for single-valued tags and a slice
// otherwise. Undefined and unreadable tags are dropped.
func tagValue(tag *tiff.Tag) (any, bool) {
	n := int(tag.Count)
	if n == 0 {
		return nil, false
	}

	switch tag.Format() {
	case tiff.StringVal:
		s, err := tag.StringVal()
		if err != nil {
			return nil, false
		}
		s = strings.TrimSpace(strings.TrimRight(s, "\x00"))
		if s == "" {
			return nil, false
		}
		return s, true
	case tiff.IntVal:
		vals := make([]int64, 0, n)
		for i := 0; i < n; i++ {
			v, err := tag.Int64(i)
			if err != nil {
				return nil, false
			}
			vals = append(vals, v)
		}
		if n == 1 {
			return vals[0], true
		}
		return vals, true
	case tiff.RatVal:
		vals := make([]float64, 0, n)
		for i := 0; i < n; i++ {
			num, den, err := tag.Rat2(i)
			if err != nil || den == 0 {
				return nil, false
			}
			vals = append(vals, float64(num)/float64(den))
		}
		if n == 1 {
			return vals[0], true
		}
		return vals, true
	case tiff.FloatVal:
		vals := make([]float64, 0, n)
		for i := 0; i < n; i++ {
			v, err := tag.Float(i)
			if err != nil {
				return nil, false
			}
			vals = append(vals, v)
		}
		if n == 1 {
			return vals[0], true
		}
		return vals, true
	default:
		return nil, false
	}
}
