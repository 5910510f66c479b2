// Package imageutil turns images from any supported source into the fixed
// 224x224x3 float tensors the classifier consumes.
package imageutil

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// ImageSize is the spatial resolution fed to the backbone.
const ImageSize = 224

// Channels is the number of colour channels in a normalized tensor.
const Channels = 3

var (
	// ErrDecode reports bytes that are not a decodable image.
	ErrDecode = errors.New("imageutil: invalid image data")
	// ErrUnsupportedMode reports an image that cannot be converted to RGB.
	ErrUnsupportedMode = errors.New("imageutil: unsupported colour mode")
)

// Source yields a decoded image.
type Source interface {
	Decode() (image.Image, string, error)
}

type pathSource string

// Path reads the image from a file.
func Path(p string) Source { return pathSource(p) }

func (p pathSource) Decode() (image.Image, string, error) {
	data, err := os.ReadFile(string(p))
	if err != nil {
		return nil, "", fmt.Errorf("imageutil: read %s: %w", string(p), err)
	}
	return decodeBytes(data)
}

type bytesSource []byte

// Bytes decodes an in-memory encoded image (JPEG, PNG, GIF, BMP, WebP).
func Bytes(b []byte) Source { return bytesSource(b) }

func (b bytesSource) Decode() (image.Image, string, error) {
	return decodeBytes(b)
}

type base64Source string

// Base64 decodes a base64 string, optionally prefixed with a data-URL header
// such as "data:image/png;base64,".
func Base64(s string) Source { return base64Source(s) }

func (s base64Source) Decode() (image.Image, string, error) {
	data, err := DecodeBase64(string(s))
	if err != nil {
		return nil, "", err
	}
	return decodeBytes(data)
}

type imageSource struct{ img image.Image }

// FromImage wraps an already decoded image.
func FromImage(img image.Image) Source { return imageSource{img: img} }

func (s imageSource) Decode() (image.Image, string, error) {
	if s.img == nil {
		return nil, "", fmt.Errorf("%w: nil image", ErrDecode)
	}
	return s.img, "image", nil
}

// DecodeBase64 strips an optional data-URL header and returns the raw bytes.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		var rawErr error
		data, rawErr = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
		if rawErr != nil {
			return nil, fmt.Errorf("%w: base64: %v", ErrDecode, err)
		}
	}
	return data, nil
}

// EncodeBase64 encodes img as a JPEG data URL.
func EncodeBase64(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return "", fmt.Errorf("imageutil: encode jpeg: %w", err)
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func decodeBytes(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty buffer", ErrDecode)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, format, nil
}

// Normalize decodes src and produces a [1,224,224,3] tensor with values in
// [0,1]. Non-square images are stretched, not cropped or padded.
func Normalize(src Source) (*Tensor, error) {
	img, _, err := src.Decode()
	if err != nil {
		return nil, err
	}
	return NormalizeImage(img)
}

// NormalizeImage is Normalize for an already decoded image.
func NormalizeImage(img image.Image) (*Tensor, error) {
	rgb, err := ToRGB(img)
	if err != nil {
		return nil, err
	}

	var resized image.Image = rgb
	b := rgb.Bounds()
	if b.Dx() != ImageSize || b.Dy() != ImageSize {
		resized = resize.Resize(ImageSize, ImageSize, rgb, resize.Bicubic)
	}

	t := NewTensor(1, ImageSize, ImageSize, Channels)
	rb := resized.Bounds()
	for y := 0; y < ImageSize; y++ {
		for x := 0; x < ImageSize; x++ {
			r, g, bl, _ := resized.At(rb.Min.X+x, rb.Min.Y+y).RGBA()
			i := (y*ImageSize + x) * Channels
			t.Data[i] = float32(r>>8) / 255.0
			t.Data[i+1] = float32(g>>8) / 255.0
			t.Data[i+2] = float32(bl>>8) / 255.0
		}
	}
	return t, nil
}

// ToRGB converts any colour model to an opaque NRGBA image anchored at the
// origin. Alpha is discarded rather than composited.
func ToRGB(img image.Image) (*image.NRGBA, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", ErrUnsupportedMode)
	}
	if b := img.Bounds(); b.Empty() {
		return nil, fmt.Errorf("%w: empty bounds %v", ErrUnsupportedMode, b)
	}
	if p, ok := img.(*image.Paletted); ok {
		if len(p.Palette) == 0 {
			return nil, fmt.Errorf("%w: paletted image without palette", ErrUnsupportedMode)
		}
		for _, idx := range p.Pix {
			if int(idx) >= len(p.Palette) {
				return nil, fmt.Errorf("%w: palette index %d out of range", ErrUnsupportedMode, idx)
			}
		}
	}
	if img.ColorModel() == nil {
		return nil, fmt.Errorf("%w: no colour model", ErrUnsupportedMode)
	}

	out := imaging.Clone(img)
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = 0xff
	}
	return out, nil
}
