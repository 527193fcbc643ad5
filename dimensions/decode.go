package dimensions

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"

	"github.com/h2non/filetype"
	"github.com/srwiley/oksvg"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// sniffLen covers filetype signatures and a reasonable SVG prolog.
const sniffLen = 1024

var (
	// ErrNotImage is returned when content is not recognized as an image.
	ErrNotImage = errors.New("content is not an image")
	// ErrNoDimensions is returned for images without usable width or height.
	ErrNoDimensions = errors.New("image has no dimensions")
)

// Size is intrinsic image size in pixels.
type Size struct {
	Width  int
	Height int
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// DecodeSize reads only as much of the stream as necessary to learn image
// dimensions. Raster formats are recognized by signature, SVG by its root
// element, in which case viewBox defines the size.
func DecodeSize(r io.Reader) (Size, error) {
	br := bufio.NewReaderSize(r, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) {
		return Size{}, fmt.Errorf("unable to read image header: %w", err)
	}
	if len(head) == 0 {
		return Size{}, fmt.Errorf("%w: empty content", ErrNotImage)
	}

	if isSVG(head) {
		return decodeSVG(br)
	}

	if !filetype.IsImage(head) {
		kind, _ := filetype.Match(head)
		return Size{}, fmt.Errorf("%w: %s", ErrNotImage, kind.MIME.Value)
	}

	cfg, format, err := image.DecodeConfig(br)
	if err != nil {
		return Size{}, fmt.Errorf("unable to decode image config: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Size{}, fmt.Errorf("%w: %s", ErrNoDimensions, format)
	}
	return Size{Width: cfg.Width, Height: cfg.Height}, nil
}

func isSVG(head []byte) bool {
	head = bytes.TrimLeft(head, "\xef\xbb\xbf \t\r\n")
	if !bytes.HasPrefix(head, []byte("<")) {
		return false
	}
	return bytes.Contains(bytes.ToLower(head), []byte("<svg"))
}

func decodeSVG(r io.Reader) (Size, error) {
	icon, err := oksvg.ReadIconStream(r, oksvg.IgnoreErrorMode)
	if err != nil {
		return Size{}, fmt.Errorf("unable to parse svg: %w", err)
	}
	w, h := int(math.Ceil(icon.ViewBox.W)), int(math.Ceil(icon.ViewBox.H))
	if w <= 0 || h <= 0 {
		return Size{}, fmt.Errorf("%w: svg without viewBox", ErrNoDimensions)
	}
	return Size{Width: w, Height: h}, nil
}
