/*
Copyright 2024 The Picshelf Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package images decodes, probes, resizes and re-encodes the image
// formats picshelf serves. Decoding honors EXIF orientation; resizing
// always fits inside a bounding box, preserving aspect ratio.
package images // import "picshelf.org/pkg/images"

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/tiff"

	_ "golang.org/x/image/webp"

	"picshelf.org/pkg/magic"
	"picshelf.org/pkg/types"
)

// ErrUnsupported is returned by Decode for formats we can probe but
// not rasterize (SVG), and by Encode for formats we can only decode
// (webp, svg). Callers fall back to serving the original bytes or to
// jpeg output.
var ErrUnsupported = errors.New("images: unsupported image format")

// The FlipDirection type is used by the Flip option in DecodeOpts
// to indicate in which direction to flip an image.
type FlipDirection int

// FlipVertical and FlipHorizontal are two possible FlipDirections
// values to indicate in which direction an image will be flipped.
const (
	FlipVertical FlipDirection = 1 << iota
	FlipHorizontal
)

type DecodeOpts struct {
	// Rotate specifies how to rotate the image.
	// If nil, the image is rotated automatically based on EXIF metadata.
	// If an int, Rotate is the number of degrees to rotate
	// counter clockwise and must be one of 0, 90, -90, 180, or
	// -180.
	Rotate interface{}

	// Flip specifies how to flip the image.
	// If nil, the image is flipped automatically based on EXIF metadata.
	// Otherwise, Flip is a FlipDirection bitfield indicating how to flip.
	Flip interface{}
}

// Config is like the standard library's image.Config as used by DecodeConfig.
type Config struct {
	Width, Height int
	Format        string
	Modified      bool // true if Decode actually rotated or flipped the image.
}

func (c *Config) setBounds(im image.Image) {
	if im != nil {
		c.Width = im.Bounds().Dx()
		c.Height = im.Bounds().Dy()
	}
}

func rotate(im image.Image, angle int) image.Image {
	var rotated *image.NRGBA
	// trigonometric (i.e counter clock-wise)
	switch angle {
	case 90:
		newH, newW := im.Bounds().Dx(), im.Bounds().Dy()
		rotated = image.NewNRGBA(image.Rect(0, 0, newW, newH))
		for y := 0; y < newH; y++ {
			for x := 0; x < newW; x++ {
				rotated.Set(x, y, im.At(newH-1-y, x))
			}
		}
	case -90:
		newH, newW := im.Bounds().Dx(), im.Bounds().Dy()
		rotated = image.NewNRGBA(image.Rect(0, 0, newW, newH))
		for y := 0; y < newH; y++ {
			for x := 0; x < newW; x++ {
				rotated.Set(x, y, im.At(y, newW-1-x))
			}
		}
	case 180, -180:
		newW, newH := im.Bounds().Dx(), im.Bounds().Dy()
		rotated = image.NewNRGBA(image.Rect(0, 0, newW, newH))
		for y := 0; y < newH; y++ {
			for x := 0; x < newW; x++ {
				rotated.Set(x, y, im.At(newW-1-x, newH-1-y))
			}
		}
	default:
		return im
	}
	return rotated
}

// flip returns a flipped version of the image im, according to
// the direction(s) in dir.
// It may flip the input im in place and return it, or it may allocate a
// new NRGBA (if im is an *image.YCbCr).
func flip(im image.Image, dir FlipDirection) image.Image {
	if dir == 0 {
		return im
	}
	ycbcr := false
	var nrgba image.Image
	dx, dy := im.Bounds().Dx(), im.Bounds().Dy()
	di, ok := im.(draw.Image)
	if !ok {
		if _, ok := im.(*image.YCbCr); !ok {
			log.Printf("images: failed to flip image: input does not satisfy draw.Image")
			return im
		}
		// because YCbCr does not implement Set, we replace it with a new NRGBA
		ycbcr = true
		nrgba = image.NewNRGBA(image.Rect(0, 0, dx, dy))
		di, ok = nrgba.(draw.Image)
		if !ok {
			log.Print("images: failed to flip image: could not cast an NRGBA to a draw.Image")
			return im
		}
	}
	if dir&FlipHorizontal != 0 {
		for y := 0; y < dy; y++ {
			for x := 0; x < dx/2; x++ {
				old := im.At(x, y)
				di.Set(x, y, im.At(dx-1-x, y))
				di.Set(dx-1-x, y, old)
			}
		}
	}
	if dir&FlipVertical != 0 {
		for y := 0; y < dy/2; y++ {
			for x := 0; x < dx; x++ {
				old := im.At(x, y)
				di.Set(x, y, im.At(x, dy-1-y))
				di.Set(x, dy-1-y, old)
			}
		}
	}
	if ycbcr {
		return nrgba
	}
	return im
}

func (opts *DecodeOpts) forcedRotate() bool {
	return opts != nil && opts.Rotate != nil
}

func (opts *DecodeOpts) forcedFlip() bool {
	return opts != nil && opts.Flip != nil
}

func (opts *DecodeOpts) useEXIF() bool {
	return !(opts.forcedRotate() || opts.forcedFlip())
}

func imageDebug(msg string) {
	if os.Getenv("PICSHELF_DEBUG_IMAGES") != "" {
		log.Print(msg)
	}
}

// exifOrientation maps an EXIF Orientation tag value to the rotation
// and flip that undo it.
func exifOrientation(orient int) (angle int, flipMode FlipDirection) {
	switch orient {
	case 2:
		flipMode = 2
	case 3:
		angle = 180
	case 4:
		angle = 180
		flipMode = 2
	case 5:
		angle = -90
		flipMode = 2
	case 6:
		angle = -90
	case 7:
		angle = 90
		flipMode = 2
	case 8:
		angle = 90
	}
	return
}

// Decode decodes an image from r using the provided decoding options.
// The Config returned is similar to the one from the image package,
// with the addition of the Modified field which indicates if the
// image was actually flipped or rotated.
// If opts is nil, the defaults are used.
//
// SVG inputs are reported as ErrUnsupported: they probe fine but
// cannot be rasterized here.
func Decode(r io.Reader, opts *DecodeOpts) (image.Image, Config, error) {
	var c Config
	var buf bytes.Buffer
	tr := io.TeeReader(io.LimitReader(r, 8<<20), &buf)

	pk := bufio.NewReader(tr)
	hdr, err := pk.Peek(1024)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, c, err
	}
	if magic.MIMEType(hdr) == "image/svg+xml" {
		return nil, c, ErrUnsupported
	}

	angle := 0
	flipMode := FlipDirection(0)
	if opts.useEXIF() {
		ex, err := exif.Decode(pk)
		if err != nil {
			imageDebug("No valid EXIF; will not rotate or flip.")
			im, format, err := image.Decode(io.MultiReader(&buf, r))
			c.Format = format
			c.setBounds(im)
			return im, c, err
		}
		tag, err := ex.Get(exif.Orientation)
		if err != nil {
			imageDebug(`No "Orientation" tag in EXIF; will not rotate or flip.`)
			im, format, err := image.Decode(io.MultiReader(&buf, r))
			c.Format = format
			c.setBounds(im)
			return im, c, err
		}
		orient, err := tag.Int(0)
		if err != nil {
			orient = 1
		}
		angle, flipMode = exifOrientation(orient)
	} else {
		if opts.forcedRotate() {
			var ok bool
			angle, ok = opts.Rotate.(int)
			if !ok {
				return nil, c, fmt.Errorf("images: Rotate should be an int, not a %T", opts.Rotate)
			}
		}
		if opts.forcedFlip() {
			var ok bool
			flipMode, ok = opts.Flip.(FlipDirection)
			if !ok {
				return nil, c, fmt.Errorf("images: Flip should be a FlipDirection, not a %T", opts.Flip)
			}
		}
	}

	im, format, err := image.Decode(io.MultiReader(&buf, r))
	if err != nil {
		return nil, c, err
	}
	im = flip(rotate(im, angle), flipMode)
	c.Format = format
	c.Modified = angle != 0 || flipMode != 0
	c.setBounds(im)
	return im, c, nil
}

// probeLimit bounds how much of an image Probe will read. Headers for
// every supported raster format fit well inside it; anything that
// doesn't is treated as undecodable.
const probeLimit = 512 << 10

// Probe reads just enough of r to report the image's dimensions and
// format. It never decodes pixel data. SVG dimensions come from the
// root element's width/height attributes, falling back to its viewBox.
func Probe(r io.Reader) (Config, error) {
	var c Config
	pk := bufio.NewReader(io.LimitReader(r, probeLimit))
	hdr, err := pk.Peek(1024)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return c, err
	}
	if magic.MIMEType(hdr) == "image/svg+xml" {
		return probeSVG(pk)
	}
	conf, format, err := image.DecodeConfig(pk)
	if err != nil {
		return c, err
	}
	c.Width = conf.Width
	c.Height = conf.Height
	c.Format = format
	return c, nil
}

// probeSVG pulls width/height off the root <svg> element. Lengths like
// "640px" keep their numeric prefix; percentages and units we can't
// turn into pixels leave the dimension zero.
func probeSVG(r io.Reader) (Config, error) {
	c := Config{Format: "svg"}
	dec := xml.NewDecoder(r)
	dec.Strict = false
	for {
		tok, err := dec.Token()
		if err != nil {
			return c, fmt.Errorf("images: invalid SVG: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if se.Name.Local != "svg" {
			return c, errors.New("images: not an SVG document")
		}
		var viewBox string
		for _, a := range se.Attr {
			switch a.Name.Local {
			case "width":
				c.Width = svgLength(a.Value)
			case "height":
				c.Height = svgLength(a.Value)
			case "viewBox":
				viewBox = a.Value
			}
		}
		if (c.Width == 0 || c.Height == 0) && viewBox != "" {
			if f := strings.Fields(viewBox); len(f) == 4 {
				w, errW := strconv.ParseFloat(f[2], 64)
				h, errH := strconv.ParseFloat(f[3], 64)
				if errW == nil && errH == nil {
					c.Width = int(w)
					c.Height = int(h)
				}
			}
		}
		return c, nil
	}
}

// svgLength parses an SVG length attribute ("640", "640px", "64.5px")
// into whole pixels, returning 0 for anything non-pixel ("100%", "10cm").
func svgLength(s string) int {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "px"))
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0
	}
	return int(f)
}

// FitInside returns the dimensions of w×h scaled to fit inside box,
// preserving aspect ratio. A zero box dimension is unconstrained. With
// withoutEnlargement, images already inside the box keep their size.
func FitInside(w, h int, box types.Box, withoutEnlargement bool) (int, int) {
	if w <= 0 || h <= 0 || box.IsZero() {
		return w, h
	}
	scale := 1e9
	if box.Width > 0 {
		scale = float64(box.Width) / float64(w)
	}
	if box.Height > 0 {
		if s := float64(box.Height) / float64(h); s < scale {
			scale = s
		}
	}
	if withoutEnlargement && scale >= 1 {
		return w, h
	}
	nw := int(float64(w)*scale + 0.5)
	nh := int(float64(h)*scale + 0.5)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}

// Resize scales m to fit inside box using Catmull-Rom interpolation.
// It returns m unchanged when no scaling is needed.
func Resize(m image.Image, box types.Box, withoutEnlargement bool) image.Image {
	b := m.Bounds()
	nw, nh := FitInside(b.Dx(), b.Dy(), box, withoutEnlargement)
	if nw == b.Dx() && nh == b.Dy() {
		return m
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), m, b, xdraw.Src, nil)
	return dst
}

// Encode writes m to w in the given format. quality only applies to
// jpeg. Formats we can only decode (webp) return ErrUnsupported; the
// caller picks a fallback output format before fingerprinting.
func Encode(w io.Writer, m image.Image, format types.Format, quality int) error {
	switch format {
	case types.FormatJPEG:
		if quality < 1 || quality > 100 {
			quality = jpeg.DefaultQuality
		}
		return jpeg.Encode(w, m, &jpeg.Options{Quality: quality})
	case types.FormatPNG:
		return png.Encode(w, m)
	case types.FormatGIF:
		return gif.Encode(w, m, nil)
	case types.FormatBMP:
		return bmp.Encode(w, m)
	case types.FormatTIFF:
		return tiff.Encode(w, m, nil)
	}
	return ErrUnsupported
}
