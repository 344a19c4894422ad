package main

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
	_ "golang.org/x/image/webp"
)

const (
	thumbnailSize     = 480
	profilePictureDim = 256
	thumbnailPrefix   = "thumbs/"
	maxSVGDim         = 2048
)

var ErrNotAnImage = errors.New("images: file is not an image")

// imageExtensions lists the sniffed types accepted for upload and the
// extension a stored file of that type gets.
var imageExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/bmp":  ".bmp",
}

// storedName prefixes the original file name with the upload time. A short
// random token keeps names unique when several files arrive in the same millisecond.
func storedName(original string, now time.Time) string {
	base := filepath.Base(strings.ReplaceAll(original, `\`, "/"))

	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if clean == "" || clean == "." || clean == ".." || clean == "/" {
		clean = "photo"
	}

	return fmt.Sprintf("%d-%s-%s", now.UnixMilli(), uuid.NewString()[:8], clean)
}

func thumbnailName(name string) string {
	return thumbnailPrefix + strings.TrimSuffix(name, filepath.Ext(name)) + ".jpg"
}

// detectImage sniffs the content type and rejects anything that is not a raster image.
func detectImage(data []byte) (string, error) {
	contentType := http.DetectContentType(data)
	if _, ok := imageExtensions[contentType]; !ok {
		return "", ErrNotAnImage
	}

	return contentType, nil
}

// prepareUpload returns the bytes, content type and original name to store.
// The name's extension always follows the sniffed type. SVG documents are
// rasterized to PNG so that no markup is ever served back.
func prepareUpload(filename string, data []byte) ([]byte, string, string, error) {
	if contentType, err := detectImage(data); err == nil {
		return data, contentType, withExt(filename, imageExtensions[contentType]), nil
	}

	if !isSVG(data) {
		return nil, "", "", ErrNotAnImage
	}

	out, err := rasterizeSVG(data)
	if err != nil {
		return nil, "", "", fmt.Errorf("%w: %v", ErrNotAnImage, err)
	}

	return out, "image/png", withExt(filename, ".png"), nil
}

func withExt(filename, ext string) string {
	return strings.TrimSuffix(filename, filepath.Ext(filename)) + ext
}

func isSVG(data []byte) bool {
	head := data[:min(len(data), 4096)]
	return bytes.Contains(bytes.ToLower(head), []byte("<svg"))
}

// rasterizeSVG renders the document at its viewBox size, scaled down to fit maxSVGDim.
func rasterizeSVG(data []byte) ([]byte, error) {
	icon, err := oksvg.ReadIconStream(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("images: parse svg: %w", err)
	}

	w, h := icon.ViewBox.W, icon.ViewBox.H
	if w <= 0 || h <= 0 {
		return nil, errors.New("images: svg has no usable viewBox")
	}
	if scale := maxSVGDim / math.Max(w, h); scale < 1 {
		w, h = w*scale, h*scale
	}

	width, height := int(math.Ceil(w)), int(math.Ceil(h))
	icon.SetTarget(0, 0, float64(width), float64(height))

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := range dst.Pix {
		dst.Pix[i] = 0xff
	}

	scanner := rasterx.NewScannerGV(width, height, dst, dst.Bounds())
	icon.Draw(rasterx.NewDasher(width, height, scanner), 1.0)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("images: encode svg: %w", err)
	}

	return buf.Bytes(), nil
}

func makeThumbnail(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("images: decode: %w", err)
	}

	thumb := imaging.Fit(img, thumbnailSize, thumbnailSize, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("images: encode thumbnail: %w", err)
	}

	return buf.Bytes(), nil
}

// makeProfilePicture crops the image to a centered square.
func makeProfilePicture(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAnImage, err)
	}

	square := imaging.Fill(img, profilePictureDim, profilePictureDim, imaging.Center, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, square, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, fmt.Errorf("images: encode profile picture: %w", err)
	}

	return buf.Bytes(), nil
}
