// Package imageprep turns a source image into the encoded payload and prompt
// metadata the processing engine expects.
package imageprep

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
)

const (
	maxFileSize = 50 * 1024 * 1024
	minDim      = 64
	maxDim      = 4096
)

// SupportedExtensions lists the image file extensions the preparer accepts.
var SupportedExtensions = []string{".png", ".jpg", ".jpeg", ".gif"}

// Source is a source image, either a file reference or an in-memory payload.
// Exactly one of the two fields is set.
type Source struct {
	Path string
	Data []byte
}

// IsZero reports whether neither a path nor a payload is present.
func (s Source) IsZero() bool {
	return s.Path == "" && len(s.Data) == 0
}

// Prepared is the result of preparing a source image for the engine.
type Prepared struct {
	EncodedImage   string
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
}

// Preparer converts source images into engine payloads.
type Preparer struct{}

// NewPreparer returns a ready Preparer.
func NewPreparer() *Preparer {
	return &Preparer{}
}

// Prepare validates and encodes a source image and extracts any embedded
// generation prompts. Invalid or corrupt input yields an error.
func (p *Preparer) Prepare(src Source) (Prepared, error) {
	data := src.Data
	if src.Path != "" {
		if !SupportedExtension(src.Path) {
			return Prepared{}, fmt.Errorf("imageprep: unsupported image format: %s", src.Path)
		}
		raw, err := os.ReadFile(src.Path)
		if err != nil {
			return Prepared{}, fmt.Errorf("imageprep: read %s: %w", src.Path, err)
		}
		data = raw
	}
	if len(data) == 0 {
		return Prepared{}, errors.New("imageprep: no image data")
	}
	if len(data) > maxFileSize {
		return Prepared{}, fmt.Errorf("imageprep: image exceeds %d bytes", maxFileSize)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Prepared{}, fmt.Errorf("imageprep: decode image: %w", err)
	}
	if cfg.Width < minDim || cfg.Height < minDim {
		return Prepared{}, fmt.Errorf("imageprep: image %dx%d below minimum %dx%d", cfg.Width, cfg.Height, minDim, minDim)
	}
	if cfg.Width > maxDim || cfg.Height > maxDim {
		return Prepared{}, fmt.Errorf("imageprep: image %dx%d above maximum %dx%d", cfg.Width, cfg.Height, maxDim, maxDim)
	}

	prompt, negative := ExtractPrompts(data)

	return Prepared{
		EncodedImage:   base64.StdEncoding.EncodeToString(data),
		Prompt:         prompt,
		NegativePrompt: negative,
		Width:          cfg.Width,
		Height:         cfg.Height,
	}, nil
}

// SupportedExtension reports whether the file name carries a supported image
// extension.
func SupportedExtension(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, s := range SupportedExtensions {
		if ext == s {
			return true
		}
	}
	return false
}

// ScanDir lists the supported image files directly inside dir, sorted by name.
func ScanDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("imageprep: scan %s: %w", dir, err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if SupportedExtension(entry.Name()) {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	return paths, nil
}
