package imageprep

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func encodePNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// withTextChunk splices a tEXt chunk in front of the trailing IEND chunk.
func withTextChunk(t *testing.T, data []byte, key, value string) []byte {
	t.Helper()
	payload := append([]byte(key), 0)
	payload = append(payload, []byte(value)...)

	chunk := make([]byte, 0, len(payload)+12)
	chunk = binary.BigEndian.AppendUint32(chunk, uint32(len(payload)))
	chunk = append(chunk, []byte("tEXt")...)
	chunk = append(chunk, payload...)
	crc := crc32.ChecksumIEEE(chunk[4:])
	chunk = binary.BigEndian.AppendUint32(chunk, crc)

	iend := len(data) - 12
	out := append([]byte{}, data[:iend]...)
	out = append(out, chunk...)
	out = append(out, data[iend:]...)
	return out
}

func TestPrepareFromBytes(t *testing.T) {
	data := encodePNG(t, 100, 80)
	p := NewPreparer()

	prepared, err := p.Prepare(Source{Data: data})
	if err != nil {
		t.Fatalf("Prepare error: %v", err)
	}
	if prepared.Width != 100 || prepared.Height != 80 {
		t.Fatalf("dimensions mismatch: %dx%d", prepared.Width, prepared.Height)
	}
	decoded, err := base64.StdEncoding.DecodeString(prepared.EncodedImage)
	if err != nil {
		t.Fatalf("encoded image not base64: %v", err)
	}
	if !bytes.Equal(decoded, data) {
		t.Fatalf("encoded payload does not round-trip")
	}
}

func TestPrepareFromFileWithParameters(t *testing.T) {
	params := "a misty castle, high detail\nNegative prompt: blurry, low quality\nSteps: 25, Sampler: Euler a"
	data := withTextChunk(t, encodePNG(t, 96, 96), "parameters", params)

	dir := t.TempDir()
	path := filepath.Join(dir, "input.png")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	prepared, err := NewPreparer().Prepare(Source{Path: path})
	if err != nil {
		t.Fatalf("Prepare error: %v", err)
	}
	if prepared.Prompt != "a misty castle, high detail" {
		t.Fatalf("prompt mismatch: %q", prepared.Prompt)
	}
	if prepared.NegativePrompt != "blurry, low quality" {
		t.Fatalf("negative prompt mismatch: %q", prepared.NegativePrompt)
	}
}

func TestPrepareRejectsCorruptData(t *testing.T) {
	if _, err := NewPreparer().Prepare(Source{Data: []byte("not an image")}); err == nil {
		t.Fatalf("expected error for corrupt data")
	}
}

func TestPrepareRejectsTinyImage(t *testing.T) {
	if _, err := NewPreparer().Prepare(Source{Data: encodePNG(t, 10, 10)}); err == nil {
		t.Fatalf("expected error for undersized image")
	}
}

func TestPrepareRejectsUnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "input.tga")
	if err := os.WriteFile(path, encodePNG(t, 96, 96), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := NewPreparer().Prepare(Source{Path: path}); err == nil {
		t.Fatalf("expected error for unsupported extension")
	}
}

func TestExtractPromptsNoMetadata(t *testing.T) {
	prompt, negative := ExtractPrompts(encodePNG(t, 64, 64))
	if prompt != "" || negative != "" {
		t.Fatalf("expected empty prompts, got %q / %q", prompt, negative)
	}
}

func TestScanDir(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.png", "a.jpg", "notes.txt", "c.webp"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.png"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	paths, err := ScanDir(dir)
	if err != nil {
		t.Fatalf("ScanDir error: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 images, got %d: %v", len(paths), paths)
	}
	if filepath.Base(paths[0]) != "a.jpg" || filepath.Base(paths[1]) != "b.png" {
		t.Fatalf("unexpected order: %v", paths)
	}
}
