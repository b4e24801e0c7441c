package imageprep

import (
	"bytes"
	"encoding/binary"
	"strings"
)

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// ExtractPrompts pulls the generation prompt and negative prompt out of the
// image metadata. A1111-style engines record them in a PNG tEXt/iTXt chunk
// keyed "parameters". Missing or unreadable metadata yields empty strings.
func ExtractPrompts(data []byte) (prompt, negative string) {
	text := pngTextChunks(data)
	if params, ok := text["parameters"]; ok {
		return parseParameters(params)
	}
	if p, ok := text["prompt"]; ok {
		return p, text["negative_prompt"]
	}
	if desc, ok := text["Description"]; ok {
		return parseParameters(desc)
	}
	return "", ""
}

// pngTextChunks reads the tEXt and uncompressed iTXt chunks of a PNG stream.
// Returns nil for non-PNG data.
func pngTextChunks(data []byte) map[string]string {
	if !bytes.HasPrefix(data, pngSignature) {
		return nil
	}
	text := map[string]string{}
	rest := data[len(pngSignature):]
	for len(rest) >= 8 {
		length := binary.BigEndian.Uint32(rest[:4])
		kind := string(rest[4:8])
		if uint32(len(rest)) < 12+length {
			break
		}
		payload := rest[8 : 8+length]
		switch kind {
		case "tEXt":
			if idx := bytes.IndexByte(payload, 0); idx >= 0 {
				text[string(payload[:idx])] = string(payload[idx+1:])
			}
		case "iTXt":
			if key, value, ok := parseITXt(payload); ok {
				text[key] = value
			}
		case "IEND":
			return text
		}
		rest = rest[12+length:]
	}
	return text
}

// parseITXt decodes an iTXt payload. Compressed chunks are skipped.
func parseITXt(payload []byte) (string, string, bool) {
	idx := bytes.IndexByte(payload, 0)
	if idx < 0 || len(payload) < idx+3 {
		return "", "", false
	}
	key := string(payload[:idx])
	compressed := payload[idx+1] != 0
	rest := payload[idx+3:]
	// Skip language tag and translated keyword.
	for i := 0; i < 2; i++ {
		j := bytes.IndexByte(rest, 0)
		if j < 0 {
			return "", "", false
		}
		rest = rest[j+1:]
	}
	if compressed {
		return "", "", false
	}
	return key, string(rest), true
}

// parseParameters splits an A1111 parameters string into prompt and negative
// prompt. Format: prompt lines, then "Negative prompt: ...", then a
// "Steps: ..." settings line.
func parseParameters(params string) (string, string) {
	var promptLines, negativeLines []string
	section := "prompt"

	for _, line := range strings.Split(params, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "Negative prompt:"):
			section = "negative"
			rest := strings.TrimSpace(strings.TrimPrefix(trimmed, "Negative prompt:"))
			if rest != "" {
				negativeLines = append(negativeLines, rest)
			}
		case strings.HasPrefix(trimmed, "Steps:"):
			return joined(promptLines), joined(negativeLines)
		case section == "prompt":
			if trimmed != "" {
				promptLines = append(promptLines, trimmed)
			}
		default:
			if trimmed != "" {
				negativeLines = append(negativeLines, trimmed)
			}
		}
	}
	return joined(promptLines), joined(negativeLines)
}

func joined(lines []string) string {
	return strings.TrimSpace(strings.Join(lines, " "))
}
