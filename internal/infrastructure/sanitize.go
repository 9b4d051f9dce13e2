package infrastructure

import (
	"path/filepath"
	"strings"
)

const (
	maxFilenameBytes = 255
	fallbackFilename = "unnamed"
	illegalFilename  = `<>:"/\|?*`
)

var reservedFilenames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// SanitizeFilename makes name safe to use as a file name on common
// filesystems. The result never exceeds 255 bytes, keeps a trailing
// extension when truncating, and is "unnamed" when nothing usable remains.
func SanitizeFilename(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(illegalFilename, r) {
			return -1
		}
		return r
	}, name)

	cleaned = strings.TrimSpace(cleaned)
	cleaned = strings.TrimRight(cleaned, ". ")

	base := strings.TrimSuffix(cleaned, filepath.Ext(cleaned))
	if reservedFilenames[strings.ToUpper(base)] {
		cleaned = "__" + cleaned
	}

	cleaned = truncateFilename(cleaned, maxFilenameBytes)
	if cleaned == "" {
		return fallbackFilename
	}
	return cleaned
}

func truncateFilename(name string, maxBytes int) string {
	if len(name) <= maxBytes {
		return name
	}
	ext := filepath.Ext(name)
	if len(ext) >= maxBytes {
		ext = ""
	}
	return truncateBytes(strings.TrimSuffix(name, ext), maxBytes-len(ext)) + ext
}

// truncateBytes cuts s to at most maxBytes without splitting a rune
func truncateBytes(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	var b strings.Builder
	b.Grow(maxBytes)
	for _, r := range s {
		size := len(string(r))
		if b.Len()+size > maxBytes {
			break
		}
		b.WriteRune(r)
	}
	return b.String()
}
