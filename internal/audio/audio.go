// Package audio validates uploaded files and extracts stream metadata.
package audio

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrEmptyFile         = errors.New("file is empty")
	ErrTooLarge          = errors.New("file exceeds the size limit")
)

// mimeTypes maps the accepted audio extensions to their content types.
var mimeTypes = map[string]string{
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
	".m4a":  "audio/mp4",
	".webm": "audio/webm",
}

// MimeTypeForFile returns the content type for an audio filename, defaulting
// to audio/wav for unknown extensions.
func MimeTypeForFile(name string) string {
	if mime, ok := mimeTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return mime
	}
	return "audio/wav"
}

// SupportedExtensions lists the accepted file extensions, for error messages.
func SupportedExtensions() []string {
	exts := make([]string, 0, len(mimeTypes))
	for ext := range mimeTypes {
		exts = append(exts, ext)
	}
	return exts
}

// ValidateUpload checks a file's name and size before it is accepted.
func ValidateUpload(filename string, size int64, maxBytes int64) error {
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := mimeTypes[ext]; !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if size <= 0 {
		return ErrEmptyFile
	}
	if maxBytes > 0 && size > maxBytes {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, size, maxBytes)
	}
	return nil
}
