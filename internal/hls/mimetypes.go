package hls

import (
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"example.com/hlsserve/internal/config"
)

// defaultMimeTypes covers the streaming formats a player fetches. It is consulted
// before mime.TypeByExtension because host mime tables disagree on some of these
// (.ts is often registered as a Qt translation file).
var defaultMimeTypes = map[string]string{
	".m3u8": "application/vnd.apple.mpegurl",
	".m3u":  "audio/mpegurl",
	".ts":   "video/mp2t",
	".m4s":  "video/iso.segment",
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".ac3":  "audio/ac3",
	".ec3":  "audio/eac3",
	".mp3":  "audio/mpeg",
	".vtt":  "text/vtt; charset=utf-8",
	".key":  "application/octet-stream",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".json": "application/json; charset=utf-8",
	".mpd":  "application/dash+xml",
}

const defaultOctetStreamMimeType = "application/octet-stream"

// MimeTypeResolver encapsulates the logic for determining MIME types.
type MimeTypeResolver struct {
	customMimeTypes map[string]string
}

// NewMimeTypeResolver merges the inline map with the JSON file named by
// MimeTypesPath; the file wins. cfg is not modified.
func NewMimeTypeResolver(cfg *config.HLSConfig) (*MimeTypeResolver, error) {
	resolver := &MimeTypeResolver{customMimeTypes: make(map[string]string)}
	if cfg == nil {
		return resolver, nil
	}

	for ext, mimeType := range cfg.MimeTypesMap {
		resolver.customMimeTypes[strings.ToLower(ext)] = mimeType
	}

	if cfg.MimeTypesPath != nil && *cfg.MimeTypesPath != "" {
		fromFile, err := LoadCustomMimeTypesFromFile(*cfg.MimeTypesPath)
		if err != nil {
			return nil, &config.ConfigError{
				FilePath: *cfg.MimeTypesPath,
				Message:  "failed to load custom MIME types",
				Err:      err,
			}
		}
		for ext, mimeType := range fromFile {
			resolver.customMimeTypes[ext] = mimeType
		}
	}

	return resolver, nil
}

// GetMimeType returns the Content-Type for filePath: custom mappings first, then the
// built-in streaming table, then mime.TypeByExtension, then application/octet-stream.
func (r *MimeTypeResolver) GetMimeType(filePath string) string {
	ext := strings.ToLower(filepath.Ext(filePath))
	if ext == "" {
		return defaultOctetStreamMimeType
	}
	if mimeType, ok := r.customMimeTypes[ext]; ok {
		return mimeType
	}
	if mimeType, ok := defaultMimeTypes[ext]; ok {
		return mimeType
	}
	if mimeType := mime.TypeByExtension(ext); mimeType != "" {
		return mimeType
	}
	return defaultOctetStreamMimeType
}

// LoadCustomMimeTypesFromFile reads a JSON object of extension to MIME type.
// Extensions must start with '.', types must be non-empty; keys are lowercased.
func LoadCustomMimeTypesFromFile(filePath string) (map[string]string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read MIME types file %q: %w", filePath, err)
	}

	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse JSON from MIME types file %q: %w", filePath, err)
	}

	out := make(map[string]string, len(parsed))
	for ext, mimeType := range parsed {
		if !strings.HasPrefix(ext, ".") {
			return nil, fmt.Errorf("invalid extension %q in MIME types file %q: must start with a '.'", ext, filePath)
		}
		if mimeType == "" {
			return nil, fmt.Errorf("empty MIME type for extension %q in MIME types file %q", ext, filePath)
		}
		out[strings.ToLower(ext)] = mimeType
	}
	return out, nil
}

func isPlaylist(filePath string) bool {
	ext := strings.ToLower(filepath.Ext(filePath))
	return ext == ".m3u8" || ext == ".m3u"
}
