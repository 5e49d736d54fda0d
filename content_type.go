package storekit

import (
	"mime"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultContentType is reported when nothing better is known.
const DefaultContentType = "application/octet-stream"

var extensionToMIME = map[string]string{
	".txt":     "text/plain; charset=utf-8",
	".html":    "text/html; charset=utf-8",
	".htm":     "text/html; charset=utf-8",
	".css":     "text/css; charset=utf-8",
	".js":      "text/javascript; charset=utf-8",
	".json":    "application/json",
	".xml":     "application/xml",
	".csv":     "text/csv",
	".md":      "text/markdown",
	".yaml":    "application/yaml",
	".yml":     "application/yaml",
	".toml":    "application/toml",
	".jpg":     "image/jpeg",
	".jpeg":    "image/jpeg",
	".png":     "image/png",
	".gif":     "image/gif",
	".svg":     "image/svg+xml",
	".webp":    "image/webp",
	".pdf":     "application/pdf",
	".zip":     "application/zip",
	".gz":      "application/gzip",
	".tar":     "application/x-tar",
	".parquet": "application/vnd.apache.parquet",
	".wasm":    "application/wasm",
}

// GuessContentType determines the content type of an object from its path
// and, when the extension is unknown, from the first bytes of its data.
func GuessContentType(p string, head []byte) string {
	ext := strings.ToLower(path.Ext(p))
	if ct, ok := extensionToMIME[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ext != "" && ct != "" {
		return ct
	}
	if len(head) > 0 {
		return mimetype.Detect(head).String()
	}
	return DefaultContentType
}

// SniffLimit is how much of a body drivers buffer for GuessContentType.
const SniffLimit = 3072

// ExtensionForContentType returns a file extension for a content type, or
// ".bin" when none is known.
func ExtensionForContentType(contentType string) string {
	if idx := strings.Index(contentType, ";"); idx != -1 {
		contentType = contentType[:idx]
	}
	contentType = strings.TrimSpace(contentType)
	if m := mimetype.Lookup(contentType); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
