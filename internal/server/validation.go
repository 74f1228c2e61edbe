// validation.go - Upload validation and filename sanitisation.
package server

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// allowedMimeTypes are the proof formats: office documents, PDFs, images
// and plain text.
var allowedMimeTypes = map[string]bool{
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         true,
	"application/vnd.ms-powerpoint":                                             true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"text/plain": true,
	"text/csv":   true,

	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
	"image/bmp":  true,
	"image/tiff": true,
	"image/heic": true,

	"application/octet-stream": true,
}

// dangerousExtensions are rejected whatever the declared type.
var dangerousExtensions = map[string]bool{
	".exe": true, ".bat": true, ".cmd": true, ".com": true, ".pif": true,
	".scr": true, ".vbs": true, ".js": true, ".jar": true, ".msi": true,
	".dll": true, ".so": true, ".dylib": true, ".sh": true, ".ps1": true,
	".html": true, ".htm": true, ".svg": true,
}

// extensionTypes pins the types of the allowed extensions so validation
// does not depend on the host's mime tables.
var extensionTypes = map[string]string{
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".txt":  "text/plain",
	".csv":  "text/csv",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".heic": "image/heic",
}

func typeByExtension(ext string) string {
	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	return baseMime(mime.TypeByExtension(ext))
}

func baseMime(ct string) string {
	ct = strings.TrimSpace(strings.ToLower(ct))
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		return mt
	}
	if i := strings.Index(ct, ";"); i > 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}

// ValidateUploadMimeType checks the declared content type and the file
// extension against the allow list and against each other.
func ValidateUploadMimeType(filename, clientContentType string) error {
	ext := strings.ToLower(filepath.Ext(filename))
	if dangerousExtensions[ext] {
		return fmt.Errorf("file type not allowed: %s", ext)
	}
	clientMime := baseMime(clientContentType)
	if ext == "" && clientMime == "" {
		return fmt.Errorf("file must have an extension or content type")
	}
	if clientMime != "" && !allowedMimeTypes[clientMime] {
		return fmt.Errorf("MIME type not allowed: %s", clientMime)
	}

	if ext == "" {
		return nil
	}
	expected := typeByExtension(ext)
	if expected == "" {
		if clientMime == "" || clientMime == "application/octet-stream" {
			return fmt.Errorf("unknown file extension: %s", ext)
		}
		return nil
	}
	if !allowedMimeTypes[expected] {
		return fmt.Errorf("file type not allowed: %s", ext)
	}
	if clientMime != "" && clientMime != expected && clientMime != "application/octet-stream" &&
		!isMimeTypeCompatible(expected, clientMime) {
		return fmt.Errorf("MIME type mismatch: extension suggests %s but got %s", expected, clientMime)
	}
	return nil
}

// isMimeTypeCompatible accepts types sharing the major type, such as two
// image formats.
func isMimeTypeCompatible(expected, actual string) bool {
	expMajor, _, ok1 := strings.Cut(expected, "/")
	actMajor, _, ok2 := strings.Cut(actual, "/")
	return ok1 && ok2 && expMajor == actMajor
}

// contentTypeFor picks the stored content type: the declared one unless it
// is missing or generic, then the one implied by the extension.
func contentTypeFor(filename, declared string) string {
	mt := baseMime(declared)
	if mt != "" && mt != "application/octet-stream" {
		return mt
	}
	if byExt := typeByExtension(strings.ToLower(filepath.Ext(filename))); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}

// SanitizeFilename strips path separators and control bytes and caps the
// length at 255 bytes, keeping the extension.
func SanitizeFilename(filename string) string {
	filename = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\':
			return '_'
		case r < 0x20 || r == 0x7f:
			return -1
		}
		return r
	}, filename)
	filename = strings.Trim(filename, " .")

	if len(filename) > 255 {
		ext := filepath.Ext(filename)
		if len(ext) > 16 {
			ext = ""
		}
		stem := filename[:255-len(ext)]
		for !utf8.ValidString(stem) {
			stem = stem[:len(stem)-1]
		}
		filename = stem + ext
	}
	if filename == "" {
		filename = "unnamed"
	}
	return filename
}
