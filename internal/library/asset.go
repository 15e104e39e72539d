package library

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// Origin distinguishes the original upload from its edited or live siblings.
type Origin int

const (
	OriginOriginal Origin = iota
	OriginEdit
	OriginLive
)

func (o Origin) String() string {
	switch o {
	case OriginEdit:
		return "edit"
	case OriginLive:
		return "live"
	}
	return "original"
}

// Asset is one remote media file, original or edited.
type Asset struct {
	RecordName        string
	FileChecksum      string // base64, as reported by the remote
	Size              int64
	Modified          int64  // unix milliseconds
	FileType          string // Apple UTI, e.g. "public.jpeg"
	WrappingKey       string
	ReferenceChecksum string
	DownloadURL       string
	Origin            Origin
	Favorite          bool
}

// extByType is the closed mapping from remote file types to local
// extensions. Unknown types are rejected rather than guessed.
var extByType = map[string]string{
	"public.jpeg":               "jpg",
	"public.jpeg-2000":          "jp2",
	"public.png":                "png",
	"public.heic":               "heic",
	"public.heif":               "heif",
	"public.tiff":               "tiff",
	"com.compuserve.gif":        "gif",
	"org.webmproject.webp":      "webp",
	"com.adobe.raw-image":       "dng",
	"com.sony.arw-raw-image":    "arw",
	"com.canon.cr2-raw-image":   "cr2",
	"com.apple.quicktime-movie": "mov",
	"com.apple.m4v-video":       "m4v",
	"public.mpeg-4":             "mp4",
	"public.mpeg":               "mpg",
	"public.avi":                "avi",
	"public.3gpp":               "3gp",
}

// Extension returns the local file extension for the asset's remote type.
func (a *Asset) Extension() (string, error) {
	ext, ok := extByType[a.FileType]
	if !ok {
		return "", fmt.Errorf("unknown file type %q", a.FileType)
	}
	return ext, nil
}

// Filename is the content-addressed name inside the asset directory:
// url-safe base64 of the checksum plus the extension. Stable across runs for
// a given remote asset.
func (a *Asset) Filename() (string, error) {
	ext, err := a.Extension()
	if err != nil {
		return "", err
	}
	return checksumToName(a.FileChecksum) + "." + ext, nil
}

// checksumToName converts the remote's standard base64 checksum into its
// url-safe unpadded form, which is filesystem-safe on every target.
func checksumToName(checksum string) string {
	raw, err := base64.StdEncoding.DecodeString(checksum)
	if err != nil {
		// Not valid standard base64; normalize character-wise instead.
		r := strings.NewReplacer("+", "-", "/", "_", "=", "")
		return r.Replace(checksum)
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// LinkName is the user-facing name of the asset's symlink inside an album:
// the remote base name plus origin suffixes and the local extension.
func (a *Asset) LinkName(base string) (string, error) {
	ext, err := a.Extension()
	if err != nil {
		return "", err
	}
	name := base
	switch a.Origin {
	case OriginEdit:
		name += "-edited"
	case OriginLive:
		name += "-live"
	}
	return name + "." + ext, nil
}

// ModifiedTime converts the remote unix-millisecond timestamp.
func (a *Asset) ModifiedTime() time.Time {
	return time.UnixMilli(a.Modified)
}

// LocalAsset is what the filesystem tells us about a stored asset: the
// projection loaded at the start of each sync.
type LocalAsset struct {
	Filename string
	Size     int64
	Modified time.Time
}
