package media

import (
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/matrix-org/matrix-recorder/internal"
)

// MXCPrefix is the scheme of content URIs. Only URIs with this prefix are ever fetched.
const MXCPrefix = "mxc://"

const fallbackExtension = "bin"

// IsMXC returns true if uri is a content URI we know how to fetch.
func IsMXC(uri string) bool {
	return strings.HasPrefix(uri, MXCPrefix)
}

// RelativePath maps a content URI to its file below the media directory:
// mxc://server/id with image/png becomes server/id.png. The result is the same for
// every call with the same arguments.
func RelativePath(mxcURL, mimeType string) (string, error) {
	if !IsMXC(mxcURL) {
		return "", fmt.Errorf("%w: %q is not a content URI", internal.ErrBadURI, mxcURL)
	}
	segments := strings.Split(strings.TrimPrefix(mxcURL, MXCPrefix), "/")
	if len(segments) != 2 {
		return "", fmt.Errorf("%w: %q must be mxc://<server>/<media id>", internal.ErrBadURI, mxcURL)
	}
	for _, seg := range segments {
		if seg == "" || seg == "." || seg == ".." || strings.ContainsAny(seg, `\`+"\x00") {
			return "", fmt.Errorf("%w: unsafe path segment in %q", internal.ErrBadURI, mxcURL)
		}
	}
	return segments[0] + "/" + segments[1] + "." + Extension(mimeType), nil
}

// Extension returns the preferred file extension, without a dot, for a MIME type.
func Extension(mimeType string) string {
	mimeType = strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))
	if mimeType == "" {
		return fallbackExtension
	}
	mt := mimetype.Lookup(mimeType)
	if mt == nil {
		return fallbackExtension
	}
	ext := strings.TrimPrefix(mt.Extension(), ".")
	if ext == "" {
		return fallbackExtension
	}
	return ext
}
