package ledger

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/matrix-org/matrix-recorder/media"
)

// Where in the content an attachment was found.
const (
	// content.file
	ShapeFile = "file"
	// content.info.thumbnail_file
	ShapeThumbnailFile = "thumbnail_file"
	// content.url with content.info.mimetype
	ShapeURL = "url"
	// content.info.thumbnail_url with content.info.thumbnail_info.mimetype
	ShapeThumbnailURL = "thumbnail_url"
)

type Attachment struct {
	Shape string
	Ref   media.FileRef
}

// Attachments returns the media referenced by event content, encrypted before unencrypted and
// main content before thumbnails. Each shape is checked independently so one event may yield
// up to four attachments. Only mxc:// URIs are returned.
func Attachments(content gjson.Result) []Attachment {
	var out []Attachment
	info := content.Get("info")

	if file := content.Get("file"); media.IsMXC(file.Get("url").Str) {
		out = append(out, fileAttachment(ShapeFile, file, info.Get("mimetype").Str))
	}
	if file := info.Get("thumbnail_file"); media.IsMXC(file.Get("url").Str) {
		out = append(out, fileAttachment(ShapeThumbnailFile, file, info.Get("thumbnail_info.mimetype").Str))
	}

	// unencrypted media is only fetched when its type is known
	url := content.Get("url").Str
	mimeType := info.Get("mimetype").Str
	if media.IsMXC(url) && mimeType != "" {
		out = append(out, Attachment{
			Shape: ShapeURL,
			Ref:   media.FileRef{URL: url, MimeType: mimeType},
		})
	}
	thumbURL := info.Get("thumbnail_url").Str
	thumbMimeType := info.Get("thumbnail_info.mimetype").Str
	if media.IsMXC(thumbURL) && thumbMimeType != "" {
		out = append(out, Attachment{
			Shape: ShapeThumbnailURL,
			Ref:   media.FileRef{URL: thumbURL, MimeType: thumbMimeType},
		})
	}
	return out
}

// fileAttachment reads an encrypted file object. The object's own mimetype wins over the one
// in info. Without a key the file is fetched as is.
func fileAttachment(shape string, file gjson.Result, infoMimeType string) Attachment {
	ref := media.FileRef{
		URL:      file.Get("url").Str,
		MimeType: file.Get("mimetype").Str,
	}
	if ref.MimeType == "" {
		ref.MimeType = infoMimeType
	}
	if file.Get("key").Exists() {
		var desc media.EncryptedFile
		if err := json.Unmarshal([]byte(file.Raw), &desc); err != nil {
			logger.Warn().Err(err).Str("url", ref.URL).Msg("malformed encrypted file")
			// an empty descriptor never verifies
			desc = media.EncryptedFile{URL: ref.URL}
		}
		ref.Encrypted = &desc
	}
	return Attachment{Shape: shape, Ref: ref}
}
