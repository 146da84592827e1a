package ledger

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestAttachments(t *testing.T) {
	testCases := []struct {
		name      string
		content   string
		wantShape []string
		wantURL   []string
		wantMime  []string
		wantEnc   []bool
	}{
		{
			name:    "plain text",
			content: `{"msgtype":"m.text","body":"hi"}`,
		},
		{
			name:      "unencrypted image with thumbnail",
			content:   `{"msgtype":"m.image","url":"mxc://hs/img","info":{"mimetype":"image/png","thumbnail_url":"mxc://hs/thumb","thumbnail_info":{"mimetype":"image/jpeg"}}}`,
			wantShape: []string{ShapeURL, ShapeThumbnailURL},
			wantURL:   []string{"mxc://hs/img", "mxc://hs/thumb"},
			wantMime:  []string{"image/png", "image/jpeg"},
			wantEnc:   []bool{false, false},
		},
		{
			name: "encrypted image with encrypted thumbnail",
			content: `{"msgtype":"m.image","file":{"url":"mxc://hs/img","key":{"k":"abc"},"iv":"iv","hashes":{"sha256":"h"},"v":"v2"},
				"info":{"mimetype":"image/png","thumbnail_file":{"url":"mxc://hs/thumb","key":{"k":"def"},"iv":"iv2","hashes":{"sha256":"h2"}},"thumbnail_info":{"mimetype":"image/jpeg"}}}`,
			wantShape: []string{ShapeFile, ShapeThumbnailFile},
			wantURL:   []string{"mxc://hs/img", "mxc://hs/thumb"},
			wantMime:  []string{"image/png", "image/jpeg"},
			wantEnc:   []bool{true, true},
		},
		{
			name:      "file mimetype wins over info",
			content:   `{"file":{"url":"mxc://hs/f","mimetype":"application/pdf","key":{"k":"abc"},"iv":"iv","hashes":{"sha256":"h"}},"info":{"mimetype":"image/png"}}`,
			wantShape: []string{ShapeFile},
			wantURL:   []string{"mxc://hs/f"},
			wantMime:  []string{"application/pdf"},
			wantEnc:   []bool{true},
		},
		{
			name:      "all four shapes",
			content:   `{"file":{"url":"mxc://hs/a","key":{"k":"k"}},"url":"mxc://hs/b","info":{"mimetype":"video/mp4","thumbnail_file":{"url":"mxc://hs/c","key":{"k":"k"}},"thumbnail_url":"mxc://hs/d","thumbnail_info":{"mimetype":"image/png"}}}`,
			wantShape: []string{ShapeFile, ShapeThumbnailFile, ShapeURL, ShapeThumbnailURL},
			wantURL:   []string{"mxc://hs/a", "mxc://hs/c", "mxc://hs/b", "mxc://hs/d"},
			wantMime:  []string{"video/mp4", "image/png", "video/mp4", "image/png"},
			wantEnc:   []bool{true, true, false, false},
		},
		{
			name:    "url without mimetype is ignored",
			content: `{"url":"mxc://hs/img","info":{}}`,
		},
		{
			name:    "url without info is ignored",
			content: `{"url":"mxc://hs/img"}`,
		},
		{
			name:    "non-mxc URIs are ignored",
			content: `{"url":"https://evil.example/img","info":{"mimetype":"image/png","thumbnail_url":"http://x/y","thumbnail_info":{"mimetype":"image/png"}},"file":{"url":"file:///etc/passwd","key":{"k":"k"}}}`,
		},
	}
	for _, tc := range testCases {
		got := Attachments(gjson.Parse(tc.content))
		if len(got) != len(tc.wantShape) {
			t.Errorf("%s: got %d attachments want %d: %+v", tc.name, len(got), len(tc.wantShape), got)
			continue
		}
		for i, a := range got {
			if a.Shape != tc.wantShape[i] || a.Ref.URL != tc.wantURL[i] || a.Ref.MimeType != tc.wantMime[i] || (a.Ref.Encrypted != nil) != tc.wantEnc[i] {
				t.Errorf("%s: attachment %d got %s %+v", tc.name, i, a.Shape, a.Ref)
			}
		}
	}
}

func TestAttachmentsParsesDescriptor(t *testing.T) {
	got := Attachments(gjson.Parse(`{"file":{"url":"mxc://hs/a","key":{"kty":"oct","alg":"A256CTR","k":"KEY","ext":true},"iv":"IV","hashes":{"sha256":"HASH"},"v":"v2"}}`))
	if len(got) != 1 || got[0].Ref.Encrypted == nil {
		t.Fatalf("got %+v", got)
	}
	desc := got[0].Ref.Encrypted
	if desc.Key.K != "KEY" || desc.IV != "IV" || desc.Hashes.SHA256 != "HASH" || desc.URL != "mxc://hs/a" {
		t.Fatalf("descriptor parsed as %+v", desc)
	}
}

func TestAttachmentsMalformedDescriptor(t *testing.T) {
	got := Attachments(gjson.Parse(`{"file":{"url":"mxc://hs/a","key":{"k":42},"hashes":"nope"}}`))
	if len(got) != 1 || got[0].Ref.Encrypted == nil {
		t.Fatalf("got %+v", got)
	}
	if got[0].Ref.Encrypted.Hashes.SHA256 != "" {
		t.Fatalf("malformed descriptor kept a hash: %+v", got[0].Ref.Encrypted)
	}
}
