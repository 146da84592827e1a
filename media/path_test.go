package media

import (
	"errors"
	"testing"

	"github.com/matrix-org/matrix-recorder/internal"
)

func TestRelativePath(t *testing.T) {
	testCases := []struct {
		mxc      string
		mimeType string
		want     string
	}{
		{mxc: "mxc://localhost/abc", mimeType: "image/png", want: "localhost/abc.png"},
		{mxc: "mxc://localhost/abc", mimeType: "image/jpeg", want: "localhost/abc.jpg"},
		{mxc: "mxc://example.org/AbCdEf", mimeType: "IMAGE/PNG", want: "example.org/AbCdEf.png"},
		{mxc: "mxc://localhost/abc", mimeType: "text/plain; charset=utf-8", want: "localhost/abc.txt"},
		{mxc: "mxc://localhost/abc", mimeType: "", want: "localhost/abc.bin"},
		{mxc: "mxc://localhost/abc", mimeType: "application/x-definitely-not-real", want: "localhost/abc.bin"},
		{mxc: "mxc://localhost:8448/abc", mimeType: "image/png", want: "localhost:8448/abc.png"},
	}
	for _, tc := range testCases {
		got, err := RelativePath(tc.mxc, tc.mimeType)
		if err != nil {
			t.Fatalf("RelativePath(%q, %q): %s", tc.mxc, tc.mimeType, err)
		}
		if got != tc.want {
			t.Errorf("RelativePath(%q, %q) got %q want %q", tc.mxc, tc.mimeType, got, tc.want)
		}
		again, _ := RelativePath(tc.mxc, tc.mimeType)
		if again != got {
			t.Errorf("RelativePath(%q, %q) not deterministic: %q then %q", tc.mxc, tc.mimeType, got, again)
		}
	}
}

func TestRelativePathRejectsUnsafeURIs(t *testing.T) {
	bad := []string{
		"",
		"https://localhost/abc",
		"mxc://localhost",
		"mxc://localhost/",
		"mxc:///abc",
		"mxc://localhost/abc/def",
		"mxc://../abc",
		"mxc://localhost/..",
		"mxc://localhost/.",
		`mxc://localhost/a\b`,
		"mxc://localhost/a\x00b",
	}
	for _, uri := range bad {
		_, err := RelativePath(uri, "image/png")
		if !errors.Is(err, internal.ErrBadURI) {
			t.Errorf("RelativePath(%q) got err %v want ErrBadURI", uri, err)
		}
	}
}

func TestIsMXC(t *testing.T) {
	if !IsMXC("mxc://localhost/abc") {
		t.Errorf("IsMXC returned false for a content URI")
	}
	for _, uri := range []string{"http://localhost/abc", "MXC://localhost/abc", "", "mxc:/localhost"} {
		if IsMXC(uri) {
			t.Errorf("IsMXC(%q) returned true", uri)
		}
	}
}
