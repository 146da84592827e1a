package internal

import (
	"fmt"
	"regexp"
	"strings"
)

var httpHomeserverRegexp = regexp.MustCompile(`^https?://[a-z0-9A-Z.-]+(:[0-9]+)?(/.*)?$`)

// HomeServerUrl is either an http(s) base URL or the path to a unix socket.
type HomeServerUrl struct {
	HttpOrUnixStr string
}

// ParseHomeServerUrl validates user input and strips any trailing slash so request paths
// can be appended directly.
func ParseHomeServerUrl(input string) (HomeServerUrl, error) {
	input = strings.TrimSpace(input)
	if strings.HasPrefix(input, "/") {
		return HomeServerUrl{input}, nil
	}
	if !httpHomeserverRegexp.MatchString(input) {
		return HomeServerUrl{}, fmt.Errorf("homeserver %q must be a full http(s) URL or a unix socket path", input)
	}
	return HomeServerUrl{strings.TrimRight(input, "/")}, nil
}

func (u HomeServerUrl) IsUnixSocket() bool {
	return strings.HasPrefix(u.HttpOrUnixStr, "/")
}

func (u HomeServerUrl) GetUnixSocket() string {
	if u.IsUnixSocket() {
		return u.HttpOrUnixStr
	}
	return ""
}

func (u HomeServerUrl) GetBaseUrl() string {
	if u.IsUnixSocket() {
		return "http://unix"
	}
	return u.HttpOrUnixStr
}
