package session

import (
	"fmt"
	"regexp"
)

// Names become a directory under sessions/ and part of the socket path. The
// first character is alphanumeric so a name never parses as a flag.
var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// maxSocketPath is the sun_path size on macOS and the BSDs; Linux allows 108.
const maxSocketPath = 104

// ValidateName checks that name can be used as a session directory.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match %s", name, nameRegexp)
	}
	return nil
}

// CheckSocketPath reports a socket path that is too long to bind.
func CheckSocketPath(path string) error {
	if len(path) >= maxSocketPath {
		return fmt.Errorf("socket path %s is %d bytes, the limit is %d; use a shorter HOME or session name",
			path, len(path), maxSocketPath-1)
	}
	return nil
}
