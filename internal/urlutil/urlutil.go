// Package urlutil provides the pure, I/O-free URL and host helpers the
// download engine needs: filename derivation, userinfo-stripped host
// extraction, and path composition. None of these functions touch the
// filesystem or the network.
package urlutil

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// FilenameFromURL returns the last path segment of rawurl, after the
// final "/". If rawurl contains no "/", the whole string is returned.
func FilenameFromURL(rawurl string) string {
	if i := strings.LastIndexByte(rawurl, '/'); i >= 0 {
		return rawurl[i+1:]
	}
	return rawurl
}

// HostFromURL returns the authority component of rawurl with any
// "user:pass@" prefix stripped, e.g. "http://u:p@host:1/x" -> "host:1".
//
// For file:// URLs it returns the literal "disk", treating local-file
// transfers as hostless. It returns an error when rawurl has no "//"
// (so no authority can be located).
func HostFromURL(rawurl string) (string, error) {
	if strings.HasPrefix(rawurl, "file://") {
		return "disk", nil
	}

	idx := strings.Index(rawurl, "//")
	if idx < 0 {
		return "", errors.New("urlutil: no authority in URL: " + rawurl)
	}
	rest := rawurl[idx+2:]

	authority := rest
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		authority = rest[:slash]
	}

	// Strip "user:pass@" by scanning backward for the last '@': anything
	// before it is userinfo, even if the password itself contains '@'
	// (which it cannot per RFC 3986, but a defensive backward scan is
	// cheap and consistent with net/url's own scheme handling).
	if at := strings.LastIndexByte(authority, '@'); at >= 0 {
		authority = authority[at+1:]
	}

	if authority == "" {
		return "", errors.New("urlutil: empty host in URL: " + rawurl)
	}
	return authority, nil
}

// FullPath concatenates dir, name and suffix with no path
// normalization. The caller guarantees dir ends with "/".
func FullPath(dir, name, suffix string) string {
	return dir + name + suffix
}
