//go:build windows

package watchcore

import (
	"strings"
	"unicode/utf16"
)

const (
	// longPathThreshold is the path length, in UTF-16 code units, beyond
	// which the extended-length prefix is applied.
	longPathThreshold = 240

	extendedPrefix    = `\\?\`
	extendedUNCPrefix = `\\?\UNC\`
)

// utf16Len returns the length of path in UTF-16 code units, which is the
// unit Windows path-length limits are expressed in.
func utf16Len(path string) int {
	return len(utf16.Encode([]rune(path)))
}

// isDriveAbsolute reports whether path has the form "C:\..." (a drive
// letter followed by a colon and a separator).
func isDriveAbsolute(path string) bool {
	if len(path) < 3 {
		return false
	}
	c := path[0]
	isLetter := ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
	return isLetter && path[1] == ':' && (path[2] == '\\' || path[2] == '/')
}

// isUNC reports whether path has the form "\\server\share\...".
func isUNC(path string) bool {
	return len(path) >= 2 && (path[0] == '\\' || path[0] == '/') && (path[1] == '\\' || path[1] == '/')
}

// canonicalizeNative applies the Windows extended-length prefix rewrite:
// paths longer than longPathThreshold units are rewritten with "\\?\"
// (drive-letter paths) or "\\?\UNC\" (UNC paths); paths that are already
// extended-length, or that are neither drive-letter nor UNC absolute paths,
// are left unchanged.
func canonicalizeNative(path string) (string, error) {
	return longPathRewrite(path), nil
}

func longPathRewrite(path string) string {
	if strings.HasPrefix(path, extendedPrefix) {
		return path
	}
	if utf16Len(path) <= longPathThreshold {
		return path
	}
	switch {
	case isUNC(path):
		// Strip the leading "\\" before appending to the UNC prefix so
		// the result is "\\?\UNC\server\share\...", not
		// "\\?\UNC\\server\share\...".
		return extendedUNCPrefix + path[2:]
	case isDriveAbsolute(path):
		return extendedPrefix + path
	default:
		return path
	}
}

// stripLongPathPrefix reverses canonicalizeNative's rewrite for paths
// reported back to the host, so that a caller who registered "C:\foo"
// never sees "\\?\C:\foo" in a delivered event.
func stripLongPathPrefix(path string) string {
	if strings.HasPrefix(path, extendedUNCPrefix) {
		return `\\` + path[len(extendedUNCPrefix):]
	}
	if strings.HasPrefix(path, extendedPrefix) {
		return path[len(extendedPrefix):]
	}
	return path
}
