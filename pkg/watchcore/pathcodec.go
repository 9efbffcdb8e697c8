package watchcore

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// canonicalize converts a host-supplied path into the server's canonical
// root representation: an absolute, symlink-resolved, platform-cleaned
// path. Registering a relative path fails with ErrNotAbsolute;
// platform-specific long-path rewriting is applied by canonicalizeNative,
// implemented per-OS.
func canonicalize(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", errors.Wrapf(ErrNotAbsolute, "%q", path)
	}

	// Resolve symbolic links so that native event paths -- which the OS
	// reports against the fully resolved target -- share a prefix with the
	// stored root. Events are therefore reported under the resolved root,
	// not under the caller-supplied path when that path contains a symbolic
	// link. This also has the side effect of enforcing that the root exists.
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", errors.Wrap(err, "unable to resolve symbolic links")
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", errors.Wrap(err, "unable to query path metadata")
	}
	if !info.IsDir() {
		return "", errors.Wrapf(ErrNotDirectory, "%q", path)
	}

	return canonicalizeNative(filepath.Clean(resolved))
}

// rebasePath reconstructs an absolute event path from a watch point's
// canonical root and a native-reported relative component (or the empty
// string for an event on the root itself).
func rebasePath(root, relative string) string {
	if relative == "" {
		return root
	}
	return filepath.Join(root, relative)
}
