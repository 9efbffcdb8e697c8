//go:build windows

package watchcore

import (
	"strings"
	"testing"
)

func TestLongPathRewrite(t *testing.T) {
	shortDrivePath := `C:\short\path`
	if got := longPathRewrite(shortDrivePath); got != shortDrivePath {
		t.Errorf("expected short drive path unchanged, got %q", got)
	}

	longComponent := strings.Repeat("a", 250)
	longDrivePath := `C:\` + longComponent
	rewritten := longPathRewrite(longDrivePath)
	if !strings.HasPrefix(rewritten, extendedPrefix) {
		t.Errorf("expected long drive path to receive extended prefix, got %q", rewritten)
	}
	if stripped := stripLongPathPrefix(rewritten); stripped != longDrivePath {
		t.Errorf("expected round-trip to recover %q, got %q", longDrivePath, stripped)
	}

	longUNCPath := `\\server\share\` + longComponent
	rewrittenUNC := longPathRewrite(longUNCPath)
	if !strings.HasPrefix(rewrittenUNC, extendedUNCPrefix) {
		t.Errorf("expected long UNC path to receive extended UNC prefix, got %q", rewrittenUNC)
	}
	if stripped := stripLongPathPrefix(rewrittenUNC); stripped != longUNCPath {
		t.Errorf("expected UNC round-trip to recover %q, got %q", longUNCPath, stripped)
	}

	alreadyExtended := extendedPrefix + longComponent
	if got := longPathRewrite(alreadyExtended); got != alreadyExtended {
		t.Errorf("expected already-extended path to pass through unchanged, got %q", got)
	}
}
