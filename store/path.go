package store

import (
	"fmt"
	"path/filepath"
	"strings"
)

// PathEscapeError is returned by SanitizePath when the caller-supplied path
// would resolve outside base. SPEC_FULL.md §7 classifies this as the one
// error type that is fatal to a single operation and, when it originates
// from the bridge's own state rather than a filemeta entry, a bug worth
// logging loudly.
type PathEscapeError struct {
	Base string
	Path string
}

func (e *PathEscapeError) Error() string {
	return fmt.Sprintf("path %q escapes base directory %q", e.Path, e.Base)
}

// SanitizePath validates and resolves rel against base, per the algorithm
// in SPEC_FULL.md §4.2:
//  1. reject empty input
//  2. strip leading slashes
//  3. reject if the literal substring ".." appears anywhere (a stricter
//     test than resolving ".." components, chosen to avoid symlink-escape
//     classes of attack)
//  4. require the resolved absolute path to be strictly inside base
func SanitizePath(base, rel string) (string, error) {
	if rel == "" {
		return "", &PathEscapeError{Base: base, Path: rel}
	}

	stripped := strings.TrimLeft(rel, "/")
	if strings.Contains(stripped, "..") {
		return "", &PathEscapeError{Base: base, Path: rel}
	}

	absBase := filepath.Clean(base)
	abs := filepath.Join(absBase, stripped)

	prefix := absBase + string(filepath.Separator)
	if abs == absBase || !strings.HasPrefix(abs, prefix) {
		return "", &PathEscapeError{Base: base, Path: rel}
	}

	return abs, nil
}
