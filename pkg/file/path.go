package file

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// BaseName drops the path components of a client supplied file name, with
// either separator. It returns "" when nothing usable is left.
func BaseName(name string) string {
	name = filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}

// SanitizeName reduces an uploaded file name to a safe base name.
// Path components are dropped and characters outside letters, digits, '.', '-' and '_' become '_'.
// Different names may sanitize to the same result.
func SanitizeName(name string) string {
	name = BaseName(name)
	if name == "" {
		return ""
	}

	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.TrimLeft(b.String(), ".")
}

// Ext returns the lower-cased extension without the leading dot.
func Ext(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

// Stem returns the base name without its extension.
func Stem(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// UniqueName returns name if it is free in dir, otherwise the first free
// "stem_N.ext" variant.
func UniqueName(dir, name string) string {
	if _, err := os.Lstat(filepath.Join(dir, name)); os.IsNotExist(err) {
		return name
	}
	stem, ext := Stem(name), filepath.Ext(name)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if _, err := os.Lstat(filepath.Join(dir, candidate)); os.IsNotExist(err) {
			return candidate
		}
	}
}

// Reserve atomically creates an empty placeholder for a collision-free
// variant of name in dir and returns the chosen name.
func Reserve(dir, name string) (string, error) {
	for attempt := 0; attempt < 100; attempt++ {
		candidate := UniqueName(dir, name)
		f, err := os.OpenFile(filepath.Join(dir, candidate), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return candidate, f.Close()
		}
		if !os.IsExist(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("could not reserve a free name for %s in %s", name, dir)
}
