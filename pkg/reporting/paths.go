package reporting

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ReportPath names a session report inside dir; ext is "xlsx" or "csv"
func ReportPath(dir, session string, at time.Time, ext string) string {
	s := strings.ToLower(strings.TrimSpace(session))
	if s == "" {
		s = "session"
	}
	s = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ' ' {
			return '_'
		}
		return r
	}, s)
	if dir == "" {
		dir = "reports"
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%s.%s", s, at.UTC().Format("20060102_150405"), strings.TrimPrefix(ext, ".")))
}

// EnsureDirectoryExists creates the parent directory of path
func EnsureDirectoryExists(path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}
