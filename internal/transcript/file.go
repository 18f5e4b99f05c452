package transcript

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const fileTimeLayout = "2006-01-02 15:04:05"

// appendToFiles appends records, grouped by FilePath, as "[timestamp] text" lines.
func appendToFiles(recs []Record) error {
	byPath := make(map[string][]Record)
	order := make([]string, 0)
	for _, r := range recs {
		if r.FilePath == "" {
			continue
		}
		if _, ok := byPath[r.FilePath]; !ok {
			order = append(order, r.FilePath)
		}
		byPath[r.FilePath] = append(byPath[r.FilePath], r)
	}

	var errs []string
	for _, path := range order {
		if err := appendLines(path, byPath[path]); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("append transcripts: %s", strings.Join(errs, "; "))
	}
	return nil
}

func appendLines(path string, recs []Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var b strings.Builder
	for _, r := range recs {
		fmt.Fprintf(&b, "[%s] %s\n", r.CreatedAt.Local().Format(fileTimeLayout), strings.TrimSpace(r.Text))
	}
	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
