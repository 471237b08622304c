package migrate

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

const versionDigits = 14

var (
	fileNameRe     = regexp.MustCompile(`^(\d{14})_([a-z0-9_]+)\.sql$`)
	nameSanitizeRe = regexp.MustCompile(`[^a-z0-9]+`)
)

const (
	annotationUp    = "-- +goose Up"
	annotationDown  = "-- +goose Down"
	annotationBegin = "-- +goose StatementBegin"
	annotationEnd   = "-- +goose StatementEnd"
)

// CreateSQLMigration writes <dir>/<YYYYMMDDHHMMSS>_<name>.sql with empty
// Up and Down sections.
func CreateSQLMigration(dir, name string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("dir is required")
	}
	slug := strings.Trim(nameSanitizeRe.ReplaceAllString(strings.ToLower(name), "_"), "_")
	if slug == "" {
		return "", fmt.Errorf("migration name %q has no usable characters", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %q: %w", dir, err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s_%s.sql", time.Now().UTC().Format("20060102150405"), slug))
	body := strings.Join([]string{
		annotationUp, annotationBegin, "-- " + slug, annotationEnd, "",
		annotationDown, annotationBegin, "-- revert " + slug, annotationEnd, "",
	}, "\n")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create migration %q: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(body); err != nil {
		return "", fmt.Errorf("write migration %q: %w", path, err)
	}
	return path, nil
}

// ValidateDir checks names, versions and goose annotations of every .sql
// file in dir. DefaultDir validates the embedded copy.
func ValidateDir(dir string) error {
	fsys, err := source(dir)
	if err != nil {
		return err
	}
	return validateFS(fsys)
}

func validateFS(fsys fs.FS) error {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return fmt.Errorf("no migrations found")
	}
	sort.Strings(names)

	seen := make(map[string]string, len(names))
	for _, name := range names {
		m := fileNameRe.FindStringSubmatch(name)
		if m == nil {
			return fmt.Errorf("invalid migration filename %q (expected YYYYMMDDHHMMSS_name.sql)", name)
		}
		if prev, ok := seen[m[1]]; ok {
			return fmt.Errorf("duplicate migration version %s in %q and %q", m[1], prev, name)
		}
		seen[m[1]] = name

		f, err := fsys.Open(name)
		if err != nil {
			return fmt.Errorf("open %q: %w", name, err)
		}
		err = checkAnnotations(bufio.NewScanner(f))
		f.Close()
		if err != nil {
			return fmt.Errorf("migration %q: %w", name, err)
		}
	}
	return nil
}

// checkAnnotations requires exactly one Up section followed by one Down
// section, with StatementBegin/End blocks closed inside the section that
// opened them.
func checkAnnotations(sc *bufio.Scanner) error {
	var ups, downs int
	inBlock := false
	for line := 1; sc.Scan(); line++ {
		switch strings.TrimSpace(sc.Text()) {
		case annotationUp:
			if inBlock {
				return fmt.Errorf("line %d: Up inside an open statement block", line)
			}
			if downs > 0 {
				return fmt.Errorf("line %d: Up after Down", line)
			}
			ups++
		case annotationDown:
			if inBlock {
				return fmt.Errorf("line %d: Down inside an open statement block", line)
			}
			downs++
		case annotationBegin:
			if inBlock {
				return fmt.Errorf("line %d: nested StatementBegin", line)
			}
			if ups == 0 {
				return fmt.Errorf("line %d: StatementBegin before Up", line)
			}
			inBlock = true
		case annotationEnd:
			if !inBlock {
				return fmt.Errorf("line %d: StatementEnd without StatementBegin", line)
			}
			inBlock = false
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	switch {
	case inBlock:
		return fmt.Errorf("unterminated StatementBegin")
	case ups != 1:
		return fmt.Errorf("want one %q section, found %d", annotationUp, ups)
	case downs != 1:
		return fmt.Errorf("want one %q section, found %d", annotationDown, downs)
	}
	return nil
}
