// Package archive extracts newline-delimited content from the .zip and
// .gz archives a market-data connector downloads. There is no
// third-party archive library anywhere in the retrieval pack, so this
// uses the standard library's archive/zip and compress/gzip, which are
// the idiomatic and sufficient tools for this narrow a surface.
package archive

import (
	"archive/zip"
	"bufio"
	"compress/gzip"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/someapps/scalpy/pkg/scalpy"
)

// ExtractLines reads every line out of filename, a .zip or .gz archive,
// applying the title-row-skip heuristic trade CSV dumps need: when
// skipTitle is true, the first line is dropped unless it looks like a
// data row (starts with a digit).
func ExtractLines(filename string, skipTitle bool) ([]string, error) {
	var raw []string
	var err error

	switch {
	case strings.HasSuffix(filename, ".zip"):
		raw, err = extractZip(filename)
	case strings.HasSuffix(filename, ".gz"):
		raw, err = extractGz(filename)
	default:
		return nil, &scalpy.CorruptInputError{Msg: fmt.Sprintf("unsupported archive extension: %s", filename)}
	}
	if err != nil {
		return nil, err
	}

	return applyTitleSkip(raw, skipTitle), nil
}

func applyTitleSkip(lines []string, skipTitle bool) []string {
	if !skipTitle || len(lines) == 0 {
		return lines
	}
	first := lines[0]
	if len(first) > 0 && unicode.IsDigit(rune(first[0])) {
		return lines
	}
	return lines[1:]
}

func extractZip(filename string) ([]string, error) {
	r, err := zip.OpenReader(filename)
	if err != nil {
		return nil, fmt.Errorf("archive: open zip %s: %w", filename, err)
	}
	defer r.Close()

	if len(r.File) != 1 {
		return nil, &scalpy.CorruptInputError{
			Msg: fmt.Sprintf("zip %s must contain exactly one member, has %d", filename, len(r.File)),
		}
	}

	f, err := r.File[0].Open()
	if err != nil {
		return nil, fmt.Errorf("archive: open zip member in %s: %w", filename, err)
	}
	defer f.Close()

	return readLines(f)
}

func extractGz(filename string) ([]string, error) {
	raw, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("archive: open gz %s: %w", filename, err)
	}
	defer raw.Close()

	gz, err := gzip.NewReader(raw)
	if err != nil {
		return nil, &scalpy.CorruptInputError{Msg: fmt.Sprintf("not a valid gzip archive: %s: %v", filename, err)}
	}
	defer gz.Close()

	return readLines(gz)
}

func readLines(r interface{ Read([]byte) (int, error) }) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("archive: read lines: %w", err)
	}
	return lines, nil
}
