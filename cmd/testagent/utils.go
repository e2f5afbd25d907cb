package main

import (
	"bufio"
	"io"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
)

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// readCommandLines splits every non-empty, non-comment line of r into an
// argument vector.
func readCommandLines(r io.Reader) ([][]string, error) {
	var out [][]string
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		args, err := shellquote.Split(line)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNo)
		}
		out = append(out, args)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read commands")
	}
	return out, nil
}
