// Package dotenv seeds the process environment from .env files so local
// runs don't need credentials exported in the shell.
package dotenv

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Load applies each file in order. Missing files are skipped; keys
// already present in the environment always win.
func Load(paths ...string) error {
	for _, path := range paths {
		file, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("open env file %q: %w", path, err)
		}

		pairs, err := Parse(file)
		file.Close()
		if err != nil {
			return fmt.Errorf("parse env file %q: %w", path, err)
		}

		for key, val := range pairs {
			if _, exists := os.LookupEnv(key); exists {
				continue
			}
			if err := os.Setenv(key, val); err != nil {
				return fmt.Errorf("set env %q from %q: %w", key, path, err)
			}
		}
	}
	return nil
}

// Parse reads KEY=VALUE pairs. Blank lines and # comments are ignored,
// an "export " prefix is tolerated, and single or double quotes around
// a value are stripped.
func Parse(r io.Reader) (map[string]string, error) {
	pairs := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, val, ok := splitLine(scanner.Text())
		if !ok {
			continue
		}
		pairs[key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return pairs, nil
}

func splitLine(line string) (key, val string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimPrefix(line, "export ")

	key, val, found := strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" {
		return "", "", false
	}
	return key, unquote(strings.TrimSpace(val)), true
}

func unquote(val string) string {
	if len(val) < 2 {
		return val
	}
	if (val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'') {
		return val[1 : len(val)-1]
	}
	return val
}
