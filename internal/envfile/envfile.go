// Package envfile reads and edits KEY=VALUE files such as /etc/environment.
package envfile

import (
	"bufio"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Parse reads environment-file content into a key-value map.
func Parse(content string) (map[string]string, error) {
	env := make(map[string]string)
	if content == "" {
		return env, nil
	}

	scanner := bufio.NewScanner(strings.NewReader(content))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		key, value, ok, err := parseLine(scanner.Text())
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if !ok {
			continue
		}
		env[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read environment file: %w", err)
	}
	return env, nil
}

// Patch sets each key in updates, replacing the first existing assignment in
// place and appending new keys at the end. Later duplicate assignments of an
// updated key are dropped. Lines that are not assignments are kept as-is.
func Patch(content string, updates map[string]string) string {
	var lines []string
	if content != "" {
		lines = strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	}

	firstIndex := make(map[string]int)
	for i, line := range lines {
		key, _, ok, err := parseLine(line)
		if err != nil || !ok {
			continue
		}
		if _, exists := firstIndex[key]; !exists {
			firstIndex[key] = i
		}
	}

	// Deterministic append order for new keys.
	keys := make([]string, 0, len(updates))
	for key := range updates {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		line := fmt.Sprintf("%s=%s", key, encodeValue(updates[key]))
		if idx, ok := firstIndex[key]; ok {
			lines[idx] = line
			continue
		}
		lines = append(lines, line)
		firstIndex[key] = len(lines) - 1
	}

	filtered := make([]string, 0, len(lines))
	for i, line := range lines {
		key, _, ok, err := parseLine(line)
		if err == nil && ok {
			if _, updated := updates[key]; updated && firstIndex[key] != i {
				continue
			}
		}
		filtered = append(filtered, line)
	}

	return strings.Join(filtered, "\n") + "\n"
}

// DefaultPath is the search path pam_env gives a login session when the
// environment file does not set PATH.
const DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// ExtendPath returns content with dir appended to the colon-separated list
// stored under key (usually PATH). changed is false when dir is already
// present. A missing PATH is seeded with DefaultPath before dir is appended,
// since writing PATH=dir alone would hide the system binaries. Any other
// missing key is created holding only dir.
func ExtendPath(content, key, dir string) (string, bool, error) {
	env, err := Parse(content)
	if err != nil {
		return "", false, err
	}

	current, ok := env[key]
	if !ok && key == "PATH" {
		current = DefaultPath
	}
	for _, entry := range filepath.SplitList(current) {
		if filepath.Clean(entry) == filepath.Clean(dir) {
			return content, false, nil
		}
	}

	next := dir
	if current != "" {
		next = current + string(filepath.ListSeparator) + dir
	}
	return Patch(content, map[string]string{key: next}), true, nil
}

// parseLine returns the key/value of an assignment line. Blank lines and
// comments report ok=false.
func parseLine(line string) (string, string, bool, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", "", false, nil
	}
	trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "export "))

	idx := strings.Index(trimmed, "=")
	if idx <= 0 {
		return "", "", false, fmt.Errorf("expected KEY=VALUE, got %q", line)
	}
	key := strings.TrimSpace(trimmed[:idx])
	if key == "" || strings.ContainsAny(key, " \t") {
		return "", "", false, fmt.Errorf("invalid key in %q", line)
	}

	value := strings.TrimSpace(trimmed[idx+1:])
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') || (value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		} else if value[0] == '"' || value[0] == '\'' {
			return "", "", false, fmt.Errorf("unterminated quoted value in %q", line)
		}
	} else if value == `"` || value == `'` {
		return "", "", false, fmt.Errorf("unterminated quoted value in %q", line)
	}

	return key, value, true, nil
}

// encodeValue quotes values the way /etc/environment conventionally stores them.
func encodeValue(value string) string {
	return `"` + value + `"`
}
