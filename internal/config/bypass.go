package config

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadBypassFile reads identities exempt from rate limiting. YAML files hold
// either a list or a {bypass: [...]} document; any other file lists one
// identity per line with # comments.
func LoadBypassFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bypass file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return parseBypassYAML(data)
	default:
		return parseBypassLines(data)
	}
}

func parseBypassYAML(data []byte) ([]string, error) {
	var list []string
	if err := yaml.Unmarshal(data, &list); err == nil {
		return clean(list), nil
	}
	var doc struct {
		Bypass []string `yaml:"bypass"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing bypass yaml: %w", err)
	}
	return clean(doc.Bypass), nil
}

func parseBypassLines(data []byte) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading bypass file: %w", err)
	}
	return out, nil
}

func clean(ids []string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}
