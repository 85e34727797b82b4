package catalog

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// droidFrontmatter is the YAML header of a droid markdown file.
type droidFrontmatter struct {
	Name          string   `yaml:"name"`
	Description   string   `yaml:"description"`
	Model         string   `yaml:"model"`
	Tools         toolList `yaml:"tools"`
	DisabledTools toolList `yaml:"disabled_tools"`
}

// toolList accepts either a YAML sequence or a comma-separated string.
type toolList []string

func (l *toolList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*l = splitTools(strings.Split(s, ","))
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = splitTools(items)
		return nil
	}
	return fmt.Errorf("line %d: tools must be a list or a comma-separated string", node.Line)
}

func splitTools(items []string) toolList {
	out := make(toolList, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parsedDroid is the content of one droid markdown file.
type parsedDroid struct {
	droidFrontmatter
	Body string
}

// parseDroidMarkdown reads a droid file: a YAML frontmatter block between
// "---" lines followed by the droid's instructions as markdown.
// A file without frontmatter is all body.
func parseDroidMarkdown(data []byte) (parsedDroid, error) {
	header, body, err := splitFrontmatter(string(data))
	if err != nil {
		return parsedDroid{}, err
	}

	var d parsedDroid
	if header != "" {
		if err := yaml.Unmarshal([]byte(header), &d.droidFrontmatter); err != nil {
			return parsedDroid{}, fmt.Errorf("parse frontmatter yaml: %w", err)
		}
	}
	d.Name = strings.TrimSpace(d.Name)
	d.Description = strings.TrimSpace(d.Description)
	d.Model = strings.TrimSpace(d.Model)
	d.Body = strings.TrimSpace(body)
	return d, nil
}

func splitFrontmatter(s string) (header, body string, err error) {
	s = strings.TrimPrefix(s, "\ufeff")
	first, rest, found := strings.Cut(s, "\n")
	if strings.TrimSpace(first) != "---" {
		return "", s, nil
	}
	if !found {
		return "", "", errors.New("unclosed frontmatter: opening --- found but no closing ---")
	}

	offset := 0
	for offset <= len(rest) {
		line, _, more := strings.Cut(rest[offset:], "\n")
		if strings.TrimSpace(line) == "---" {
			next := offset + len(line)
			if more {
				next++
			}
			return rest[:offset], rest[next:], nil
		}
		if !more {
			break
		}
		offset += len(line) + 1
	}
	return "", "", errors.New("unclosed frontmatter: opening --- found but no closing ---")
}
