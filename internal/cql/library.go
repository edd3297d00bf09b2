package cql

import (
	"fmt"
	"strings"
)

// Library is a parsed set of named expressions.
type Library struct {
	Name        string
	Version     string
	Definitions map[string]*Definition
	order       []string
}

// Definition is a named expression.
type Definition struct {
	Name       string
	Expression string
	node       node
}

// Names returns the definition names in declaration order.
func (l *Library) Names() []string {
	return append([]string(nil), l.order...)
}

// Definition looks up a definition by name.
func (l *Library) Definition(name string) (*Definition, bool) {
	d, ok := l.Definitions[name]
	return d, ok
}

// headerKeywords are statements that carry no expression of their own.
var headerKeywords = []string{"using ", "include ", "codesystem ", "valueset ", "code ", "parameter ", "context "}

// ParseLibrary reads the define statements of a CQL text. A definition runs
// until the next statement, so expressions may span lines. A "library"
// header fills in name and version when they are empty.
func ParseLibrary(name, version, content string) (*Library, error) {
	lib := &Library{Name: name, Version: version, Definitions: make(map[string]*Definition)}

	var current *Definition
	var body []string
	flush := func() error {
		if current == nil {
			return nil
		}
		current.Expression = strings.TrimSpace(strings.Join(body, " "))
		n, err := parseExpression(current.Expression)
		if err != nil {
			return fmt.Errorf("cql: define %q: %w", current.Name, err)
		}
		current.node = n
		if _, dup := lib.Definitions[current.Name]; !dup {
			lib.order = append(lib.order, current.Name)
		}
		lib.Definitions[current.Name] = current
		current, body = nil, nil
		return nil
	}

	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(stripComment(raw))
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "define "):
			if err := flush(); err != nil {
				return nil, err
			}
			defName, expr, err := splitDefine(strings.TrimPrefix(line, "define "))
			if err != nil {
				return nil, err
			}
			current = &Definition{Name: defName}
			body = []string{expr}
		case strings.HasPrefix(line, "library "):
			if err := flush(); err != nil {
				return nil, err
			}
			parseLibraryHeader(lib, strings.TrimPrefix(line, "library "))
		case hasAnyPrefix(line, headerKeywords):
			if err := flush(); err != nil {
				return nil, err
			}
		case current != nil:
			body = append(body, line)
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if len(lib.Definitions) == 0 {
		return nil, fmt.Errorf("cql: library %q has no definitions", lib.Name)
	}
	return lib, nil
}

// splitDefine splits `"Name": expr` or `Name: expr`.
func splitDefine(rest string) (string, string, error) {
	rest = strings.TrimSpace(rest)
	if strings.HasPrefix(rest, "\"") {
		end := strings.Index(rest[1:], "\"")
		if end < 0 {
			return "", "", fmt.Errorf("cql: unterminated definition name in %q", rest)
		}
		name := rest[1 : end+1]
		after := strings.TrimSpace(rest[end+2:])
		if !strings.HasPrefix(after, ":") {
			return "", "", fmt.Errorf("cql: expected ':' after definition %q", name)
		}
		return name, strings.TrimSpace(after[1:]), nil
	}
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("cql: expected ':' in definition %q", rest)
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), nil
}

func parseLibraryHeader(lib *Library, rest string) {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return
	}
	if lib.Name == "" {
		lib.Name = strings.Trim(fields[0], "\"")
	}
	if len(fields) >= 3 && fields[1] == "version" && lib.Version == "" {
		lib.Version = strings.Trim(fields[2], "'\"")
	}
}

func stripComment(line string) string {
	inString := false
	for i := 0; i+1 < len(line); i++ {
		switch {
		case line[i] == '\'':
			inString = !inString
		case !inString && line[i] == '/' && line[i+1] == '/':
			return line[:i]
		}
	}
	return line
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
