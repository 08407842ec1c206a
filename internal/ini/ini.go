// Package ini is a minimal INI reader, just enough for the ig.ini member of
// FHIR implementation guide packages.
//
// Understood syntax: "[section]" headers, "key=value" pairs, and comment
// lines starting with "#" or ";". Anything else is skipped.
package ini

import (
	"bufio"
	"io"
	"strings"
)

// File is a parsed INI document.
type File struct {
	sections map[string]map[string]string
}

// Parse reads an INI document.
func Parse(r io.Reader) (*File, error) {
	f := &File{
		sections: make(map[string]map[string]string),
	}
	cur := ""
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "#"), strings.HasPrefix(line, ";"):
			continue
		case strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]"):
			cur = strings.TrimSpace(line[1 : len(line)-1])
			if _, ok := f.sections[cur]; !ok {
				f.sections[cur] = make(map[string]string)
			}
		default:
			k, v, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			sec, ok := f.sections[cur]
			if !ok {
				sec = make(map[string]string)
				f.sections[cur] = sec
			}
			sec[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return f, nil
}

// ParseString is [Parse] over a string.
func ParseString(doc string) (*File, error) {
	return Parse(strings.NewReader(doc))
}

// Get returns the value at section/key, or "" when absent.
func (f *File) Get(section, key string) string {
	return f.sections[section][key]
}
