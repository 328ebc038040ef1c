// Package gameconfig rewrites the game's config.ini to reflect the current
// roster, player delays and recording devices.
package gameconfig

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/renameio/v2"
)

// File is an order- and case-preserving view of an ini-style config file.
// The game's parser is strict about formatting: keys keep their case and
// values are written as key=value with no surrounding spaces.
type File struct {
	sections []*section
	index    map[string]*section
}

type section struct {
	name   string
	keys   []string
	values map[string]string
}

// Parse reads an ini-style document. Unknown lines (comments, blanks) inside
// sections are dropped; the game rewrites the file wholesale anyway.
func Parse(r io.Reader) (*File, error) {
	f := &File{index: make(map[string]*section)}
	var cur *section

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#"):
			continue
		case strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]"):
			cur = f.ensure(line[1 : len(line)-1])
		default:
			if cur == nil {
				continue
			}
			key, value, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			cur.set(strings.TrimSpace(key), strings.TrimSpace(value))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read config")
	}
	return f, nil
}

// LoadFile parses an existing config file.
func LoadFile(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open config")
	}
	defer fh.Close()
	return Parse(fh)
}

func (f *File) ensure(name string) *section {
	if s, ok := f.index[name]; ok {
		return s
	}
	s := &section{name: name, values: make(map[string]string)}
	f.sections = append(f.sections, s)
	f.index[name] = s
	return s
}

func (s *section) set(key, value string) {
	if _, ok := s.values[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.values[key] = value
}

// Set assigns a key in a section, creating the section if needed.
func (f *File) Set(sectionName, key, value string) {
	f.ensure(sectionName).set(key, value)
}

// Get returns a key's value and whether it was present.
func (f *File) Get(sectionName, key string) (string, bool) {
	s, ok := f.index[sectionName]
	if !ok {
		return "", false
	}
	v, ok := s.values[key]
	return v, ok
}

// RemovePrefixed deletes every key in a section that starts with any of the
// given prefixes.
func (f *File) RemovePrefixed(sectionName string, prefixes ...string) {
	s, ok := f.index[sectionName]
	if !ok {
		return
	}
	kept := s.keys[:0]
	for _, key := range s.keys {
		matched := false
		for _, p := range prefixes {
			if strings.HasPrefix(key, p) {
				matched = true
				break
			}
		}
		if matched {
			delete(s.values, key)
		} else {
			kept = append(kept, key)
		}
	}
	s.keys = kept
}

// WriteTo writes the document. Format: [Section] header, key=value with no
// spaces around '=', blank line after each section.
func (f *File) WriteTo(w io.Writer) error {
	var b strings.Builder
	for _, s := range f.sections {
		b.WriteString("[" + s.name + "]\n")
		for _, key := range s.keys {
			b.WriteString(key + "=" + s.values[key] + "\n")
		}
		b.WriteString("\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// SaveAtomic writes the document to path via a temp file and rename, so the
// game never observes a partial config.
func (f *File) SaveAtomic(path string) error {
	var b strings.Builder
	if err := f.WriteTo(&b); err != nil {
		return err
	}
	if err := renameio.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return errors.Wrap(err, "failed to write config")
	}
	return nil
}
