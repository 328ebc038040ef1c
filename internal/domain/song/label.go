package song

import (
	"bufio"
	"os"
	"strings"
)

// Label derives the playlist label for an entry: "<Artist> : <Title>" parsed
// from the notation file, the single tag if only one is present, otherwise the
// display fallback. The result is cached on the entry.
func (e *Entry) Label() string {
	if e.label != "" {
		return e.label
	}

	artist, title := readTags(e.TxtPath)
	var label string
	switch {
	case artist != "" && title != "":
		label = artist + " : " + title
	case artist != "":
		label = artist
	case title != "":
		label = title
	default:
		label = e.Display
	}

	e.label = NormalizeLabel(label)
	return e.label
}

// NormalizeLabel collapses a label into the canonical "<a> : <b>" form when it
// already carries an " : " or " - " separator (dashes become colons).
func NormalizeLabel(label string) string {
	label = strings.TrimSpace(label)
	sep := " : "
	idx := strings.Index(label, sep)
	if idx < 0 {
		sep = " - "
		idx = strings.Index(label, sep)
	}
	if idx < 0 {
		return label
	}
	a := strings.TrimSpace(label[:idx])
	b := strings.TrimSpace(label[idx+len(sep):])
	if a == "" || b == "" {
		return label
	}
	return a + " : " + b
}

// readTags extracts the first #ARTIST and #TITLE header values from a
// notation file. Missing file or missing tags yield empty strings.
func readTags(txtPath string) (artist, title string) {
	f, err := os.Open(txtPath)
	if err != nil {
		return "", ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		upper := strings.ToUpper(line)
		switch {
		case artist == "" && strings.HasPrefix(upper, "#ARTIST"):
			artist = tagValue(line)
		case title == "" && strings.HasPrefix(upper, "#TITLE"):
			title = tagValue(line)
		}
		if artist != "" && title != "" {
			break
		}
	}
	return artist, title
}

func tagValue(line string) string {
	if _, after, ok := strings.Cut(line, ":"); ok {
		return strings.TrimSpace(after)
	}
	return ""
}
