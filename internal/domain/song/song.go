// Package song provides the song library domain entities.
package song

import (
	"path/filepath"
	"strings"
)

// Entry represents one song discovered in the game's library.
type Entry struct {
	ID       int    `json:"id"`      // Dense 1-based id assigned at scan time
	TxtPath  string `json:"txt"`     // Path to the karaoke notation file
	Audio    string `json:"audio"`   // Path to the paired audio file
	Display  string `json:"display"` // Cosmetic label derived from the filename
	Playlist bool   `json:"upl"`     // Cached presence in the playlist file

	// label is the cached playlist label, derived lazily from the txt file.
	label string
}

// DisplayFromPath derives a display label from a notation file path:
// extension stripped, underscores turned into spaces.
func DisplayFromPath(txtPath string) string {
	base := filepath.Base(txtPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return strings.ReplaceAll(base, "_", " ")
}

// AudioFromTxt swaps the notation file extension for the given audio extension.
func AudioFromTxt(txtPath, audioExt string) string {
	return strings.TrimSuffix(txtPath, filepath.Ext(txtPath)) + "." + audioExt
}

// CachedLabel returns the previously derived playlist label, if any.
func (e *Entry) CachedLabel() string {
	return e.label
}

// SetLabel caches a derived playlist label.
func (e *Entry) SetLabel(label string) {
	e.label = label
}
