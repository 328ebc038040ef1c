package gameconfig

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

// Writer binds the rewrite operations to one config file.
type Writer struct {
	Path       string
	SinkPrefix string
}

// UpdatePlayers rewrites the roster sections of the bound config file.
func (w Writer) UpdatePlayers(mics [6]MicLine) error {
	return UpdatePlayers(w.Path, mics)
}

// InitRecordSection rewrites the recording bindings of the bound config file.
func (w Writer) InitRecordSection() error {
	return InitRecordSection(w.Path, w.SinkPrefix)
}

// MicLine describes the occupants of one mic room for the config rewrite.
type MicLine struct {
	Names       []string // display names, joined with " & "
	MeanDelayMS int      // mean of the members' delay preferences
}

// UpdatePlayers rewrites [Name], [PlayerDelay] and [Game].Players from the
// current roster. mics[0] corresponds to mic1.
func UpdatePlayers(path string, mics [6]MicLine) error {
	f, err := LoadFile(path)
	if err != nil {
		return err
	}

	highest := 0
	for i, mic := range mics {
		p := "P" + strconv.Itoa(i+1)
		if len(mic.Names) > 0 {
			f.Set("Name", p, strings.Join(mic.Names, " & "))
			f.Set("PlayerDelay", p, strconv.Itoa(mic.MeanDelayMS))
			highest = i + 1
		} else {
			f.Set("Name", p, "None")
			f.Set("PlayerDelay", p, "0")
		}
	}

	f.Set("Game", "Players", playersValue(highest))

	if err := f.SaveAtomic(path); err != nil {
		return err
	}
	zlog.Info().Msgf("updated game config players: highest_mic=%d, players=%s", highest, playersValue(highest))
	return nil
}

// playersValue maps the highest occupied mic index to the game's Players
// setting. The game has no 5-player mode, so five mics select the six-player
// layout.
func playersValue(highest int) string {
	switch {
	case highest == 0:
		return "1"
	case highest <= 4:
		return strconv.Itoa(highest)
	default:
		return "6"
	}
}

// InitRecordSection rewrites [Record] to bind the game's recording slots to
// the virtual mic sinks. Existing device bindings are dropped first.
func InitRecordSection(path, sinkPrefix string) error {
	f, err := LoadFile(path)
	if err != nil {
		return errors.Wrap(err, "cannot initialize record section")
	}

	f.RemovePrefixed("Record", "DeviceName", "Input", "Latency", "Channel1", "Channel2")

	for i := 1; i <= 6; i++ {
		idx := "[" + strconv.Itoa(i) + "]"
		f.Set("Record", "DeviceName"+idx, fmt.Sprintf("%s-%d-sink Audio/Source/Virtual sink", sinkPrefix, i))
		f.Set("Record", "Input"+idx, "0")
		f.Set("Record", "Latency"+idx, "-1")
		f.Set("Record", "Channel1"+idx, strconv.Itoa(i))
	}

	if err := f.SaveAtomic(path); err != nil {
		return err
	}
	zlog.Info().Msg("initialized game config record section for virtual sinks")
	return nil
}
