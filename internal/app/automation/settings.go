package automation

import (
	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

// Settings represents the tunables of the automation engine.
type Settings struct {
	CountdownSeconds    int `yaml:"countdown_seconds" mapstructure:"countdown_seconds" default:"15" validate:"gte=0,lte=600"`
	SongStartTimeoutSec int `yaml:"song_start_timeout_sec" mapstructure:"song_start_timeout_sec" default:"120" validate:"gt=0"`
	DecoderEndEvents    int `yaml:"decoder_end_events" mapstructure:"decoder_end_events" default:"3" validate:"gt=0"`
	DecoderQuietGapSec  int `yaml:"decoder_quiet_gap_sec" mapstructure:"decoder_quiet_gap_sec" default:"5" validate:"gt=0"`
}

// DecodeSettings builds Settings from a free-form config map, applying
// defaults and validation.
func DecodeSettings(raw map[string]any) (Settings, error) {
	var s Settings

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  &s,
		TagName: "mapstructure",
	})
	if err != nil {
		return s, errors.Wrap(err, "failed to create decoder")
	}
	if err := decoder.Decode(raw); err != nil {
		return s, errors.Wrap(err, "failed to decode automation settings")
	}

	if err := defaults.Set(&s); err != nil {
		return s, errors.Wrap(err, "failed to set defaults")
	}

	validate := validator.New()
	if err := validate.Struct(s); err != nil {
		return s, errors.Wrap(err, "automation settings validation failed")
	}
	return s, nil
}
