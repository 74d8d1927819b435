package domain

import (
	"regexp"
	"strconv"
	"strings"
)

type Mode string

const (
	ModeDefault  Mode = "default"
	ModeAnimated Mode = "animated"
	ModeGrainy   Mode = "grainy"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeDefault, ModeAnimated, ModeGrainy:
		return true
	default:
		return false
	}
}

// ConversionSettings are the knobs handed to the wrapper script.
type ConversionSettings struct {
	CRF            int    `json:"crf"`
	Preset         int    `json:"preset"`
	SVTParams      string `json:"svt_params"`
	AudioBitrate   string `json:"audio_bitrate"`
	SkipCropDetect bool   `json:"skip_crop_detect"`
}

var presets = map[Mode]ConversionSettings{
	ModeDefault: {
		CRF:          26,
		Preset:       4,
		SVTParams:    "tune=0:film-grain=8",
		AudioBitrate: "96k",
	},
	ModeAnimated: {
		CRF:          35,
		Preset:       4,
		SVTParams:    "tune=0:enable-qm=1:max-tx-size=32",
		AudioBitrate: "96k",
	},
	ModeGrainy: {
		CRF:          26,
		Preset:       4,
		SVTParams:    "tune=0:film-grain=16:film-grain-denoise=1",
		AudioBitrate: "96k",
	},
}

// PresetFor returns the settings of mode, falling back to the default preset.
func PresetFor(mode Mode) ConversionSettings {
	if p, ok := presets[mode]; ok {
		return p
	}
	return presets[ModeDefault]
}

// Presets returns a copy of the preset table keyed by mode name.
func Presets() map[Mode]ConversionSettings {
	out := make(map[Mode]ConversionSettings, len(presets))
	for k, v := range presets {
		out[k] = v
	}
	return out
}

var audioBitratePattern = regexp.MustCompile(`^[0-9]+k$`)

func (s ConversionSettings) Validate() error {
	if s.CRF < 0 || s.CRF > 51 {
		return NewValidationError("crf", "must be between 0 and 51, got %d", s.CRF)
	}
	if s.Preset < 0 || s.Preset > 13 {
		return NewValidationError("preset", "must be between 0 and 13, got %d", s.Preset)
	}
	if strings.ContainsAny(s.SVTParams, " \t\r\n\x00") {
		return NewValidationError("svt_params", "must not contain whitespace or control characters")
	}
	if !audioBitratePattern.MatchString(s.AudioBitrate) {
		return NewValidationError("audio_bitrate", "must look like 96k, got %q", s.AudioBitrate)
	}
	return nil
}

// Args renders the positional arguments the wrapper expects after the paths.
func (s ConversionSettings) Args() []string {
	skip := "0"
	if s.SkipCropDetect {
		skip = "1"
	}
	return []string{
		strconv.Itoa(s.CRF),
		strconv.Itoa(s.Preset),
		s.SVTParams,
		s.AudioBitrate,
		skip,
	}
}
