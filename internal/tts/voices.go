package tts

// Voices shipped with the Orpheus model
var Voices = []string{"tara", "zoe", "zac", "jess", "leo", "mia", "julia", "leah"}

// DefaultVoice is used when a request does not name one
const DefaultVoice = "tara"

// Sampling defaults tuned for the Orpheus engine
const (
	DefaultTemperature       = 0.4
	DefaultTopP              = 0.9
	DefaultRepetitionPenalty = 1.1
	DefaultMaxTokens         = 2000
)

// IsValidVoice reports whether name is in the voice catalog
func IsValidVoice(name string) bool {
	for _, v := range Voices {
		if v == name {
			return true
		}
	}
	return false
}

// WithDefaults fills unset voice parameters with the catalog defaults
func (p VoiceParams) WithDefaults() VoiceParams {
	if p.Voice == "" {
		p.Voice = DefaultVoice
	}
	if p.Temperature == 0 {
		p.Temperature = DefaultTemperature
	}
	if p.TopP == 0 {
		p.TopP = DefaultTopP
	}
	if p.RepetitionPenalty == 0 {
		p.RepetitionPenalty = DefaultRepetitionPenalty
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = DefaultMaxTokens
	}
	return p
}
