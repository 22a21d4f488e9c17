package synth

import "strings"

// DefaultVoice is used when no voice is registered for a language tag.
const DefaultVoice = "alloy"

var voicesByLanguage = map[string]string{
	"en": "alloy",
	"zh": "lumen",
	"ja": "haru",
	"ko": "sora",
	"es": "marisol",
	"fr": "celine",
	"de": "anke",
	"pt": "duarte",
	"id": "ayu",
}

// VoiceFor selects a voice for a language tag. Region-qualified tags fall
// back to their base tag; unknown tags get DefaultVoice.
func VoiceFor(language string) string {
	lang := strings.ToLower(strings.TrimSpace(language))
	if v, ok := voicesByLanguage[lang]; ok {
		return v
	}
	if base, _, found := strings.Cut(lang, "-"); found {
		if v, ok := voicesByLanguage[base]; ok {
			return v
		}
	}
	return DefaultVoice
}
