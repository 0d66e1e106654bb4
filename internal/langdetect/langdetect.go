// Package langdetect implements a lightweight text-based English/German
// response-language classifier for TTS voice selection.
package langdetect

import "strings"

var deChars = map[rune]struct{}{
	'ä': {}, 'ö': {}, 'ü': {}, 'ß': {}, 'Ä': {}, 'Ö': {}, 'Ü': {},
}

var deFunctionWords = map[string]struct{}{
	"ich": {}, "und": {}, "der": {}, "das": {}, "ist": {}, "ein": {}, "eine": {}, "nicht": {}, "auf": {},
	"mit": {}, "den": {}, "dem": {}, "sich": {}, "von": {}, "für": {}, "aber": {}, "wenn": {},
	"nur": {}, "noch": {}, "nach": {}, "auch": {}, "schon": {}, "dann": {}, "kann": {}, "wir": {},
	"uns": {}, "ihr": {}, "wird": {}, "oder": {}, "sind": {}, "bei": {}, "haben": {}, "hatte": {},
	"habe": {}, "dir": {}, "sehr": {}, "hier": {}, "diese": {}, "dieser": {},
	"geht": {}, "gibt": {}, "bitte": {}, "gerne": {}, "danke": {}, "jetzt": {}, "kein": {},
	"keine": {}, "mein": {}, "meine": {}, "dein": {}, "immer": {}, "dort": {}, "denn": {}, "weil": {},
}

const punctTrim = ".,!?;:\"'()[]"

// Detect returns "de" if the German character set or function-word set
// matches, else the fallback if it's one of {en, de}, else "en".
func Detect(text, fallback string) string {
	for _, c := range text {
		if _, ok := deChars[c]; ok {
			return "de"
		}
	}

	for _, w := range strings.Fields(strings.ToLower(text)) {
		trimmed := strings.Trim(w, punctTrim)
		if _, ok := deFunctionWords[trimmed]; ok {
			return "de"
		}
	}

	normalized := strings.ToLower(fallback)
	if normalized == "" {
		normalized = "en"
	}
	if normalized == "en" || normalized == "de" {
		return normalized
	}
	return "en"
}
