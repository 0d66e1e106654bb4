// Package sanitize implements the deterministic, idempotent pre-TTS
// cleanup pipeline: stripping citations, markdown, URLs, and other
// non-speakable artifacts from LLM responses.
package sanitize

import (
	"regexp"
	"strings"
)

var (
	reSourceTags        = regexp.MustCompile(`(?s)\x{E200}.*?\x{E201}`)
	reCJKBrackets        = regexp.MustCompile(`[\x{3010}\x{3016}][^\x{3011}\x{3017}]+[\x{3011}\x{3017}]`)
	reMarkdownLink       = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	reBareURL            = regexp.MustCompile(`https?://\S+`)
	reNumericCitation    = regexp.MustCompile(`\[\d+(?:[,\s]*\d+)*\]`)
	reSourceBracketShort = regexp.MustCompile(`(?i)\[(?:source|citation|ref)\w*\]`)
	reSourceBracketLong  = regexp.MustCompile(`(?i)\[(?:source|sources|citation|citations|ref\w*|quelle|quellen)[^\]]*\]`)
	reFootnote           = regexp.MustCompile(`(?i)\[\^(?:\d+|source|ref\w*)\]`)
	reSourceParenthetical = regexp.MustCompile(`(?i)\((?:source|sources|citation|citations|reference|references|quelle|quellen)\s*:[^)]+\)`)
	reSourceHeaderLine   = regexp.MustCompile(`(?im)^\s*(?:sources?|references?|citations?|quellen?)\s*:\s*$`)
	reSuperscriptDigits  = regexp.MustCompile(`[\x{00B9}\x{00B2}\x{00B3}\x{2074}-\x{2079}\x{2070}]+`)
	reBoldItalic         = regexp.MustCompile(`\*{1,3}([^*]+)\*{1,3}`)
	reMarkdownHeader     = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	reMarkdownBullet     = regexp.MustCompile(`(?m)^\s*[-*\x{2022}]\s+`)

	reLineSourceHeader  = regexp.MustCompile(`(?i)^(?:sources?|references?|citations?|quellen?)\s*:?\s*$`)
	reLineNumericOnly   = regexp.MustCompile(`^(?:\[\d+\]|\d+[.)])\s*$`)
	reLineNumericURL    = regexp.MustCompile(`(?i)^(?:\[\d+\]|\d+[.)])\s*(?:https?://\S+|www\.\S+)\s*$`)
	reLineURLOnly       = regexp.MustCompile(`(?i)^(?:https?://\S+|www\.\S+)\s*$`)

	reTrailingSpaceBeforeNewline = regexp.MustCompile(`[ \t]+\n`)
	reMultiNewline               = regexp.MustCompile(`\n{2,}`)
	reSingleNewline              = regexp.MustCompile(`\n`)
	reMultiSpace                 = regexp.MustCompile(`  +`)
	reSpaceBeforePunct           = regexp.MustCompile(`\s+([,.;:!?])`)
	reDuplicatedPunct            = regexp.MustCompile(`([,.;:!?]){2,}`)
)

// Clean applies the full pre-TTS cleanup pipeline. It is idempotent:
// Clean(Clean(x)) == Clean(x).
func Clean(text string) string {
	text = reSourceTags.ReplaceAllString(text, "")
	text = reCJKBrackets.ReplaceAllString(text, "")
	text = reMarkdownLink.ReplaceAllString(text, "$1")
	text = reBareURL.ReplaceAllString(text, "")
	text = reNumericCitation.ReplaceAllString(text, "")
	text = reSourceBracketShort.ReplaceAllString(text, "")
	text = reSourceBracketLong.ReplaceAllString(text, "")
	text = reFootnote.ReplaceAllString(text, "")
	text = reSourceParenthetical.ReplaceAllString(text, "")
	text = reSourceHeaderLine.ReplaceAllString(text, "")
	text = reSuperscriptDigits.ReplaceAllString(text, "")
	text = reBoldItalic.ReplaceAllString(text, "$1")
	text = reMarkdownHeader.ReplaceAllString(text, "")
	text = reMarkdownBullet.ReplaceAllString(text, "")

	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		stripped := strings.TrimSpace(line)
		if stripped == "" {
			kept = append(kept, line)
			continue
		}
		if reLineSourceHeader.MatchString(stripped) {
			continue
		}
		if reLineNumericOnly.MatchString(stripped) {
			continue
		}
		if reLineNumericURL.MatchString(stripped) {
			continue
		}
		if reLineURLOnly.MatchString(stripped) {
			continue
		}
		kept = append(kept, line)
	}
	text = strings.Join(kept, "\n")

	text = reTrailingSpaceBeforeNewline.ReplaceAllString(text, "\n")
	text = reMultiNewline.ReplaceAllString(text, ". ")
	text = reSingleNewline.ReplaceAllString(text, " ")
	text = reMultiSpace.ReplaceAllString(text, " ")
	text = reSpaceBeforePunct.ReplaceAllString(text, "$1")
	text = reDuplicatedPunct.ReplaceAllString(text, "$1")
	return strings.TrimSpace(text)
}
