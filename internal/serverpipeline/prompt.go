package serverpipeline

import "github.com/andi-zehan/voice-assistant/internal/llm"

const baseSystemPrompt = "You are Jarvis, a helpful and concise voice assistant. " +
	"Your responses will be spoken aloud by a text-to-speech engine. " +
	"Be concise and to the point. " +
	"NEVER include citations, reference numbers, URLs, links, footnotes, " +
	"source attributions, or any markup in your responses. " +
	"Do not use markdown, bullet points, numbered lists, or code blocks. " +
	"Just answer naturally as a human would in a spoken conversation. " +
	"If you don't know something, say so honestly. " +
	"Even when web search is used, never mention sources or citations."

var languageNames = map[string]string{
	"en": "English",
	"de": "German",
}

var apologyMessages = map[string]string{
	"en": "Sorry, something went wrong.",
	"de": "Entschuldigung, da ist etwas schiefgelaufen.",
}

// systemPrompt tailors the base prompt to the detected input language, so
// the model replies in kind unless the user explicitly asks otherwise.
func systemPrompt(language string) string {
	if language == "" || language == "en" {
		return baseSystemPrompt
	}
	name, ok := languageNames[language]
	if !ok {
		name = language
	}
	return baseSystemPrompt + " The user is speaking in " + name + ". " +
		"Always respond in " + name + " unless the user explicitly asks " +
		"for a different language (for example, when requesting a translation)."
}

// apologyMessage returns a localized apology sentence for the given
// language, falling back to English.
func apologyMessage(language string) string {
	if msg, ok := apologyMessages[language]; ok {
		return msg
	}
	return apologyMessages["en"]
}

// buildMessages assembles [system, ...history, user] for the LLM call.
func buildMessages(system string, history []llm.Message, userText string) []llm.Message {
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: system})
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: "user", Content: userText})
	return messages
}
