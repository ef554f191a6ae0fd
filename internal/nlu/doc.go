// Package nlu classifies free text into intents.
//
// Two adapters implement Adapter:
//
//   - Rules: ordered, case-insensitive regular expressions per intent. Named
//     capture groups and entity rules fill Intent.Parameters.
//   - Gemini: prompts a Gemini model with the intent catalog through the
//     google.golang.org/genai SDK and expects a JSON answer.
//
// Both return an intent named by the configured unknown sentinel when nothing
// matches, and for sentences longer than 256 bytes. Errors are reserved for
// transport and authentication failures.
package nlu
