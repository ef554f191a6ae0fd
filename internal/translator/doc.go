// Package translator detects the sender's language and translates text
// between the sender and the bot.
//
// A Service does the work; Gemini is the bundled implementation. Translator
// wraps a Service with the enable_lang_detection and enable_translation
// switches. A nil *Translator reports both switches off, so flows can hold
// one unconditionally.
package translator
