// Package transcription implements the HTTP client for an OpenAI-compatible
// speech-to-text API. It uploads WAV clips as multipart form data, bounds
// concurrent requests and optionally retries with exponential backoff.
package transcription
