// Package stream is the registry of per-meeting sessions. A session owns the
// frame gate, transcription window buffer and voice activity processor for a
// meeting; the manager also owns attendance trackers and tears everything down
// explicitly or after an idle timeout.
package stream
