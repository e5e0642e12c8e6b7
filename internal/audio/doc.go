// Package audio turns raw PCM frames into transcription windows.
// FrameGate aggregates frames with optional voice-activity gating, WindowBuffer
// rate-limits window submissions with overlap, and wav.go wraps clips as WAV.
package audio
