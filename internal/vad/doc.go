// Package vad provides energy-based voice activity detection for PCM-16 frames.
// Frames are classified by smoothed RMS energy against a configurable threshold.
package vad
