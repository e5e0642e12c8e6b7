// Package bot manages the automated participant that joins a meeting, relays
// its audio into the transcription pipeline and reconciles the participant
// list into attendance records.
package bot
