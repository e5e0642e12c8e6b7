// Package server implements the HTTP API: bot start and stop, participant
// join and leave, transcript and attendance queries, the audio ingest and live
// transcript websockets, and the monitoring endpoints.
package server
