// Package storage persists transcript segments and attendance records.
// MemoryStore serves tests and single-process deployments; MongoStore writes
// to the transcript_segments and attendance_records collections.
package storage
