// Package meeting holds the domain types shared by the live pipeline:
// transcript segments, attendance records and participant entries.
package meeting
