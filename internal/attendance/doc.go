// Package attendance records participant join and leave events for a meeting,
// ignoring repeated joins within a short de-duplication window.
package attendance
