// Package broadcast fans live transcript events out to the subscribers of each
// meeting and prunes subscribers whose delivery fails.
package broadcast
