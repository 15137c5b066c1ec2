// Package source reads subscription IDs from a file and feeds additions to
// the pool while it runs.
//
// The file holds user IDs separated by newlines, commas or spaces. Text after
// '#' on a line is ignored. Removing an ID from the file does not remove it
// from the pool.
package source
