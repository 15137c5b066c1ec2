// Package model defines the decoded form of site stream frames shared by the
// router and its sinks.
//
// Conventions:
//   - Subscription IDs: int64 user IDs
//   - Timestamps: int64 microseconds since Unix epoch
//   - Raw payloads: the inner message JSON, unmodified
package model
