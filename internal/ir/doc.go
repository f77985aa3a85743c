// Package ir provides the canonical value and record types shared by every
// cardrt package.
//
// This package contains data definitions and their canonical encodings only.
// All other internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - NO float types anywhere. Musical time is expressed in integer ticks.
//   - All JSON tags use snake_case.
//   - Ordering uses logical sequence numbers, never wall-clock timestamps.
//   - Content-addressed ids are SHA-256 over RFC 8785 canonical JSON with
//     domain separation (see hash.go).
package ir
