// Package ir provides the value model and record types shared by every
// scorelog package.
//
// This package imports nothing internal. All other internal packages import
// ir, which keeps it the foundational layer with no import cycles.
//
// Constraints:
//   - no float types anywhere; scores and heights are int64
//   - state is immutable between folds; Object.With/Without copy
//   - ordering always comes from Seq, never from TS
//   - hashes and equality use RFC 8785 canonical JSON
package ir
