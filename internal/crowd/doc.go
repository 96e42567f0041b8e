// Package crowd owns the per-frame crowd analytics.
//
// Responsibilities: social-distance violations, abnormal-activity
// detection, the restricted time-of-day window, alert hold counters,
// and per-track movement recording.
// Key types: TrackedPerson, FrameContext, CrowdEvent, MovementRecord.
//
// Everything here is synchronous and owned by a single frame loop. The
// package performs no I/O apart from handing finalized records to a
// MovementSink, and it never mutates the tracker-owned TrackedPerson
// values it is given.
package crowd
