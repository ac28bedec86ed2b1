// Package types defines the data types shared by the replay memory, the
// ingestion path and the worker transport.
//
// Key types:
//   - Sample: one environment step as produced by a rollout worker
//   - Buffer: an ordered batch of samples plus finished-episode stats
//   - Observation: the per-variant observation (lidar, image, telemetry)
//   - Transition / Trajectory: windows reconstructed from stored rows
//
// A stored Sample pairs PriorAction with the observation it produced,
// not with the observation it was computed from.
package types
