// Package video holds the in-memory representation of video data used by the
// rest of the repository, plus the lazy directory dataset that feeds training.
//
// Layout and intended usage:
//
// Frame
//   - A single grayscale image stored row-major in a contiguous float32 buffer.
//   - Frames are treated as immutable once they are handed to a model or the
//     evaluator; transforms always return new frames.
//
// Clip
//   - An ordered run of frames for one video. All frames share the same shape.
//
// Batch
//   - A set of clips of equal length and shape, indexed by
//     (clip index, frame index, spatial position). Loaders crop clips of a
//     batch to the shortest one and log which clips were cropped.
package video
