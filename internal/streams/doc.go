// Package streams holds the byte and message transforms wired between a
// sandbox process and its consumers. Every transform is an io.Writer so they
// compose with io.MultiWriter and io.Copy; discrete messages are delivered as
// one Write call each (see CopyMessages).
package streams
