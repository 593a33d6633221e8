// Package iso8583 owns the bitmap-addressed message codec.
//
// Ownership boundary:
// - message type indicator (MTI) classification
// - primary/secondary bitmap handling
// - typed field encode/decode against a Dictionary
//
// Decode never reads past the buffer it is given. Every length indicator is
// checked against the remaining bytes before any slice is taken.
package iso8583
