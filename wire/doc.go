// Package wire holds protocol-agnostic primitives shared by the IPv4, IPv6
// and TCP frame packages: the ones'-complement checksum accumulator used
// throughout internet checksums, well known IP protocol numbers, and a small
// bit-addressed error accumulator used by each frame's Validate* methods.
package wire
