// Package cipher implements the reversible character substitution used to
// cloak page text.
//
// A secret key and a per-page nonce drive a small Feistel network over 27
// slots (the 26 letters plus space). The network yields three disjoint
// bijections, collected in a MappingTable: upper-case letters, lower-case
// letters plus space, and a special table for the remaining sentinel
// characters. Encode and Decode apply a table character by character; both
// degrade to the identity when no table is available so callers never show
// blank text.
//
// The scheme only defeats naive scraping. Anyone able to call the transform
// service can recover the mapping.
package cipher
