// Package tuple defines the data model of the space: typed nullable field
// values, entries, templates, entry-type schemas and the hash/mask
// descriptors used to reject non-matching entries without comparing fields.
//
// This package imports nothing internal. Everything above it (store, space,
// transport) speaks in tuple types.
//
// Key constraints:
//   - Field values are String, Int, Bool or Bytes. nil is null in an entry
//     and a wildcard in a template.
//   - No floats. Numbers are int64.
//   - Strings are NFC-normalized before they are hashed or compared, so two
//     entries that render identically also match identically.
//   - A descriptor pre-filter never produces a false negative: if a template
//     matches an entry field by field, Descriptor.Admits accepts the entry hash.
package tuple
