/*
Package objstream serializes graphs of Go values into a tagged binary
stream and reads them back.

A stream starts with a four byte header and carries records: class
descriptors, objects, arrays, strings, back references and block data
written by custom hooks. Every value written once is given a handle;
writing it again, in the same call or a later one, emits a reference, so
shared and cyclic structures survive a round trip. Reset discards the
handles on both ends.

Types are described by a Registry. Struct types are registered with
Register and described field by field; the first exported embedded struct
is the ancestor class. Descriptors carry a 64-bit fingerprint; a reader
binds a stream class to its local type only if names and fingerprints
agree, and then matches fields by name, so fields may be added or removed
between versions. Fields are tagged with `ser:"name"`, `ser:"-"` skips a
field.

Types customize their encoding with hooks, either as methods
(WriteObject, ReadObject, WriteExternal, ReadExternal, WriteReplace,
ReadResolve) or as registration options (WithWriteObject and friends).

For one-shot use, Marshal and Unmarshal wrap a stream in a byte slice; a
Codec adds compression with Snappy, zstd, zlib or Brotli.
*/
package objstream
