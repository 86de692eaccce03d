// Package kestrel defines the core data model shared by every layer of the
// huntflow engine: typed values, result tables, and declared query schemas.
// The compiler, the backend interfaces, the session cache, and the runtime
// all speak in terms of these types; none of them carries its own row
// representation.
package kestrel

// Version of the engine, stamped into session logs and explain output.
const Version = "0.4.0"
