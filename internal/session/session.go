// Package session keeps a per-connection presence record in Redis so that
// operators and other services can see which devices are connected to which
// server and whether they are paired. The pairing engine never reads it.
package session
