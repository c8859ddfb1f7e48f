// Package session keeps connection sessions and the shared presence view in
// Redis so that every server node can see which users are online and where.
package session
