// Package regtoken mints the capability token that gates backend.Registry.Register. It lives
// under backend/internal/ so the Go toolchain itself enforces the boundary: only code rooted at
// backend/ (the backend package, its subpackages, and their tests) can import it, so Register is
// a post-init mutation path that neither this module's root and authortools packages nor
// importers of the finished library can reach.
package regtoken

// Token is an unforgeable (outside this module) capability value.
type Token struct{}

// New mints a Token.
func New() Token { return Token{} }
