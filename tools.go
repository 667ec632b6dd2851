//go:build tools

package tools

// Tool dependencies were previously tracked here with blank imports.
// mockery v3 is used as an installed binary (not via go run), so no
// import is needed. The fakes under internal/mock are hand-written;
// no mockery configuration is kept in this repository.
