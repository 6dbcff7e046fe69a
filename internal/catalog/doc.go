// Package catalog maps process kind names to factories so that processes can
// be built from JSON requests, and provides the built-in kinds.
package catalog
