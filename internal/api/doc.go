// Package api exposes the REST surface for managing escrow projects,
// proposals and disputes. Routes follow the net/http ServeMux method and
// wildcard patterns; authentication is an optional middleware layer.
package api
