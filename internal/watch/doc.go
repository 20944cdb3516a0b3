// Package watch defines the domain types and collaborator interfaces shared by
// the scanner, scheduler, feed renderer and HTTP layer.
package watch
