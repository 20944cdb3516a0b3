// Package api hosts the two HTTP listeners and their middleware:
//   - the feed listener serves GET /{channel} as Atom.
//   - the admin listener registers channels with POST /{channel}, lists them
//     with GET /channels, and exposes /healthz and /metrics.
package api
