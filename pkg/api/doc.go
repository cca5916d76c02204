// Package api exposes the HTTP surface: tenant-facing billing endpoints,
// the processor webhook endpoint, and the health and metrics endpoints.
package api
