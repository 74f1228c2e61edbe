// Package server is the HTTP surface of the change-over planner: routing,
// middleware, session and download tokens, handlers over the domain
// packages, health probes, metrics and the background jobs (stale upload
// cleanup and the overdue digest mailer).
package server
