// Package httputil provides shared HTTP response/request utilities for handlers.
//
// Every handler writes through these helpers instead of raw
// http.ResponseWriter calls, so all endpoints return the same envelope:
//
//	{"success": true,  "data": {...},        "timestamp": "2026-01-02T15:04:05Z"}
//	{"success": false, "error": "message",   "timestamp": "2026-01-02T15:04:05Z"}
package httputil
