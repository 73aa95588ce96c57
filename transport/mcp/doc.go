// Package mcp exposes relay administration to MCP clients.
//
// The mcp package implements a thin client over the relay REST API. Every
// tool issues one HTTP request and renders the JSON answer as text; the
// package holds no relay state of its own.
//
// MCP Tools:
//   - list_rooms: Active rooms with member counts (optional sort and limit)
//   - get_room: Members of one room in join order with their locked elements
//   - relay_stats: Connection, room, member and pending authentication counts
//
// Transport Modes:
//   - Stdio: server.ServeStdio(client.GetMCPServer())
//   - HTTP: client.HTTPHandler() mounted at /mcp, one JSON-RPC message per POST
//
// Usage:
//
//	client := mcp.NewClient("http://localhost:8081", version)
//	router.Handle("/mcp", client.HTTPHandler())
package mcp
