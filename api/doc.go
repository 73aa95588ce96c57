// Package api provides the HTTP admin API for the collaboration relay.
//
// The api package implements:
//   - Read-only room and connection inspection
//   - Health reporting
//   - Mounting of the WebSocket, Prometheus and static file handlers
//
// Endpoints:
//
//   - GET /api/health - Liveness, version and uptime
//   - GET /api/stats - Connection, room, member and pending auth counts
//   - GET /api/rooms - Rooms with member counts (sort=members|id, order=asc|desc, limit=N)
//   - GET /api/rooms/{room} - Members of one room in join order
//   - GET /ws - WebSocket upgrade
//   - GET /metrics - Prometheus metrics
//   - GET / - Static files
//
// Usage:
//
//	srv := api.NewServer(r, api.Options{
//		WebSocket: hub,
//		Metrics:   metrics.Handler(reg),
//		StaticDir: "./static/",
//	})
//	http.ListenAndServe(addr, srv)
//
// Error Handling:
//
// Errors are returned as JSON with an HTTP status code:
//
//	{
//	  "error": "room not found"
//	}
//
// An unknown room is 404, a malformed room id 400 and a stopped relay 503.
package api
