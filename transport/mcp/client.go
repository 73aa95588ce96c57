package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/wricardo/collab-relay/collab/registry"
	"github.com/wricardo/collab-relay/collab/relay"
)

// Client is a thin MCP client that proxies to the REST API
type Client struct {
	baseURL    string
	version    string
	httpClient *http.Client
	mcpServer  *server.MCPServer
}

// NewClient creates a new MCP client that calls the REST API
func NewClient(baseURL, version string) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		version: version,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	c.initMCPServer()
	return c
}

// initMCPServer initializes the MCP server with all tools
func (c *Client) initMCPServer() {
	c.mcpServer = server.NewMCPServer(
		"Collaboration Relay",
		c.version,
		server.WithToolCapabilities(true),
		server.WithInstructions(`Collaboration Relay - MCP Interface

This is a read-only admin client that proxies all requests to the relay REST API.

The relay fans out presence and element lock events between editors of the
same document. Rooms are named superposter-edit-<id> and exist only while
someone is subscribed.

AVAILABLE TOOLS:
- list_rooms: Active rooms with member counts
- get_room: Members of one room with the elements each one has locked
- relay_stats: Connection, room, member and pending authentication counts`),
	)

	c.registerTools()
}

// registerTools registers all MCP tools
func (c *Client) registerTools() {
	c.mcpServer.AddTool(mcp.Tool{
		Name:        "list_rooms",
		Description: "List active rooms with their member counts",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"sort": map[string]interface{}{
					"type":        "string",
					"description": "Sort by 'members' (default) or 'id'",
					"enum":        []string{"members", "id"},
				},
				"limit": map[string]interface{}{
					"type":        "number",
					"description": "Maximum number of rooms to return (optional)",
				},
			},
		},
	}, c.handleListRooms)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "get_room",
		Description: "Get the members of a room in join order, with their locked elements",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"room": map[string]interface{}{
					"type":        "string",
					"description": "Room id, e.g. superposter-edit-42",
				},
			},
			Required: []string{"room"},
		},
	}, c.handleGetRoom)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "relay_stats",
		Description: "Get connection, room, member and pending authentication counts",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, c.handleStats)
}

// GetMCPServer returns the underlying MCP server for serving
func (c *Client) GetMCPServer() *server.MCPServer {
	return c.mcpServer
}

// HTTPHandler serves single JSON-RPC messages posted to it.
func (c *Client) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Failed to read request", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		response := c.mcpServer.HandleMessage(r.Context(), body)
		if response == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}

		responseData, err := json.Marshal(response)
		if err != nil {
			http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(responseData)
	})
}

// Helper methods for API calls

func (c *Client) apiCall(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp map[string]string
		json.NewDecoder(resp.Body).Decode(&errResp)
		if msg, ok := errResp["error"]; ok {
			return fmt.Errorf("%s", msg)
		}
		return fmt.Errorf("API error: %d", resp.StatusCode)
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}

	return nil
}

func arguments(request mcp.CallToolRequest) map[string]interface{} {
	args, _ := request.Params.Arguments.(map[string]interface{})
	return args
}

// Tool handlers

func (c *Client) handleListRooms(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)

	query := url.Values{}
	if sortBy, _ := args["sort"].(string); sortBy != "" {
		query.Set("sort", sortBy)
	}
	if limit, ok := args["limit"].(float64); ok && limit > 0 {
		query.Set("limit", strconv.Itoa(int(limit)))
	}
	path := "/api/rooms"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var response struct {
		Count int                 `json:"count"`
		Total int                 `json:"total"`
		Rooms []registry.RoomInfo `json:"rooms"`
	}
	if err := c.apiCall(ctx, http.MethodGet, path, nil, &response); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(formatRooms(response.Rooms, response.Total)), nil
}

func (c *Client) handleGetRoom(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	room, _ := arguments(request)["room"].(string)
	if room == "" {
		return mcp.NewToolResultError("room is required"), nil
	}

	var detail relay.RoomDetail
	if err := c.apiCall(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(room), nil, &detail); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(formatRoom(&detail)), nil
}

func (c *Client) handleStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var stats relay.Stats
	if err := c.apiCall(ctx, http.MethodGet, "/api/stats", nil, &stats); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Relay Stats:\nConnections: %d\nRooms: %d\nMembers: %d\nPending authentication: %d\n",
		stats.Connections, stats.Rooms, stats.Members, stats.PendingAuth,
	)), nil
}

func formatRooms(rooms []registry.RoomInfo, total int) string {
	if len(rooms) == 0 {
		return "No active rooms.\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Active Rooms (%d of %d):\n\n", len(rooms), total)
	for _, r := range rooms {
		fmt.Fprintf(&b, "- %s (%d members)\n", r.ID, r.Members)
	}
	return b.String()
}

func formatRoom(detail *relay.RoomDetail) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Room: %s\nMembers (%d):\n\n", detail.ID, len(detail.Members))
	for i, m := range detail.Members {
		locks := "none"
		if len(m.LockedElements) > 0 {
			locks = strings.Join(m.LockedElements, ", ")
		}
		fmt.Fprintf(&b, "%d. %s (window %s) locks: %s\n", i+1, m.Username, m.WindowID, locks)
	}
	return b.String()
}
