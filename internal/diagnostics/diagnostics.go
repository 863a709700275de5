// Package diagnostics implements the gateway's operator-facing surface
// (C10): a gin HTTP API and web UI for inspecting child status and the
// tool catalog, kept deliberately separate from the protocol-facing
// /mcp endpoint in internal/httpapi. It is adapted from the teacher
// gateway's gin handler package and inline web UI, repointed at
// supervisor status and namespaced tools instead of Docker services.
package diagnostics

import (
	"context"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"hydra-gateway/internal/gateway"
	"hydra-gateway/internal/jsonrpc"
	"hydra-gateway/internal/registry"
)

// APIResponse is the standard response envelope for every JSON route
// this package serves.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Handler serves the diagnostics API and web UI against a live
// *gateway.Manager.
type Handler struct {
	manager *gateway.Manager
}

// NewHandler wraps manager for diagnostics serving.
func NewHandler(manager *gateway.Manager) *Handler {
	return &Handler{manager: manager}
}

// Register mounts every diagnostics route onto engine.
func (h *Handler) Register(engine *gin.Engine) {
	engine.GET("/", h.WebUI)
	api := engine.Group("/api/v1")
	api.GET("/status", h.GetStatus)
	api.GET("/tools", h.SearchTools)
	api.GET("/tools/:name/skill", h.GenerateSkill)
	api.Any("/hooks/*path", h.Hooks)
}

// GetStatus returns every known child's current state.
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: h.manager.Status()})
}

// SearchTools returns the tool catalog, optionally filtered by the "q"
// query parameter.
func (h *Handler) SearchTools(c *gin.Context) {
	query := c.Query("q")
	results := h.manager.Registry().Search(query)
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: results})
}

// GenerateSkill renders a SKILL.md-style document describing a single
// namespaced tool, for pasting into an agent's skill library.
func (h *Handler) GenerateSkill(c *gin.Context) {
	name := c.Param("name")
	results := h.manager.Registry().Search(name)

	var found *registry.PublicListing
	for i := range results {
		if results[i].Name == name {
			found = &results[i]
			break
		}
	}
	if found == nil {
		c.JSON(http.StatusNotFound, APIResponse{Success: false, Error: fmt.Sprintf("tool %q not found", name)})
		return
	}

	c.JSON(http.StatusOK, APIResponse{Success: true, Data: generateSkillMarkdown(*found, c.Request.Host)})
}

func generateSkillMarkdown(tool registry.PublicListing, host string) string {
	var buf strings.Builder

	buf.WriteString(fmt.Sprintf("# %s\n\n", tool.Name))
	if tool.Description != "" {
		buf.WriteString(fmt.Sprintf("%s\n\n", tool.Description))
	}
	buf.WriteString("## Usage\n\n")
	buf.WriteString("```bash\n")
	buf.WriteString(fmt.Sprintf("curl -X POST \"http://%s/mcp\" \\\n", host))
	buf.WriteString("  -H \"Content-Type: application/json\" \\\n")
	buf.WriteString(fmt.Sprintf("  -d '{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"tools/call\",\"params\":{\"name\":%q,\"arguments\":{}}}'\n", tool.Name))
	buf.WriteString("```\n")

	if len(tool.InputSchema) > 0 {
		buf.WriteString("\n## Input schema\n\n```json\n")
		buf.WriteString(string(tool.InputSchema))
		buf.WriteString("\n```\n")
	}

	return buf.String()
}

// Hooks is the C13 extension point: the collaborator interface for a
// hooks/* protocol extension, kept outside the gateway core. Its only
// implementation here is noopHooks, which reports method-not-found.
type Hooks interface {
	Handle(ctx context.Context, method string, params []byte) (interface{}, *jsonrpc.Error)
}

// noopHooks is the default Hooks implementation: every call is
// unimplemented.
type noopHooks struct{}

func (noopHooks) Handle(ctx context.Context, method string, params []byte) (interface{}, *jsonrpc.Error) {
	return nil, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "hooks not configured: " + method}
}

// Hooks handles requests under /api/v1/hooks/* by passing them to
// noopHooks and answering 501 with its error message. Handler has no
// way to install a different Hooks implementation.
func (h *Handler) Hooks(c *gin.Context) {
	method := strings.TrimPrefix(c.Param("path"), "/")
	_, rpcErr := noopHooks{}.Handle(c.Request.Context(), method, nil)
	c.JSON(http.StatusNotImplemented, APIResponse{Success: false, Error: rpcErr.Message})
}

// WebUI serves a minimal operator dashboard listing child status and
// the tool catalog.
func (h *Handler) WebUI(c *gin.Context) {
	tmpl := `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Hydra Gateway</title>
    <style>
        body { background: #13162b; color: #e8e8f0; font-family: system-ui, sans-serif; margin: 0; }
        .container { max-width: 960px; margin: 0 auto; padding: 2rem; }
        h1 { font-size: 1.8rem; }
        .card { background: rgba(255,255,255,0.05); border: 1px solid rgba(255,255,255,0.1); border-radius: 8px; padding: 1rem; margin-bottom: 0.75rem; }
        .status-ready { color: #4ade80; }
        .status-error { color: #f87171; }
        .status-starting, .status-stopped { color: #9ca3af; }
        code { background: rgba(255,255,255,0.08); padding: 0.1rem 0.35rem; border-radius: 4px; }
    </style>
</head>
<body>
    <div class="container">
        <h1>Hydra Gateway</h1>
        <p>Aggregated MCP tool catalog and child status.</p>
        <div id="children"></div>
        <h2>Tools</h2>
        <div id="tools"></div>
    </div>
    <script>
        async function load() {
            const statusResp = await fetch('/api/v1/status');
            const snapshot = (await statusResp.json()).data || {};
            const servers = snapshot.Servers || [];
            document.getElementById('children').innerHTML = servers.map(s =>
                '<div class="card"><strong>' + s.ChildName + '</strong> ' +
                '<span class="status-' + s.Status + '">' + s.Status + '</span>' +
                ' &mdash; ' + s.ToolCount + ' tools' +
                (s.Error ? '<div><code>' + s.Error + '</code></div>' : '') +
                '</div>'
            ).join('') || '<p>No children configured.</p>';

            const toolsResp = await fetch('/api/v1/tools');
            const tools = (await toolsResp.json()).data || [];
            document.getElementById('tools').innerHTML = tools.map(t =>
                '<div class="card"><code>' + t.name + '</code><div>' + (t.description || '') + '</div></div>'
            ).join('') || '<p>No tools registered.</p>';
        }
        load();
        setInterval(load, 10000);
    </script>
</body>
</html>`

	t, err := template.New("dashboard").Parse(tmpl)
	if err != nil {
		c.String(http.StatusInternalServerError, "template error: "+err.Error())
		return
	}
	t.Execute(c.Writer, nil)
}
