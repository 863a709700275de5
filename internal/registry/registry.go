// Package registry implements the gateway's namespaced tool catalog
// (C3): the single source of truth mapping a public, collision-free
// tool name back to the child supervisor that serves it.
package registry

import (
	"regexp"
	"strings"
	"sync"

	"hydra-gateway/internal/jsonrpc"
)

var nonSlugRunes = regexp.MustCompile(`[^a-z0-9]+`)

// Namespace derives the namespace prefix for a child display name:
// lowercase, then collapse every run of characters outside [a-z0-9]
// into a single underscore.
func Namespace(childName string) string {
	lowered := strings.ToLower(childName)
	return nonSlugRunes.ReplaceAllString(lowered, "_")
}

// PublicName derives the registry's public tool name for a child's
// tool: "<namespace>.<originalName>".
func PublicName(childName, originalName string) string {
	return Namespace(childName) + "." + originalName
}

// PresentedDescription prefixes a tool's original description with its
// child's display name, e.g. "[Child A] finds things", or just
// "[Child A]" when the tool reports no description.
func PresentedDescription(childName, originalDescription string) string {
	if originalDescription == "" {
		return "[" + childName + "]"
	}
	return "[" + childName + "] " + originalDescription
}

// entry is one registered tool: its descriptor as reported by the
// child plus enough to route a call back to it.
type entry struct {
	childID      string
	originalName string
	descriptor   jsonrpc.ToolDescriptor
}

// Registry is the gateway's in-memory tool catalog. Safe for
// concurrent use.
type Registry struct {
	mu sync.RWMutex
	// byPublicName holds the winning registration for each public name.
	byPublicName map[string]entry
	// byChild tracks which public names a given child currently owns,
	// so Unregister can remove exactly its own entries.
	byChild map[string]map[string]struct{}
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		byPublicName: make(map[string]entry),
		byChild:      make(map[string]map[string]struct{}),
	}
}

// DroppedTool describes a tool that lost a namespace collision and was
// not registered, for logging by the caller.
type DroppedTool struct {
	PublicName   string
	ChildID      string
	OriginalName string
}

// Register adds every tool a child reports, deriving each public name
// from childName per the namespacing rule. The first registration of a
// given public name wins; later duplicates (including a second
// registration attempt for the same child, e.g. after a restart that
// reuses the same ID) are reported back as dropped rather than
// silently discarded.
func (r *Registry) Register(childID, childName string, tools []jsonrpc.ToolDescriptor) []DroppedTool {
	r.mu.Lock()
	defer r.mu.Unlock()

	var dropped []DroppedTool
	owned, ok := r.byChild[childID]
	if !ok {
		owned = make(map[string]struct{})
		r.byChild[childID] = owned
	}

	for _, tool := range tools {
		public := PublicName(childName, tool.Name)
		if _, exists := r.byPublicName[public]; exists {
			dropped = append(dropped, DroppedTool{PublicName: public, ChildID: childID, OriginalName: tool.Name})
			continue
		}
		presented := tool
		presented.Description = PresentedDescription(childName, tool.Description)
		r.byPublicName[public] = entry{childID: childID, originalName: tool.Name, descriptor: presented}
		owned[public] = struct{}{}
	}
	return dropped
}

// Unregister removes every tool currently owned by childID, e.g. when
// its supervisor stops or crashes.
func (r *Registry) Unregister(childID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	owned, ok := r.byChild[childID]
	if !ok {
		return
	}
	for public := range owned {
		delete(r.byPublicName, public)
	}
	delete(r.byChild, childID)
}

// Resolved is what Resolve returns: enough to route a tools/call.
type Resolved struct {
	ChildID      string
	OriginalName string
}

// Resolve looks up a public tool name, returning the owning child and
// the tool's original (non-namespaced) name.
func (r *Registry) Resolve(publicName string) (Resolved, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byPublicName[publicName]
	if !ok {
		return Resolved{}, false
	}
	return Resolved{ChildID: e.childID, OriginalName: e.originalName}, true
}

// PublicListing is a single tool as exposed by tools/list at the front
// end: the descriptor with its name rewritten to the public,
// namespaced form.
type PublicListing struct {
	jsonrpc.ToolDescriptor
	ChildID string
}

// List returns every currently registered tool in an unspecified
// order, with names already rewritten to their public form.
func (r *Registry) List() []PublicListing {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PublicListing, 0, len(r.byPublicName))
	for public, e := range r.byPublicName {
		d := e.descriptor
		d.Name = public
		out = append(out, PublicListing{ToolDescriptor: d, ChildID: e.childID})
	}
	return out
}

// Search returns every registered tool whose public name or
// description contains query, case-insensitively. An empty query
// matches everything (equivalent to List).
func (r *Registry) Search(query string) []PublicListing {
	if query == "" {
		return r.List()
	}
	needle := strings.ToLower(query)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []PublicListing
	for public, e := range r.byPublicName {
		if strings.Contains(strings.ToLower(public), needle) || strings.Contains(strings.ToLower(e.descriptor.Description), needle) {
			d := e.descriptor
			d.Name = public
			out = append(out, PublicListing{ToolDescriptor: d, ChildID: e.childID})
		}
	}
	return out
}

// Count returns the total number of registered public tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPublicName)
}
