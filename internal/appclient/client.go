// Package appclient exposes the catalog of control verbs understood by a
// running cmux instance: side-effecting actions (workspace, surface, pane,
// input simulation) and read-only debug queries over UI state.
//
// Action verbs are fire-and-forget. An ok response only means the command
// was accepted; the UI-visible effect is confirmed separately by polling
// the debug queries.
package appclient

import (
	"context"
	"fmt"

	"github.com/g960059/cmuxharness/internal/protocol"
)

type Client struct {
	proto *protocol.Client
}

func New(proto *protocol.Client) *Client {
	return &Client{proto: proto}
}

// Surface is one focusable panel instance as reported by surface.list.
type Surface struct {
	Kind  string
	ID    string
	Label string
}

// Pane is one layout node as reported by pane.list.
type Pane struct {
	ID    string
	Label string
}

// PaletteResult is one row of the command palette result list.
type PaletteResult struct {
	CommandID string
	Title     string
}

func (c *Client) ActivateApp(ctx context.Context) error {
	_, err := c.proto.Call(ctx, "app.activate", nil)
	return err
}

func (c *Client) NewWorkspace(ctx context.Context) (string, error) {
	result, err := c.proto.Call(ctx, "workspace.new", nil)
	if err != nil {
		return "", err
	}
	id := protocol.StringField(result, "workspace_id")
	if id == "" {
		return "", fmt.Errorf("workspace.new returned no workspace_id: %v", result)
	}
	return id, nil
}

func (c *Client) SelectWorkspace(ctx context.Context, workspaceID string) error {
	_, err := c.proto.Call(ctx, "workspace.select", map[string]any{"workspace_id": workspaceID})
	return err
}

func (c *Client) CloseWorkspace(ctx context.Context, workspaceID string) error {
	_, err := c.proto.Call(ctx, "workspace.close", map[string]any{"workspace_id": workspaceID})
	return err
}

func (c *Client) NewSurface(ctx context.Context, panelType string) (string, error) {
	result, err := c.proto.Call(ctx, "surface.new", map[string]any{"panel_type": panelType})
	if err != nil {
		return "", err
	}
	id := protocol.StringField(result, "surface_id")
	if id == "" {
		return "", fmt.Errorf("surface.new returned no surface_id: %v", result)
	}
	return id, nil
}

// NewPane splits in the given direction and hosts a new surface of
// panelType in the new pane, returning the new surface's handle.
func (c *Client) NewPane(ctx context.Context, direction, panelType string) (string, error) {
	result, err := c.proto.Call(ctx, "pane.new", map[string]any{
		"direction":  direction,
		"panel_type": panelType,
	})
	if err != nil {
		return "", err
	}
	id := protocol.StringField(result, "surface_id")
	if id == "" {
		return "", fmt.Errorf("pane.new returned no surface_id: %v", result)
	}
	return id, nil
}

func (c *Client) FocusSurface(ctx context.Context, surfaceID string) error {
	_, err := c.proto.Call(ctx, "surface.focus", map[string]any{"surface_id": surfaceID})
	return err
}

func (c *Client) FocusPane(ctx context.Context, paneID string) error {
	_, err := c.proto.Call(ctx, "pane.focus", map[string]any{"pane_id": paneID})
	return err
}

func (c *Client) ListSurfaces(ctx context.Context) ([]Surface, error) {
	result, err := c.proto.Call(ctx, "surface.list", nil)
	if err != nil {
		return nil, err
	}
	return decodeSurfaces(result, "surfaces"), nil
}

func (c *Client) ListPanes(ctx context.Context) ([]Pane, error) {
	result, err := c.proto.Call(ctx, "pane.list", nil)
	if err != nil {
		return nil, err
	}
	rows, _ := result["panes"].([]any)
	panes := make([]Pane, 0, len(rows))
	for _, row := range rows {
		m, ok := row.(map[string]any)
		if !ok {
			continue
		}
		panes = append(panes, Pane{
			ID:    protocol.StringField(m, "pane_id"),
			Label: protocol.StringField(m, "label"),
		})
	}
	return panes, nil
}

func (c *Client) ListPaneSurfaces(ctx context.Context, paneID string) ([]Surface, error) {
	result, err := c.proto.Call(ctx, "pane.surfaces", map[string]any{"pane_id": paneID})
	if err != nil {
		return nil, err
	}
	return decodeSurfaces(result, "surfaces"), nil
}

// SimulateShortcut injects a named keyboard shortcut, e.g. "cmd+p",
// "down", "enter".
func (c *Client) SimulateShortcut(ctx context.Context, name string) error {
	_, err := c.proto.Call(ctx, "input.shortcut", map[string]any{"name": name})
	return err
}

// SimulateType injects text as sequential keypresses into whatever
// currently holds input focus.
func (c *Client) SimulateType(ctx context.Context, text string) error {
	_, err := c.proto.Call(ctx, "input.type", map[string]any{"text": text})
	return err
}

// CurrentWindowID looks up the handle of the current top-level window.
func (c *Client) CurrentWindowID(ctx context.Context) (string, error) {
	result, err := c.proto.Call(ctx, "window.current", nil)
	if err != nil {
		return "", err
	}
	id := protocol.StringField(result, "window_id")
	if id == "" {
		return "", fmt.Errorf("window.current returned no window_id: %v", result)
	}
	return id, nil
}

// AddressBarFocused reports whether a browser address bar currently holds
// input focus. An empty surfaceID asks about any address bar.
func (c *Client) AddressBarFocused(ctx context.Context, surfaceID string) (bool, error) {
	params := map[string]any{}
	if surfaceID != "" {
		params["surface_id"] = surfaceID
	}
	result, err := c.proto.Call(ctx, "debug.browser.address_bar_focused", params)
	if err != nil {
		return false, err
	}
	return protocol.BoolField(result, "focused"), nil
}

func (c *Client) PaletteVisible(ctx context.Context, windowID string) (bool, error) {
	result, err := c.proto.Call(ctx, "debug.command_palette.visible", map[string]any{"window_id": windowID})
	if err != nil {
		return false, err
	}
	return protocol.BoolField(result, "visible"), nil
}

func (c *Client) TogglePalette(ctx context.Context, windowID string) error {
	_, err := c.proto.Call(ctx, "debug.command_palette.toggle", map[string]any{"window_id": windowID})
	return err
}

// PaletteResults returns up to limit rows of the palette result list,
// skipping rows the application reports in an unexpected shape.
func (c *Client) PaletteResults(ctx context.Context, windowID string, limit int) ([]PaletteResult, error) {
	result, err := c.proto.Call(ctx, "debug.command_palette.results", map[string]any{
		"window_id": windowID,
		"limit":     limit,
	})
	if err != nil {
		return nil, err
	}
	rows, _ := result["results"].([]any)
	out := make([]PaletteResult, 0, len(rows))
	for _, row := range rows {
		m, ok := row.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, PaletteResult{
			CommandID: protocol.StringField(m, "command_id"),
			Title:     protocol.StringField(m, "title"),
		})
	}
	return out, nil
}

// PaletteSelection returns the palette's selected index, clamped to >= 0
// even when the application reports a negative or missing value.
func (c *Client) PaletteSelection(ctx context.Context, windowID string) (int, error) {
	result, err := c.proto.Call(ctx, "debug.command_palette.selection", map[string]any{"window_id": windowID})
	if err != nil {
		return 0, err
	}
	idx, ok := protocol.IntField(result, "selected_index")
	if !ok || idx < 0 {
		return 0, nil
	}
	return idx, nil
}

func decodeSurfaces(result map[string]any, key string) []Surface {
	rows, _ := result[key].([]any)
	surfaces := make([]Surface, 0, len(rows))
	for _, row := range rows {
		m, ok := row.(map[string]any)
		if !ok {
			continue
		}
		surfaces = append(surfaces, Surface{
			Kind:  protocol.StringField(m, "kind"),
			ID:    protocol.StringField(m, "surface_id"),
			Label: protocol.StringField(m, "label"),
		})
	}
	return surfaces
}
