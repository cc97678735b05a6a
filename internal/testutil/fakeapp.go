// Package testutil provides an in-process fake of the cmux control
// socket for tests: a unix-socket server speaking the JSON envelope
// protocol with just enough workspace/surface/palette semantics for the
// regression scenarios to run against it.
package testutil

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// Handler overrides one method. Returning an error produces an ok=false
// envelope carrying the error text.
type Handler func(params map[string]any) (map[string]any, error)

type fakeSurface struct {
	ID    string
	Kind  string
	Label string
}

type fakePane struct {
	ID       string
	Surfaces []*fakeSurface
}

type fakeWorkspace struct {
	ID             string
	WindowID       string
	Panes          []*fakePane
	PaletteVisible bool
	PaletteQuery   string
	SelectedIndex  int
	FocusedAddress string // surface ID whose address bar holds focus, or ""
}

// FakeApp is a scriptable stand-in for a running cmux instance.
type FakeApp struct {
	SocketPath string

	// Overrides replace the default behavior per method.
	Overrides map[string]Handler
	// RawResponses short-circuit a method with a verbatim response line,
	// for exercising undecodable-envelope handling.
	RawResponses map[string]string

	ln net.Listener
	wg sync.WaitGroup

	mu         sync.Mutex
	workspaces map[string]*fakeWorkspace
	current    string
	seq        int
	calls      map[string]int
	closed     bool
}

// StartFakeApp listens on a fresh unix socket and serves until the test
// ends. Cleanup is automatic via t.Cleanup.
func StartFakeApp(t *testing.T) *FakeApp {
	t.Helper()
	dir, err := os.MkdirTemp("", "cmuxfake")
	if err != nil {
		t.Fatalf("fake app tempdir: %v", err)
	}
	app := &FakeApp{
		SocketPath:   filepath.Join(dir, "cmux.sock"),
		Overrides:    map[string]Handler{},
		RawResponses: map[string]string{},
		workspaces:   map[string]*fakeWorkspace{},
		calls:        map[string]int{},
	}
	ln, err := net.Listen("unix", app.SocketPath)
	if err != nil {
		t.Fatalf("fake app listen: %v", err)
	}
	app.ln = ln
	app.wg.Add(1)
	go app.acceptLoop()
	t.Cleanup(func() {
		app.Close()
		_ = os.RemoveAll(dir)
	})
	return app
}

func (a *FakeApp) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()
	_ = a.ln.Close()
	a.wg.Wait()
}

// CallCount reports how many requests for method have been served.
func (a *FakeApp) CallCount(method string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[method]
}

// WorkspaceIDs lists the workspaces that currently exist, in no
// particular order.
func (a *FakeApp) WorkspaceIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.workspaces))
	for id := range a.workspaces {
		ids = append(ids, id)
	}
	return ids
}

func (a *FakeApp) acceptLoop() {
	defer a.wg.Done()
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			return
		}
		a.wg.Add(1)
		go a.serveConn(conn)
	}
}

func (a *FakeApp) serveConn(conn net.Conn) {
	defer a.wg.Done()
	defer conn.Close() //nolint:errcheck
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		response := a.handleLine(line)
		if _, err := conn.Write(append(response, '\n')); err != nil {
			return
		}
	}
}

func (a *FakeApp) handleLine(line string) []byte {
	var req struct {
		ID     string         `json:"id"`
		Method string         `json:"method"`
		Params map[string]any `json:"params"`
	}
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return envelope(nil, fmt.Errorf("malformed request: %v", err))
	}

	a.mu.Lock()
	a.calls[req.Method]++
	raw, hasRaw := a.RawResponses[req.Method]
	override := a.Overrides[req.Method]
	a.mu.Unlock()

	if hasRaw {
		return []byte(raw)
	}
	if override != nil {
		result, err := override(req.Params)
		return envelope(result, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	result, err := a.dispatch(req.Method, req.Params)
	return envelope(result, err)
}

func envelope(result map[string]any, err error) []byte {
	var payload map[string]any
	if err != nil {
		payload = map[string]any{"ok": false, "error": err.Error()}
	} else {
		if result == nil {
			result = map[string]any{}
		}
		payload = map[string]any{"ok": true, "result": result}
	}
	buf, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return []byte(`{"ok":false,"error":"fake app marshal failure"}`)
	}
	return buf
}

var errNoWorkspace = errors.New("no current workspace")

func (a *FakeApp) dispatch(method string, params map[string]any) (map[string]any, error) {
	switch method {
	case "app.activate":
		return nil, nil
	case "workspace.new":
		ws := a.newWorkspace()
		return map[string]any{"workspace_id": ws.ID}, nil
	case "workspace.select":
		id, _ := params["workspace_id"].(string)
		if _, ok := a.workspaces[id]; !ok {
			return nil, fmt.Errorf("unknown workspace %q", id)
		}
		a.current = id
		return nil, nil
	case "workspace.close":
		id, _ := params["workspace_id"].(string)
		if _, ok := a.workspaces[id]; !ok {
			return nil, fmt.Errorf("unknown workspace %q", id)
		}
		delete(a.workspaces, id)
		if a.current == id {
			a.current = ""
		}
		return nil, nil
	case "window.current":
		ws := a.currentWorkspace()
		if ws == nil {
			return nil, errNoWorkspace
		}
		return map[string]any{"window_id": ws.WindowID}, nil
	case "surface.new", "pane.new":
		return a.addSurface(params)
	case "surface.focus":
		ws := a.currentWorkspace()
		if ws == nil {
			return nil, errNoWorkspace
		}
		id, _ := params["surface_id"].(string)
		s := findSurface(ws, id)
		if s == nil {
			return nil, fmt.Errorf("unknown surface %q", id)
		}
		a.focusSurface(ws, s)
		return nil, nil
	case "pane.focus":
		ws := a.currentWorkspace()
		if ws == nil {
			return nil, errNoWorkspace
		}
		id, _ := params["pane_id"].(string)
		for _, pane := range ws.Panes {
			if pane.ID == id && len(pane.Surfaces) > 0 {
				a.focusSurface(ws, pane.Surfaces[0])
				return nil, nil
			}
		}
		return nil, fmt.Errorf("unknown pane %q", id)
	case "surface.list":
		ws := a.currentWorkspace()
		if ws == nil {
			return nil, errNoWorkspace
		}
		var rows []any
		for _, pane := range ws.Panes {
			for _, s := range pane.Surfaces {
				rows = append(rows, surfaceRow(s))
			}
		}
		return map[string]any{"surfaces": rows}, nil
	case "pane.list":
		ws := a.currentWorkspace()
		if ws == nil {
			return nil, errNoWorkspace
		}
		var rows []any
		for _, pane := range ws.Panes {
			rows = append(rows, map[string]any{"pane_id": pane.ID, "label": ""})
		}
		return map[string]any{"panes": rows}, nil
	case "pane.surfaces":
		ws := a.currentWorkspace()
		if ws == nil {
			return nil, errNoWorkspace
		}
		id, _ := params["pane_id"].(string)
		for _, pane := range ws.Panes {
			if pane.ID != id {
				continue
			}
			var rows []any
			for _, s := range pane.Surfaces {
				rows = append(rows, surfaceRow(s))
			}
			return map[string]any{"surfaces": rows}, nil
		}
		return nil, fmt.Errorf("unknown pane %q", id)
	case "input.shortcut":
		name, _ := params["name"].(string)
		return nil, a.shortcut(name)
	case "input.type":
		ws := a.currentWorkspace()
		if ws == nil {
			return nil, errNoWorkspace
		}
		if ws.PaletteVisible {
			text, _ := params["text"].(string)
			ws.PaletteQuery += text
		}
		return nil, nil
	case "debug.browser.address_bar_focused":
		ws := a.currentWorkspace()
		if ws == nil {
			return nil, errNoWorkspace
		}
		focused := ws.FocusedAddress != ""
		if id, ok := params["surface_id"].(string); ok && id != "" {
			focused = ws.FocusedAddress == id
		}
		return map[string]any{"focused": focused}, nil
	case "debug.command_palette.visible":
		ws := a.currentWorkspace()
		if ws == nil {
			return nil, errNoWorkspace
		}
		return map[string]any{"visible": ws.PaletteVisible}, nil
	case "debug.command_palette.toggle":
		ws := a.currentWorkspace()
		if ws == nil {
			return nil, errNoWorkspace
		}
		a.setPalette(ws, !ws.PaletteVisible)
		return nil, nil
	case "debug.command_palette.results":
		ws := a.currentWorkspace()
		if ws == nil {
			return nil, errNoWorkspace
		}
		limit := len(ws.Panes) * 4
		if v, ok := params["limit"].(float64); ok && int(v) > 0 {
			limit = int(v)
		}
		rows := a.paletteRows(ws)
		if len(rows) > limit {
			rows = rows[:limit]
		}
		return map[string]any{"results": rows}, nil
	case "debug.command_palette.selection":
		ws := a.currentWorkspace()
		if ws == nil {
			return nil, errNoWorkspace
		}
		return map[string]any{"selected_index": ws.SelectedIndex}, nil
	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
}

func (a *FakeApp) newWorkspace() *fakeWorkspace {
	a.seq++
	ws := &fakeWorkspace{
		ID:       fmt.Sprintf("WS-%d", a.seq),
		WindowID: fmt.Sprintf("WIN-%d", a.seq),
	}
	a.seq++
	terminal := &fakeSurface{ID: fmt.Sprintf("SF-%d", a.seq), Kind: "terminal", Label: "zsh"}
	a.seq++
	ws.Panes = append(ws.Panes, &fakePane{ID: fmt.Sprintf("PN-%d", a.seq), Surfaces: []*fakeSurface{terminal}})
	a.workspaces[ws.ID] = ws
	return ws
}

func (a *FakeApp) addSurface(params map[string]any) (map[string]any, error) {
	ws := a.currentWorkspace()
	if ws == nil {
		return nil, errNoWorkspace
	}
	panelType, _ := params["panel_type"].(string)
	if panelType == "" {
		panelType = "terminal"
	}
	a.seq++
	surface := &fakeSurface{ID: fmt.Sprintf("SF-%d", a.seq), Kind: panelType, Label: "New Tab"}
	a.seq++
	ws.Panes = append(ws.Panes, &fakePane{ID: fmt.Sprintf("PN-%d", a.seq), Surfaces: []*fakeSurface{surface}})
	a.focusSurface(ws, surface)
	return map[string]any{"surface_id": surface.ID}, nil
}

func findSurface(ws *fakeWorkspace, id string) *fakeSurface {
	for _, pane := range ws.Panes {
		for _, s := range pane.Surfaces {
			if s.ID == id {
				return s
			}
		}
	}
	return nil
}

// focusSurface models cmux's focus routing: a visible palette keeps
// input focus, and a blank browser surface hands focus to its address
// bar as it becomes active.
func (a *FakeApp) focusSurface(ws *fakeWorkspace, s *fakeSurface) {
	if ws.PaletteVisible {
		return
	}
	ws.FocusedAddress = ""
	if s.Kind == "browser" {
		ws.FocusedAddress = s.ID
	}
}

func (a *FakeApp) setPalette(ws *fakeWorkspace, visible bool) {
	ws.PaletteVisible = visible
	if visible {
		// The palette owns input focus while open.
		ws.FocusedAddress = ""
		ws.PaletteQuery = ""
		ws.SelectedIndex = 0
	}
}

func (a *FakeApp) shortcut(name string) error {
	ws := a.currentWorkspace()
	if ws == nil {
		return errNoWorkspace
	}
	switch name {
	case "cmd+p":
		a.setPalette(ws, !ws.PaletteVisible)
	case "down":
		if ws.PaletteVisible && ws.SelectedIndex < len(a.paletteRows(ws))-1 {
			ws.SelectedIndex++
		}
	case "up":
		if ws.PaletteVisible && ws.SelectedIndex > 0 {
			ws.SelectedIndex--
		}
	case "enter":
		if !ws.PaletteVisible {
			return nil
		}
		rows := a.paletteRows(ws)
		ws.PaletteVisible = false
		if ws.SelectedIndex < len(rows) {
			commandID, _ := rows[ws.SelectedIndex]["command_id"].(string)
			prefix := "switcher.surface." + strings.ToLower(ws.ID) + "."
			if strings.HasPrefix(commandID, prefix) {
				target := strings.TrimPrefix(commandID, prefix)
				for _, pane := range ws.Panes {
					for _, s := range pane.Surfaces {
						if strings.ToLower(s.ID) == target {
							a.focusSurface(ws, s)
						}
					}
				}
			}
		}
	}
	return nil
}

func (a *FakeApp) paletteRows(ws *fakeWorkspace) []map[string]any {
	var rows []map[string]any
	for _, pane := range ws.Panes {
		for _, s := range pane.Surfaces {
			rows = append(rows, map[string]any{
				"command_id": fmt.Sprintf("switcher.surface.%s.%s", strings.ToLower(ws.ID), strings.ToLower(s.ID)),
				"title":      s.Label,
			})
		}
	}
	return rows
}

func (a *FakeApp) currentWorkspace() *fakeWorkspace {
	if a.current == "" {
		return nil
	}
	return a.workspaces[a.current]
}

func surfaceRow(s *fakeSurface) map[string]any {
	return map[string]any{"kind": s.Kind, "surface_id": s.ID, "label": s.Label}
}
