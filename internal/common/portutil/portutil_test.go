package portutil

import (
	"strings"
	"testing"
)

func TestAllocatePort(t *testing.T) {
	port, err := AllocatePort()
	if err != nil {
		t.Fatalf("AllocatePort() failed: %v", err)
	}
	if port <= 0 || port > 65535 {
		t.Errorf("AllocatePort() returned invalid port: %d", port)
	}
}

func TestTransformCommandNoPlaceholder(t *testing.T) {
	cmd, env, err := TransformCommand("npm run dev")
	if err != nil {
		t.Fatalf("TransformCommand() failed: %v", err)
	}
	if cmd != "npm run dev" {
		t.Errorf("command changed without placeholders: %q", cmd)
	}
	if len(env) != 0 {
		t.Errorf("expected empty env, got %v", env)
	}
}

func TestTransformCommandReplacesPlaceholders(t *testing.T) {
	cmd, env, err := TransformCommand("serve --port $PORT --url http://localhost:${PORT}")
	if err != nil {
		t.Fatalf("TransformCommand() failed: %v", err)
	}
	port, ok := env["PORT"]
	if !ok {
		t.Fatal("PORT not allocated")
	}
	if strings.Contains(cmd, "$") {
		t.Errorf("placeholder left in command: %q", cmd)
	}
	// Same placeholder, same port, both syntaxes.
	if strings.Count(cmd, port) != 2 {
		t.Errorf("expected port %s twice in %q", port, cmd)
	}
}

func TestTransformCommandDistinctPlaceholders(t *testing.T) {
	_, env, err := TransformCommand("run --api $API_PORT --web $WEB_PORT")
	if err != nil {
		t.Fatalf("TransformCommand() failed: %v", err)
	}
	if len(env) != 2 {
		t.Fatalf("expected 2 allocations, got %v", env)
	}
	if env["API_PORT"] == env["WEB_PORT"] {
		t.Error("distinct placeholders got the same port")
	}
}

func TestPortFromURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
		port int
		ok   bool
	}{
		{"explicit port", "http://localhost:3000", 3000, true},
		{"explicit port with path", "http://127.0.0.1:8080/app", 8080, true},
		{"https default", "https://example.com", 443, true},
		{"http default", "http://example.com/x", 80, true},
		{"websocket", "ws://localhost:9229", 9229, true},
		{"empty", "", 0, false},
		{"no host", "/relative/path", 0, false},
		{"unknown scheme no port", "ftp://example.com", 0, false},
		{"port out of range", "http://localhost:99999", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port, ok := PortFromURL(tt.url)
			if ok != tt.ok {
				t.Fatalf("PortFromURL(%q) ok = %v, want %v", tt.url, ok, tt.ok)
			}
			if ok && port != tt.port {
				t.Errorf("PortFromURL(%q) = %d, want %d", tt.url, port, tt.port)
			}
		})
	}
}

func TestReclaimFreePort(t *testing.T) {
	port, err := AllocatePort()
	if err != nil {
		t.Fatalf("AllocatePort() failed: %v", err)
	}
	// Nothing listens on the freshly allocated port; reclaim is a no-op.
	if err := ReclaimPort(port); err != nil {
		t.Errorf("ReclaimPort(%d) on free port failed: %v", port, err)
	}
}
