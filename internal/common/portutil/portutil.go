// Package portutil handles the port lifecycle around dev-server style
// commands: allocating free ports for $PORT placeholders, parsing the
// port out of a context URL, and reclaiming a port from a stale process.
package portutil

import (
	"fmt"
	"net"
	"net/url"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Regex matches $PORT, ${PORT}, $API_PORT, ${API_PORT}, etc.
// Pattern: $VAR or ${VAR} where VAR contains PORT (with optional prefix/suffix)
var placeholderRegex = regexp.MustCompile(`\$\{?([A-Z_]*PORT[A-Z0-9_]*)\}?`)

// AllocatePort allocates an available port using OS assignment.
// This approach is thread-safe and avoids port conflicts.
func AllocatePort() (int, error) {
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate port: %w", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	addr := listener.Addr().(*net.TCPAddr)
	return addr.Port, nil
}

// TransformCommand detects port placeholders in a command string,
// allocates ports for each unique placeholder, and returns the
// transformed command with placeholders replaced and an environment
// variable map. Multiple occurrences of the same placeholder get the
// same port.
func TransformCommand(command string) (string, map[string]string, error) {
	uniquePlaceholders := findUniquePlaceholders(command)

	if len(uniquePlaceholders) == 0 {
		return command, make(map[string]string), nil
	}

	portEnv := make(map[string]string)
	for _, placeholder := range uniquePlaceholders {
		port, err := AllocatePort()
		if err != nil {
			return "", nil, fmt.Errorf("failed to allocate port for %s: %w", placeholder, err)
		}
		portEnv[placeholder] = strconv.Itoa(port)
	}

	transformedCommand := command
	for placeholder, portStr := range portEnv {
		transformedCommand = strings.ReplaceAll(transformedCommand, "${"+placeholder+"}", portStr)
		transformedCommand = strings.ReplaceAll(transformedCommand, "$"+placeholder, portStr)
	}

	return transformedCommand, portEnv, nil
}

// findUniquePlaceholders extracts unique placeholder names from a
// command string, without the $ or ${} prefix/suffix.
func findUniquePlaceholders(command string) []string {
	matches := placeholderRegex.FindAllStringSubmatch(command, -1)

	if len(matches) == 0 {
		return []string{}
	}

	uniqueMap := make(map[string]bool)
	for _, match := range matches {
		if len(match) > 1 {
			uniqueMap[match[1]] = true
		}
	}

	result := make([]string, 0, len(uniqueMap))
	for placeholder := range uniqueMap {
		result = append(result, placeholder)
	}

	return result
}

// PortFromURL extracts the TCP port from a context URL. An explicit
// port wins; otherwise the scheme default applies (80/443). Returns
// false for URLs with no derivable port.
func PortFromURL(rawURL string) (int, bool) {
	if rawURL == "" {
		return 0, false
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return 0, false
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return 0, false
		}
		return port, true
	}
	switch u.Scheme {
	case "http", "ws":
		return 80, true
	case "https", "wss":
		return 443, true
	}
	return 0, false
}

// ReclaimPort terminates whatever process is listening on port so a
// restarted command can bind it. Best effort: failures are returned for
// logging but never block the command that follows.
func ReclaimPort(port int) error {
	out, err := exec.Command("lsof", "-ti", fmt.Sprintf("tcp:%d", port)).Output()
	if err != nil {
		// lsof exits non-zero when nothing listens; the port is free.
		return nil
	}

	var pids []int
	for _, field := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	if len(pids) == 0 {
		return nil
	}

	for _, pid := range pids {
		_ = exec.Command("kill", "-TERM", strconv.Itoa(pid)).Run()
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if portFree(port) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	for _, pid := range pids {
		_ = exec.Command("kill", "-KILL", strconv.Itoa(pid)).Run()
	}
	if !portFree(port) {
		return fmt.Errorf("port %d still occupied after kill", port)
	}
	return nil
}

func portFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
