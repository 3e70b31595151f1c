package agentwire

import (
	"bytes"
	"encoding/json"
)

// Decode classifies one framed line from the agent's stdout.
//
// Agent CLIs sometimes prefix a record with terminal escape noise, so a
// line that does not parse as-is is salvaged by scanning forward to the
// first '{' and retrying. A line with no parseable record is returned as
// KindRawText with the original bytes, never an error: malformed output
// must not crash the pipeline.
func Decode(line []byte) Event {
	raw := line
	env, ok := tryUnmarshal(line)
	if !ok {
		if idx := bytes.IndexByte(line, '{'); idx > 0 {
			if salvaged, sok := tryUnmarshal(line[idx:]); sok {
				env = salvaged
				raw = line[idx:]
				ok = true
			}
		}
	}
	if !ok {
		return Event{Kind: KindRawText, Raw: line}
	}

	ev := Event{Raw: raw, Type: env.Type}
	switch env.Type {
	case TypeSession:
		ev.Kind = KindSession
		ev.SessionID = env.SessionID
		ev.WorkingDir = env.WorkingDir
	case TypeAgentStart:
		ev.Kind = KindAgentStart
	case TypeAgentEnd:
		ev.Kind = KindAgentEnd
		ev.ExitCode = env.ExitCode
	case TypeUIRequest:
		ev.Kind = KindUIRequest
		ev.RequestID = env.ID
		ev.Method = env.Method
		ev.Request = env.Request
	case TypeResponse:
		ev.Kind = KindResponse
		ev.RequestID = env.ID
	case TypeError:
		ev.Kind = KindError
		ev.RequestID = env.ID
		ev.Message = env.Message
		ev.ExitCode = env.ExitCode
	default:
		ev.Kind = KindPassthrough
	}
	return ev
}

func tryUnmarshal(data []byte) (envelope, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return envelope{}, false
	}
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return envelope{}, false
	}
	if env.Type == "" {
		return envelope{}, false
	}
	return env, true
}
