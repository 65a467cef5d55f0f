// Package main implements the localfs.file provider plugin. It manages
// plain files on the host filesystem through the host's gated file
// functions and compiles to WASM with TinyGo:
//
//	tinygo build -o localfs.file.wasm -target=wasi .
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

func main() {}

// initRequest is the payload handed to plugin_init.
type initRequest struct {
	Namespace    string   `json:"namespace"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// invokeEnvelope is the dispatch document handed to plugin_invoke.
type invokeEnvelope struct {
	Kind    string          `json:"kind"`
	State   *stateRequest   `json:"state,omitempty"`
	Tool    *toolRequest    `json:"tool,omitempty"`
	Pending json.RawMessage `json:"pending,omitempty"`
}

type stateRequest struct {
	Resource  string                 `json:"resource"`
	Operation string                 `json:"operation"`
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Params    map[string]interface{} `json:"params,omitempty"`
	Enforced  map[string]interface{} `json:"enforced,omitempty"`
	Test      bool                   `json:"test"`
}

type toolRequest struct {
	Resource string                 `json:"resource"`
	Tool     string                 `json:"tool"`
	Params   map[string]interface{} `json:"params,omitempty"`
	Before   map[string]interface{} `json:"before,omitempty"`
	Test     bool                   `json:"test"`
}

// execReturn is the tool response document.
type execReturn struct {
	Result  bool        `json:"result"`
	Ret     interface{} `json:"ret,omitempty"`
	Comment []string    `json:"comment,omitempty"`
}

var granted = map[string]bool{}

func handleInit(input []byte) []byte {
	var req initRequest
	if len(input) > 0 {
		if err := json.Unmarshal(input, &req); err != nil {
			return errorReply(fmt.Sprintf("invalid init request: %v", err))
		}
	}
	for _, c := range req.Capabilities {
		granted[c] = true
	}
	out, _ := json.Marshal(struct{}{})
	return out
}

// dispatch handles one plugin_invoke payload.
func dispatch(input []byte) []byte {
	var env invokeEnvelope
	if err := json.Unmarshal(input, &env); err != nil {
		return errorReply(fmt.Sprintf("invalid invoke envelope: %v", err))
	}

	switch env.Kind {
	case "tool":
		if env.Tool == nil {
			return errorReply("tool request missing")
		}
		return marshalReply(handleTool(env.Tool))
	case "state":
		return errorReply("localfs.file exports no direct state operations")
	case "is_pending":
		out, _ := json.Marshal(map[string]bool{"pending": false})
		return out
	default:
		return errorReply(fmt.Sprintf("unknown invoke kind %q", env.Kind))
	}
}

func handleTool(req *toolRequest) *execReturn {
	if req.Resource != "file" {
		return failf("unknown resource %q", req.Resource)
	}
	switch req.Tool {
	case "get":
		return fileGet(req)
	case "create", "update":
		return fileWrite(req)
	case "delete":
		return fileDelete(req)
	case "list":
		return fileList(req)
	case "checksum":
		return fileChecksum(req)
	default:
		return failf("unknown tool %q", req.Tool)
	}
}

// filePath picks the managed path from the tool arguments. The resource
// name doubles as the path when no explicit one is declared, and
// resource_id carries it back on get and delete calls.
func filePath(params map[string]interface{}) string {
	for _, key := range []string{"resource_id", "path", "name"} {
		if v, ok := params[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func fileGet(req *toolRequest) *execReturn {
	path := filePath(req.Params)
	if path == "" {
		return failf("get requires a path")
	}
	info, err := host.ReadFile(path)
	if err != nil {
		return failf("failed to read %s: %v", path, err)
	}
	if !info.Exists {
		return &execReturn{Result: true, Comment: []string{fmt.Sprintf("%s does not exist", path)}}
	}
	if info.IsDir {
		return failf("%s is a directory, not a managed file", path)
	}
	return &execReturn{Result: true, Ret: fileState(path, info.Content, info.Mode)}
}

func fileWrite(req *toolRequest) *execReturn {
	path := filePath(req.Params)
	if path == "" {
		return failf("%s requires a path", req.Tool)
	}
	content, _ := req.Params["content"].(string)
	mode, err := fileMode(req.Params)
	if err != nil {
		return failf("%v", err)
	}
	if req.Test {
		return &execReturn{
			Result:  true,
			Ret:     fileState(path, []byte(content), mode),
			Comment: []string{fmt.Sprintf("would write %d bytes to %s", len(content), path)},
		}
	}
	if err := host.WriteFile(path, []byte(content), mode); err != nil {
		return failf("failed to write %s: %v", path, err)
	}
	host.Log(logInfo, fmt.Sprintf("wrote %d bytes to %s", len(content), path))
	return &execReturn{Result: true, Ret: fileState(path, []byte(content), mode)}
}

func fileDelete(req *toolRequest) *execReturn {
	path := filePath(req.Params)
	if path == "" {
		return failf("delete requires a path")
	}
	if req.Test {
		return &execReturn{Result: true, Comment: []string{fmt.Sprintf("would remove %s", path)}}
	}
	if err := host.RemovePath(path); err != nil {
		return failf("failed to remove %s: %v", path, err)
	}
	host.Log(logInfo, "removed "+path)
	return &execReturn{Result: true}
}

// fileList resolves only explicitly named paths. The host exposes no
// directory enumeration, so describe must be pointed at candidate paths
// via a paths parameter.
func fileList(req *toolRequest) *execReturn {
	var paths []string
	if raw, ok := req.Params["paths"].([]interface{}); ok {
		for _, p := range raw {
			if s, ok := p.(string); ok && s != "" {
				paths = append(paths, s)
			}
		}
	} else if p := filePath(req.Params); p != "" {
		paths = append(paths, p)
	}

	states := make([]interface{}, 0, len(paths))
	for _, path := range paths {
		info, err := host.ReadFile(path)
		if err != nil {
			return failf("failed to read %s: %v", path, err)
		}
		if !info.Exists || info.IsDir {
			continue
		}
		states = append(states, fileState(path, info.Content, info.Mode))
	}
	return &execReturn{Result: true, Ret: states}
}

func fileChecksum(req *toolRequest) *execReturn {
	path := filePath(req.Params)
	if path == "" {
		return failf("checksum requires a path")
	}
	info, err := host.ReadFile(path)
	if err != nil {
		return failf("failed to read %s: %v", path, err)
	}
	if !info.Exists {
		return failf("%s does not exist", path)
	}
	sum := sha256.Sum256(info.Content)
	return &execReturn{Result: true, Ret: map[string]interface{}{
		"path":   path,
		"sha256": hex.EncodeToString(sum[:]),
	}}
}

// fileState renders a file as a resource state document.
func fileState(path string, content []byte, mode uint32) map[string]interface{} {
	return map[string]interface{}{
		"name":        path,
		"resource_id": path,
		"path":        path,
		"content":     string(content),
		"mode":        fmt.Sprintf("%04o", mode),
	}
}

// fileMode parses the declared octal mode string, defaulting to 0644.
func fileMode(params map[string]interface{}) (uint32, error) {
	raw, ok := params["mode"].(string)
	if !ok || raw == "" {
		return 0o644, nil
	}
	mode, err := strconv.ParseUint(raw, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q: must be octal like 0644", raw)
	}
	return uint32(mode), nil
}

func failf(format string, args ...interface{}) *execReturn {
	return &execReturn{Result: false, Comment: []string{fmt.Sprintf(format, args...)}}
}

func marshalReply(ret *execReturn) []byte {
	out, err := json.Marshal(ret)
	if err != nil {
		return errorReply(fmt.Sprintf("failed to marshal reply: %v", err))
	}
	return out
}

func errorReply(msg string) []byte {
	out, _ := json.Marshal(map[string]string{"error": msg})
	return out
}
