//go:build tinygo || wasm

package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"unsafe"
)

// Host functions imported from the env module. Each takes a JSON request
// in guest memory and returns a packed (ptr << 32) | len JSON reply the
// host allocated through the guest's malloc.

//go:wasmimport env log
func envLog(level, ptr, size uint32)

//go:wasmimport env read_file
func envReadFile(ptr, size uint32) uint64

//go:wasmimport env write_file
func envWriteFile(ptr, size uint32) uint64

//go:wasmimport env remove_path
func envRemovePath(ptr, size uint32) uint64

func init() {
	host = wasmHost{}
}

type wasmHost struct{}

func (wasmHost) Log(level int, msg string) {
	buf := []byte(msg)
	if len(buf) == 0 {
		return
	}
	envLog(uint32(level), uint32(uintptr(unsafe.Pointer(&buf[0]))), uint32(len(buf)))
}

func (wasmHost) ReadFile(path string) (*fileInfo, error) {
	var resp struct {
		Exists  bool   `json:"exists"`
		IsDir   bool   `json:"is_dir,omitempty"`
		Size    int64  `json:"size,omitempty"`
		Mode    uint32 `json:"mode,omitempty"`
		Content string `json:"content,omitempty"`
	}
	if err := callHost(envReadFile, map[string]string{"path": path}, &resp); err != nil {
		return nil, err
	}
	info := &fileInfo{Exists: resp.Exists, IsDir: resp.IsDir, Size: resp.Size, Mode: resp.Mode}
	if resp.Content != "" {
		content, err := base64.StdEncoding.DecodeString(resp.Content)
		if err != nil {
			return nil, fmt.Errorf("invalid file content encoding")
		}
		info.Content = content
	}
	return info, nil
}

func (wasmHost) WriteFile(path string, content []byte, mode uint32) error {
	req := map[string]interface{}{
		"path":    path,
		"content": base64.StdEncoding.EncodeToString(content),
		"mode":    mode,
	}
	return callHost(envWriteFile, req, &struct{}{})
}

func (wasmHost) RemovePath(path string) error {
	return callHost(envRemovePath, map[string]string{"path": path}, &struct{}{})
}

// callHost marshals a request, invokes a host function and decodes the
// reply, surfacing in-band {"error": ...} responses.
func callHost(fn func(ptr, size uint32) uint64, req, resp interface{}) error {
	input, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal host request: %w", err)
	}

	packed := fn(uint32(uintptr(unsafe.Pointer(&input[0]))), uint32(len(input)))
	if packed == 0 {
		return fmt.Errorf("host returned no reply")
	}
	ptr := uint32(packed >> 32)
	size := uint32(packed)
	reply := make([]byte, size)
	copy(reply, unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), size))
	guestFree(ptr)

	var inband struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(reply, &inband); err == nil && inband.Error != "" {
		return fmt.Errorf("%s", inband.Error)
	}
	return json.Unmarshal(reply, resp)
}
