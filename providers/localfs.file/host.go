package main

import "errors"

// Log levels of the host's log function.
const (
	logDebug = 0
	logInfo  = 1
	logWarn  = 2
	logError = 3
)

// fileInfo is the decoded reply of the host's read_file function.
type fileInfo struct {
	Exists  bool
	IsDir   bool
	Size    int64
	Mode    uint32
	Content []byte
}

// hostAPI is the guest's view of the embedding runtime. The WASM build
// binds it to the env module imports; tests substitute a fake.
type hostAPI interface {
	Log(level int, msg string)
	ReadFile(path string) (*fileInfo, error)
	WriteFile(path string, content []byte, mode uint32) error
	RemovePath(path string) error
}

var host hostAPI = unboundHost{}

// unboundHost fails every call. It is replaced at init time in the WASM
// build and by the test harness everywhere else.
type unboundHost struct{}

var errUnbound = errors.New("host functions not bound")

func (unboundHost) Log(int, string)                        {}
func (unboundHost) ReadFile(string) (*fileInfo, error)     { return nil, errUnbound }
func (unboundHost) WriteFile(string, []byte, uint32) error { return errUnbound }
func (unboundHost) RemovePath(string) error                { return errUnbound }
