// Package protocol defines the messages exchanged between the host proxy and
// an isolate controller, and the framing used to carry them.
package protocol

import "fmt"

// Kind identifies a request variant. The set is closed: every Kind listed in
// Kinds must be handled by the isolate controller.
type Kind string

const (
	KindInit       Kind = "init"
	KindRun        Kind = "run"
	KindWriteFile  Kind = "writeFile"
	KindReadFile   Kind = "readFile"
	KindDeleteFile Kind = "deleteFile"
	KindListFiles  Kind = "listFiles"
	KindInstall    Kind = "install"
	KindSnapshot   Kind = "snapshot"
	KindRestore    Kind = "restore"
	KindDestroy    Kind = "destroy"
)

// Kinds lists every request kind in dispatch order.
var Kinds = []Kind{
	KindInit,
	KindRun,
	KindWriteFile,
	KindReadFile,
	KindDeleteFile,
	KindListFiles,
	KindInstall,
	KindSnapshot,
	KindRestore,
	KindDestroy,
}

// Valid reports whether k is one of the known request kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Request is a single call sent from the proxy to the isolate.
// Only the fields relevant to Kind are set.
type Request struct {
	ID        uint64   `msgpack:"id"`
	Kind      Kind     `msgpack:"kind"`
	Code      string   `msgpack:"code,omitempty"`
	Path      string   `msgpack:"path,omitempty"`
	Content   *string  `msgpack:"content,omitempty"`
	Packages  []string `msgpack:"packages,omitempty"`
	Preload   []string `msgpack:"preload,omitempty"`
	Snapshot  string   `msgpack:"snapshot,omitempty"`
	Streaming bool     `msgpack:"streaming,omitempty"`
}

// Artifact is a structured, non-textual output extracted from stdout.
type Artifact struct {
	Type    string `msgpack:"type" json:"type"`
	Content string `msgpack:"content" json:"content"`
	Alt     string `msgpack:"alt,omitempty" json:"alt,omitempty"`
}

// Response answers a Request with the same ID. A response with Streaming set
// is a non-terminal chunk carrying a stdout fragment; every request gets
// exactly one terminal response.
type Response struct {
	ID        uint64     `msgpack:"id"`
	Success   bool       `msgpack:"success"`
	Streaming bool       `msgpack:"streaming,omitempty"`
	Stdout    string     `msgpack:"stdout,omitempty"`
	Stderr    string     `msgpack:"stderr,omitempty"`
	Result    any        `msgpack:"result,omitempty"`
	Artifacts []Artifact `msgpack:"artifacts,omitempty"`
	Content   string     `msgpack:"content,omitempty"`
	Files     []string   `msgpack:"files,omitempty"`
	Error     string     `msgpack:"error,omitempty"`
	Snapshot  string     `msgpack:"snapshot,omitempty"`
	Packages  []string   `msgpack:"packages,omitempty"`
	Dropped   []string   `msgpack:"dropped,omitempty"`
	Backend   string     `msgpack:"backend,omitempty"`
}

// Chunk builds a streaming chunk for request id.
func Chunk(id uint64, text string) Response {
	return Response{ID: id, Streaming: true, Stdout: text}
}

// Failure builds a terminal failed response. An empty message is replaced so
// that a failed response always carries an error.
func Failure(id uint64, format string, args ...any) Response {
	msg := fmt.Sprintf(format, args...)
	if msg == "" {
		msg = "unknown error"
	}
	return Response{ID: id, Success: false, Error: msg}
}
