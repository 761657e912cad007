package server

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kleedaisuki/cloudcompile/nettcp"
	"github.com/kleedaisuki/cloudcompile/pool"
	"github.com/kleedaisuki/cloudcompile/subprocess"
)

// Handler is the server-side protocol handler contract (spec §3's
// "protocol" flavor only — the Open Question decision in SPEC_FULL.md §11
// drops the legacy `(conn, buf) -> bytes` flavor entirely). A handler is
// responsible for sending its own response via conn.SendFrame; there is no
// synchronous return value because compile-execute work completes on a
// thread-pool worker well after dispatch returns.
type Handler func(s *Server, conn *nettcp.Connection, payload []byte)

// handlerTable is the read-heavy, reader/writer-locked tag registry spec §5
// calls for ("Handler table: read-heavy; guarded by reader/writer lock").
type handlerTable struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func newHandlerTable() *handlerTable {
	return &handlerTable{handlers: make(map[string]Handler)}
}

func (t *handlerTable) register(tag string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[tag] = h
}

func (t *handlerTable) lookup(tag string) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[tag]
	return h, ok
}

// dispatchPriority gives "clear-log" maintenance work the original
// dispatch table's lower priority tier; everything else runs at
// PriorityNormal (SPEC_FULL.md §10 item 2).
func dispatchPriority(tag string) pool.Priority {
	if tag == tagClearLog {
		return pool.PriorityLog
	}
	return pool.PriorityNormal
}

const (
	tagHello          = "Hello"
	tagCompileExecute = "compile-execute"
	tagErrorInfo      = "error-information"
	tagClearLog       = "clear-log"
)

func registerWellKnownHandlers(t *handlerTable) {
	t.register(tagHello, handleHello)
	t.register(tagCompileExecute, handleCompileExecute)
	t.register(tagClearLog, handleClearLog)
}

// handleHello answers the handshake with a greeting that echoes the
// client's payload back verbatim alongside a fixed banner.
func handleHello(s *Server, conn *nettcp.Connection, payload []byte) {
	greeting := fmt.Sprintf("cloudcompile server ready (you said: %s)", string(payload))
	if err := conn.SendFrame(tagHello, []byte(greeting)); err != nil {
		s.log.Warn("hello: send failed", zap.String("conn", conn.Name()), zap.Error(err))
	}
}

// handleClearLog removes every non-directory entry directly under the log
// directory (subdirectories are left alone), grounded on the original's clear_all_logs() maintenance
// command (SPEC_FULL.md §10 item 3). It carries no payload and sends no
// response; failures are logged only.
func handleClearLog(s *Server, conn *nettcp.Connection, payload []byte) {
	entries, err := os.ReadDir(s.cfg.LogDir)
	if err != nil {
		s.log.Warn("clear-log: read dir failed", zap.Error(err))
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.cfg.LogDir, e.Name())); err != nil {
			s.log.Warn("clear-log: remove failed", zap.String("file", e.Name()), zap.Error(err))
		}
	}
}

// handleCompileExecute implements the S2/S3 scenarios: parse
// `<filename>\0<source-bytes>`, persist the source under SourceDir,
// compile it, run the result, and send back either a "compile-execute"
// success frame or an "error-information" frame (spec §6, §8 S2/S3).
func handleCompileExecute(s *Server, conn *nettcp.Connection, payload []byte) {
	sep := bytes.IndexByte(payload, 0)
	if sep < 0 {
		sendError(s, conn, "compile-execute: malformed payload, missing NUL separator")
		return
	}
	filename := string(payload[:sep])
	source := payload[sep+1:]

	base, ext := splitBasenameExt(filename)
	stamp := s.nextStamp()
	stampedBase := fmt.Sprintf("%s-%d", base, stamp)

	srcPath := filepath.Join(s.cfg.SourceDir, stampedBase+ext)
	if err := os.WriteFile(srcPath, source, 0o644); err != nil {
		sendError(s, conn, fmt.Sprintf("failed to persist source: %v", err))
		return
	}

	binPath := filepath.Join(s.cfg.OutputDir, stampedBase+".out")
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	compileArgv := append(append([]string{s.cfg.CompilerPath}, s.cfg.CompilerArgs...), "-o", binPath, srcPath)
	compileResult, err := subprocess.Compile(ctx, s.log, compileArgv)
	if err != nil {
		sendError(s, conn, fmt.Sprintf("failed to start compiler: %v", err))
		return
	}
	if compileResult.Outcome.Kind != subprocess.Exited || compileResult.Outcome.Code != 0 {
		writeErrInfo(s, stampedBase, compileResult.Stderr)
		sendError(s, conn, compileResult.Stderr)
		return
	}

	execResult, err := subprocess.Execute(ctx, s.log, []string{binPath}, "", s.cfg.OutputDir, stampedBase)
	if err != nil {
		sendError(s, conn, fmt.Sprintf("failed to run compiled program: %v", err))
		return
	}
	if execResult.HadError {
		writeErrInfo(s, stampedBase, execResult.ErrorInfo)
		sendError(s, conn, execResult.ErrorInfo)
		return
	}

	stdout, _ := os.ReadFile(execResult.StdoutPath)
	stderr, _ := os.ReadFile(execResult.StderrPath)
	combined := fmt.Sprintf("--- stdout ---\n%s\n--- stderr ---\n%s", stdout, stderr)

	response := append([]byte(filename), 0)
	response = append(response, combined...)
	if err := conn.SendFrame(tagCompileExecute, response); err != nil {
		s.log.Warn("compile-execute: send failed", zap.String("conn", conn.Name()), zap.Error(err))
	}
}

func writeErrInfo(s *Server, stampedBase, detail string) {
	path := filepath.Join(s.cfg.OutputDir, stampedBase+".errinfo")
	if err := os.WriteFile(path, []byte(detail), 0o644); err != nil {
		s.log.Warn("failed to persist errinfo", zap.String("path", path), zap.Error(err))
	}
}

func sendError(s *Server, conn *nettcp.Connection, message string) {
	if err := conn.SendFrame(tagErrorInfo, []byte(message)); err != nil {
		s.log.Warn("error-information: send failed", zap.String("conn", conn.Name()), zap.Error(err))
	}
}

// DefaultHandler answers any unregistered tag, the single fallback the
// Open Question decision (protocol-only, SPEC_FULL.md §11) replaces the
// original's four-way legacy/protocol fall-through chain with.
type DefaultHandler func(s *Server, conn *nettcp.Connection, tag string, payload []byte)

func defaultHandler(s *Server, conn *nettcp.Connection, tag string, payload []byte) {
	sendError(s, conn, fmt.Sprintf("no handler registered for tag %q", tag))
}

func splitBasenameExt(filename string) (base, ext string) {
	ext = filepath.Ext(filename)
	base = filename[:len(filename)-len(ext)]
	if base == "" {
		base = "unnamed"
	}
	return base, ext
}

// nextStamp produces the monotonic millisecond timestamp the filesystem
// contract's `-<epoch-ms>` suffix requires (spec §6), guarded against two
// compile-execute requests landing in the same millisecond.
func (s *Server) nextStamp() int64 {
	s.stampMu.Lock()
	defer s.stampMu.Unlock()
	now := time.Now().UnixMilli()
	if now <= s.lastStamp {
		now = s.lastStamp + 1
	}
	s.lastStamp = now
	return now
}
