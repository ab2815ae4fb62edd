// Package uploadserver is an in-memory implementation of the upload session HTTP API.
// It backs the integration tests and the serve command.
package uploadserver

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-uploadsession/chunkupload"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

// Options ...
type Options struct {
	// PartSize is the part size assigned to new sessions.
	PartSize int64
	// SessionTTL is the lifetime of a session.
	SessionTTL time.Duration
	// PendingCommits is the number of commit requests per session answered with 202 before assembling.
	PendingCommits int
	// RetryAfter is sent with 202 commit responses.
	RetryAfter time.Duration
	// Token, when set, is the only accepted bearer token.
	Token  string
	Logger log.Logger
}

// DefaultOptions ...
func DefaultOptions() Options {
	return Options{
		PartSize:   8 * 1024 * 1024,
		SessionTTL: 24 * time.Hour,
		RetryAfter: time.Second,
		Logger:     log.NewLogger(),
	}
}

// Server serves the upload session API.
type Server struct {
	opts Options
	mux  *http.ServeMux
	now  func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	files    map[string]*storedFile
}

type session struct {
	desc     chunkupload.Session
	layout   chunkupload.Layout
	fileName string
	folderID string
	fileID   string
	parts    map[int64]storedPart
	polls    int
}

type storedPart struct {
	desc   chunkupload.PartDescriptor
	digest chunkupload.Digest
	data   []byte
}

type storedFile struct {
	file     chunkupload.File
	folderID string
	version  int
	content  []byte
}

// New ...
func New(opts Options) *Server {
	defaults := DefaultOptions()
	if opts.PartSize <= 0 {
		opts.PartSize = defaults.PartSize
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = defaults.SessionTTL
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = defaults.RetryAfter
	}
	if opts.Logger == nil {
		opts.Logger = defaults.Logger
	}

	s := &Server{
		opts:     opts,
		mux:      http.NewServeMux(),
		now:      time.Now,
		sessions: map[string]*session{},
		files:    map[string]*storedFile{},
	}

	s.mux.HandleFunc("POST /files/upload_sessions", s.handleCreate)
	s.mux.HandleFunc("POST /files/{file_id}/upload_sessions", s.handleCreate)
	s.mux.HandleFunc("GET /files/upload_sessions/{id}", s.handleStatus)
	s.mux.HandleFunc("PUT /files/upload_sessions/{id}", s.handleUploadPart)
	s.mux.HandleFunc("DELETE /files/upload_sessions/{id}", s.handleAbort)
	s.mux.HandleFunc("GET /files/upload_sessions/{id}/parts", s.handleListParts)
	s.mux.HandleFunc("POST /files/upload_sessions/{id}/commit", s.handleCommit)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.opts.Logger.Debugf("%s %s", r.Method, r.URL.Path)
	if s.opts.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.opts.Token {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "invalid access token")
		return
	}
	s.mux.ServeHTTP(w, r)
}

// File returns a committed file and its content.
func (s *Server) File(id string) (chunkupload.File, []byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return chunkupload.File{}, nil, false
	}
	return f.file, f.content, true
}

// PartCount returns the number of parts stored for a live session.
func (s *Server) PartCount(sessionID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return 0, false
	}
	return len(sess.parts), true
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// lookup returns the live session named in the request path. Expired sessions are dropped.
// The caller must hold s.mu.
func (s *Server) lookup(r *http.Request) (*session, bool) {
	id := r.PathValue("id")
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	if sess.desc.Expired(s.now()) {
		delete(s.sessions, id)
		return nil, false
	}
	return sess, true
}

func (s *Server) endpoints(r *http.Request, id string) chunkupload.Endpoints {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	sessionURL := scheme + "://" + r.Host + "/files/upload_sessions/" + id
	return chunkupload.Endpoints{
		ListParts:  sessionURL + "/parts",
		Commit:     sessionURL + "/commit",
		UploadPart: sessionURL,
		Status:     sessionURL,
		Abort:      sessionURL,
	}
}

func newID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}
