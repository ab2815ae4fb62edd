package uploadserver

import (
	"bytes"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-uploadsession/chunkupload"
)

const maxListLimit = 1000

type createRequest struct {
	FolderID string `json:"folder_id"`
	FileSize int64  `json:"file_size"`
	FileName string `json:"file_name"`
}

type commitRequest struct {
	Parts      []chunkupload.PartDescriptor `json:"parts"`
	Attributes map[string]interface{}       `json:"attributes"`
}

type partResponse struct {
	Part chunkupload.PartDescriptor `json:"part"`
}

type listResponse struct {
	Entries    []chunkupload.PartDescriptor `json:"entries"`
	Offset     int                          `json:"offset"`
	Limit      int                          `json:"limit"`
	TotalCount int                          `json:"total_count"`
}

type fileCollection struct {
	TotalCount int                `json:"total_count"`
	Entries    []chunkupload.File `json:"entries"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid body: "+err.Error())
		return
	}
	if req.FileSize <= 0 {
		writeError(w, r, http.StatusBadRequest, "bad_request", "file_size must be positive")
		return
	}

	fileID := r.PathValue("file_id")

	s.mu.Lock()
	defer s.mu.Unlock()

	if fileID != "" {
		existing, ok := s.files[fileID]
		if !ok {
			writeError(w, r, http.StatusNotFound, "not_found", "file "+fileID+" not found")
			return
		}
		if req.FileName == "" {
			req.FileName = existing.file.Name
		}
		req.FolderID = existing.folderID
	} else if req.FileName == "" {
		writeError(w, r, http.StatusBadRequest, "bad_request", "file_name is required")
		return
	}

	layout, err := chunkupload.NewLayout(req.FileSize, s.opts.PartSize)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	id := newID()
	desc := chunkupload.Session{
		ID:         id,
		Type:       "upload_session",
		TotalParts: layout.TotalParts,
		PartSize:   layout.PartSize,
		ExpiresAt:  s.now().Add(s.opts.SessionTTL).UTC().Truncate(time.Second),
		Endpoints:  s.endpoints(r, id),
	}
	s.sessions[id] = &session{
		desc:     desc,
		layout:   layout,
		fileName: req.FileName,
		folderID: req.FolderID,
		fileID:   fileID,
		parts:    map[int64]storedPart{},
	}

	writeJSON(w, r, http.StatusCreated, desc)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.lookup(r)
	if !ok {
		writeError(w, r, http.StatusNotFound, "not_found", "upload session not found")
		return
	}

	desc := sess.desc
	desc.NumPartsProcessed = len(sess.parts)
	writeJSON(w, r, http.StatusOK, desc)
}

func (s *Server) handleUploadPart(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	sess, ok := s.lookup(r)
	s.mu.Unlock()
	if !ok {
		writeError(w, r, http.StatusNotFound, "not_found", "upload session not found")
		return
	}
	layout := sess.layout

	offset, last, total, err := parseContentRange(r.Header.Get("Content-Range"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	size := last - offset + 1
	index, aligned := layout.IndexOf(offset)
	if total != layout.FileSize || !aligned {
		writeError(w, r, http.StatusRequestedRangeNotSatisfiable, "range_mismatch",
			fmt.Sprintf("range %d-%d/%d does not start a part", offset, last, total))
		return
	}
	if _, want := layout.Part(index); size != want {
		writeError(w, r, http.StatusRequestedRangeNotSatisfiable, "range_mismatch",
			fmt.Sprintf("part %d must be %d bytes, got %d", index, want, size))
		return
	}

	digest, err := chunkupload.ParseDigestHeader(r.Header.Get("Digest"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "missing_digest", err.Error())
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, size+1))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "read body: "+err.Error())
		return
	}
	if int64(len(data)) != size {
		writeError(w, r, http.StatusBadRequest, "bad_request",
			fmt.Sprintf("body has %d bytes, range declares %d", len(data), size))
		return
	}
	if chunkupload.Digest(sha1.Sum(data)) != digest {
		writeError(w, r, http.StatusPreconditionFailed, "digest_mismatch", "part content does not match the digest")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok = s.lookup(r)
	if !ok {
		writeError(w, r, http.StatusNotFound, "not_found", "upload session not found")
		return
	}

	part, exists := sess.parts[offset]
	if !exists || part.digest != digest {
		part = storedPart{
			desc: chunkupload.PartDescriptor{
				PartID: newID()[:8],
				Offset: offset,
				Size:   size,
				SHA1:   digest.Base64(),
			},
			digest: digest,
			data:   data,
		}
		sess.parts[offset] = part
	}

	writeJSON(w, r, http.StatusOK, partResponse{Part: part.desc})
}

func (s *Server) handleListParts(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.lookup(r)
	if !ok {
		writeError(w, r, http.StatusNotFound, "not_found", "upload session not found")
		return
	}

	all := sortedParts(sess)
	resp := listResponse{Entries: []chunkupload.PartDescriptor{}, Offset: offset, Limit: limit, TotalCount: len(all)}
	for i := offset; i < len(all) && i < offset+limit; i++ {
		resp.Entries = append(resp.Entries, all[i].desc)
	}

	writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.lookup(r)
	if !ok {
		writeError(w, r, http.StatusNotFound, "not_found", "upload session not found")
		return
	}
	delete(s.sessions, sess.desc.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	digest, err := chunkupload.ParseDigestHeader(r.Header.Get("Digest"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "missing_digest", err.Error())
		return
	}
	var req commitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid body: "+err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.lookup(r)
	if !ok {
		writeError(w, r, http.StatusNotFound, "not_found", "upload session not found")
		return
	}

	if err := validateManifest(sess, req.Parts); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_parts", err.Error())
		return
	}

	if sess.polls < s.opts.PendingCommits {
		sess.polls++
		w.Header().Set("Retry-After", strconv.Itoa(int(s.opts.RetryAfter.Seconds())))
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var content bytes.Buffer
	for _, p := range sortedParts(sess) {
		content.Write(p.data)
	}
	sum := sha1.Sum(content.Bytes())
	if chunkupload.Digest(sum) != digest {
		writeError(w, r, http.StatusPreconditionFailed, "digest_mismatch", "file content does not match the digest")
		return
	}

	name := sess.fileName
	if n, ok := req.Attributes["name"].(string); ok && n != "" {
		name = n
	}

	target := s.targetFile(sess, name)
	if status, code, msg := checkPreconditions(target, sess, r); status != 0 {
		writeError(w, r, status, code, msg)
		return
	}

	if target == nil {
		target = &storedFile{file: chunkupload.File{ID: newID()[:12], Type: "file"}, folderID: sess.folderID}
		s.files[target.file.ID] = target
	} else {
		target.version++
	}
	target.content = content.Bytes()
	target.file.Name = name
	target.file.Size = int64(content.Len())
	target.file.SHA1 = chunkupload.Digest(sum).Hex()
	target.file.ETag = strconv.Itoa(target.version)

	delete(s.sessions, sess.desc.ID)

	writeJSON(w, r, http.StatusCreated, fileCollection{TotalCount: 1, Entries: []chunkupload.File{target.file}})
}

// targetFile returns the file a commit would write: the versioned file, or a file
// with the same name in the same folder. The caller must hold s.mu.
func (s *Server) targetFile(sess *session, name string) *storedFile {
	if sess.fileID != "" {
		return s.files[sess.fileID]
	}
	for _, f := range s.files {
		if f.folderID == sess.folderID && f.file.Name == name {
			return f
		}
	}
	return nil
}

func checkPreconditions(target *storedFile, sess *session, r *http.Request) (int, string, string) {
	ifMatch := r.Header.Get("If-Match")
	ifNoneMatch := r.Header.Get("If-None-Match")

	if ifMatch != "" && (target == nil || target.file.ETag != ifMatch) {
		return http.StatusPreconditionFailed, "precondition_failed", "If-Match does not match the current etag"
	}
	if target != nil && (ifNoneMatch == "*" || (ifNoneMatch != "" && ifNoneMatch == target.file.ETag)) {
		return http.StatusPreconditionFailed, "precondition_failed", "If-None-Match matched an existing file"
	}
	if target != nil && sess.fileID == "" {
		return http.StatusConflict, "item_name_in_use", "a file named " + target.file.Name + " already exists"
	}
	return 0, "", ""
}

func validateManifest(sess *session, parts []chunkupload.PartDescriptor) error {
	if len(parts) != sess.layout.TotalParts {
		return fmt.Errorf("manifest has %d parts, session has %d", len(parts), sess.layout.TotalParts)
	}
	for i, p := range parts {
		offset, size := sess.layout.Part(i)
		if p.Offset != offset || p.Size != size {
			return fmt.Errorf("manifest entry %d has range %d+%d, expected %d+%d", i, p.Offset, p.Size, offset, size)
		}
		stored, ok := sess.parts[offset]
		if !ok {
			return fmt.Errorf("part at offset %d was not uploaded", offset)
		}
		if stored.desc.PartID != p.PartID {
			return fmt.Errorf("part at offset %d is %s, manifest names %s", offset, stored.desc.PartID, p.PartID)
		}
	}
	return nil
}

func sortedParts(sess *session) []storedPart {
	parts := make([]storedPart, 0, len(sess.parts))
	for _, p := range sess.parts {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].desc.Offset < parts[j].desc.Offset })
	return parts
}

// parseContentRange parses "bytes first-last/total".
func parseContentRange(h string) (first, last, total int64, err error) {
	spec, ok := strings.CutPrefix(h, "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", h)
	}
	rng, totalStr, ok := strings.Cut(spec, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", h)
	}
	firstStr, lastStr, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", h)
	}

	if first, err = strconv.ParseInt(firstStr, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q: %w", h, err)
	}
	if last, err = strconv.ParseInt(lastStr, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q: %w", h, err)
	}
	if total, err = strconv.ParseInt(totalStr, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q: %w", h, err)
	}
	if first < 0 || last < first || last >= total {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", h)
	}
	return first, last, total, nil
}
