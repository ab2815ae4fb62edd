package chunkupload

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// fakeAPI is an in-memory upload server.
type fakeAPI struct {
	mu sync.Mutex

	partSize int64
	fileSize int64
	session  Session
	parts    map[int64]storedPart

	uploadCalls map[int]int
	// failUpload returns an error for the given part index and 1-based attempt.
	failUpload func(index, attempt int) error
	// corruptDigest makes the server confirm a wrong digest for these part indices.
	corruptDigest map[int]bool

	commitCalls     int
	commitResponses []CommitResponse
	lastCommit      CommitRequest

	createErr   error
	getErr      error
	listErr     error
	abortCalls  int
	abortErr    error
	abortCtxErr error
}

type storedPart struct {
	part Part
	data []byte
}

func newFakeAPI(partSize int64) *fakeAPI {
	return &fakeAPI{
		partSize:      partSize,
		parts:         map[int64]storedPart{},
		uploadCalls:   map[int]int{},
		corruptDigest: map[int]bool{},
	}
}

func (f *fakeAPI) CreateSession(_ context.Context, req CreateSessionRequest) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return Session{}, f.createErr
	}
	layout, err := NewLayout(req.FileSize, f.partSize)
	if err != nil {
		return Session{}, &Error{Kind: ErrSessionCreate, Op: OpCreateSession, Err: err}
	}
	f.fileSize = req.FileSize
	f.session = Session{
		ID:         "session-1",
		Type:       "upload_session",
		TotalParts: layout.TotalParts,
		PartSize:   f.partSize,
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	return f.session, nil
}

func (f *fakeAPI) GetSession(_ context.Context, session Session) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return Session{}, f.getErr
	}
	session.NumPartsProcessed = len(f.parts)
	return session, nil
}

func (f *fakeAPI) ListParts(_ context.Context, _ Session) ([]Part, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var parts []Part
	for _, p := range f.parts {
		parts = append(parts, p.part)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Offset < parts[j].Offset })
	return parts, nil
}

func (f *fakeAPI) UploadPart(ctx context.Context, _ Session, req PartRequest) (Part, error) {
	f.mu.Lock()
	f.uploadCalls[req.Index]++
	attempt := f.uploadCalls[req.Index]
	fail := f.failUpload
	corrupt := f.corruptDigest[req.Index]
	f.mu.Unlock()

	if fail != nil {
		if err := fail(req.Index, attempt); err != nil {
			return Part{}, err
		}
	}

	data, err := io.ReadAll(req.Body)
	if err != nil {
		if ctx.Err() != nil {
			return Part{}, &Error{Kind: ErrCancelled, Op: OpUploadPart, Err: ctx.Err()}
		}
		return Part{}, err
	}
	if int64(len(data)) != req.Size {
		return Part{}, fmt.Errorf("read %d bytes, expected %d", len(data), req.Size)
	}

	digest := Digest(sha1.Sum(data))
	if digest != req.Digest {
		return Part{}, &Error{Kind: ErrDigestMismatch, Op: OpUploadPart, PartNumber: req.Index + 1, Status: 412}
	}
	if corrupt {
		digest[0] ^= 0xff
	}

	part := Part{ID: fmt.Sprintf("part-%d", req.Index), Offset: req.Offset, Size: req.Size, Digest: digest}
	f.mu.Lock()
	f.parts[req.Offset] = storedPart{part: part, data: data}
	f.mu.Unlock()
	return part, nil
}

func (f *fakeAPI) Commit(_ context.Context, _ Session, req CommitRequest) (CommitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commitCalls++
	f.lastCommit = req

	if len(f.commitResponses) > 0 {
		resp := f.commitResponses[0]
		f.commitResponses = f.commitResponses[1:]
		if resp.State != CommitDone || resp.File != nil {
			return resp, nil
		}
	}

	var content bytes.Buffer
	for _, p := range req.Parts {
		stored, ok := f.parts[p.Offset]
		if !ok || stored.part.ID != p.ID {
			return CommitResponse{}, &Error{Kind: ErrCommit, Op: OpCommit, Status: 400}
		}
		content.Write(stored.data)
	}
	sum := sha1.Sum(content.Bytes())
	return CommitResponse{State: CommitDone, File: &File{
		ID:   "file-1",
		Type: "file",
		Name: "file.bin",
		Size: int64(content.Len()),
		SHA1: hex.EncodeToString(sum[:]),
	}}, nil
}

func (f *fakeAPI) Abort(ctx context.Context, _ Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abortCalls++
	f.abortCtxErr = ctx.Err()
	return f.abortErr
}

func (f *fakeAPI) uploads(index int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploadCalls[index]
}

// memoryCheckpoints is an in-memory CheckpointStore.
type memoryCheckpoints struct {
	mu          sync.Mutex
	checkpoints map[string]*Checkpoint
}

func newMemoryCheckpoints() *memoryCheckpoints {
	return &memoryCheckpoints{checkpoints: map[string]*Checkpoint{}}
}

func (m *memoryCheckpoints) Load(_ context.Context, key string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[key]
	if !ok {
		return nil, nil
	}
	c := *cp
	return &c, nil
}

func (m *memoryCheckpoints) Save(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.Key] = &cp
	return nil
}

func (m *memoryCheckpoints) RecordPart(_ context.Context, key string, part PartDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[key]
	if !ok {
		return fmt.Errorf("no checkpoint %s", key)
	}
	cp.Parts = append(cp.Parts, part)
	return nil
}

func (m *memoryCheckpoints) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, key)
	return nil
}

func testContent(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

func noSleep(context.Context, time.Duration) error { return nil }
