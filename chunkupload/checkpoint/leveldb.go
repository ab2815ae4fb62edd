package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bitrise-io/go-uploadsession/chunkupload"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dslvl "github.com/ipfs/go-ds-leveldb"
)

// LevelDB stores checkpoints in a local LevelDB database.
// The session metadata lives at /uploads/<hash>, each recorded part at /uploads/<hash>/parts/<offset>.
type LevelDB struct {
	db *dslvl.Datastore
}

var _ chunkupload.CheckpointStore = (*LevelDB)(nil)

// NewLevelDB opens (or creates) the database in dir.
func NewLevelDB(dir string) (*LevelDB, error) {
	db, err := dslvl.NewDatastore(fmt.Sprintf("%s/checkpoints", dir), nil)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	return &LevelDB{db: db}, nil
}

// Close ...
func (s *LevelDB) Close() error {
	return s.db.Close()
}

func uploadKey(key string) ds.Key {
	return ds.NewKey("/uploads").ChildString(hashKey(key))
}

func partsKey(key string) ds.Key {
	return uploadKey(key).ChildString("parts")
}

// Load ...
func (s *LevelDB) Load(ctx context.Context, key string) (*chunkupload.Checkpoint, error) {
	b, err := s.db.Get(ctx, uploadKey(key))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	cp, err := decodeCheckpoint(b)
	if err != nil {
		return nil, err
	}

	res, err := s.db.Query(ctx, dsq.Query{Prefix: partsKey(key).String()})
	if err != nil {
		return nil, err
	}
	defer res.Close()

	cp.Parts = nil
	for {
		r, ok := res.NextSync()
		if !ok {
			break
		}
		if r.Error != nil {
			return nil, r.Error
		}
		part, err := decodePart(r.Value)
		if err != nil {
			return nil, err
		}
		cp.Parts = append(cp.Parts, part)
	}
	sortParts(cp.Parts)

	return cp, nil
}

// Save replaces the checkpoint and drops any parts recorded for an earlier session under the same key.
func (s *LevelDB) Save(ctx context.Context, checkpoint chunkupload.Checkpoint) error {
	if err := s.deleteParts(ctx, checkpoint.Key); err != nil {
		return err
	}

	parts := checkpoint.Parts
	checkpoint.Parts = nil
	b, err := json.Marshal(checkpoint)
	if err != nil {
		return err
	}
	if err := s.db.Put(ctx, uploadKey(checkpoint.Key), b); err != nil {
		return err
	}

	for _, p := range parts {
		if err := s.RecordPart(ctx, checkpoint.Key, p); err != nil {
			return err
		}
	}
	return nil
}

// RecordPart ...
func (s *LevelDB) RecordPart(ctx context.Context, key string, part chunkupload.PartDescriptor) error {
	b, err := json.Marshal(part)
	if err != nil {
		return err
	}
	return s.db.Put(ctx, partsKey(key).ChildString(offsetField(part.Offset)), b)
}

// Delete ...
func (s *LevelDB) Delete(ctx context.Context, key string) error {
	if err := s.deleteParts(ctx, key); err != nil {
		return err
	}
	return s.db.Delete(ctx, uploadKey(key))
}

func (s *LevelDB) deleteParts(ctx context.Context, key string) error {
	res, err := s.db.Query(ctx, dsq.Query{Prefix: partsKey(key).String(), KeysOnly: true})
	if err != nil {
		return err
	}
	entries, err := res.Rest()
	if err != nil {
		return err
	}

	for _, e := range entries {
		if err := s.db.Delete(ctx, ds.NewKey(e.Key)); err != nil {
			return err
		}
	}
	return nil
}
