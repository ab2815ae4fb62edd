// Package checkpoint persists upload progress so an interrupted upload can be resumed.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/bitrise-io/go-uploadsession/chunkupload"
)

// hashKey turns a caller supplied checkpoint key (usually a file path) into a
// fixed length storage key.
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func offsetField(offset int64) string {
	return fmt.Sprintf("%020d", offset)
}

func decodeCheckpoint(b []byte) (*chunkupload.Checkpoint, error) {
	var cp chunkupload.Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

func decodePart(b []byte) (chunkupload.PartDescriptor, error) {
	var p chunkupload.PartDescriptor
	if err := json.Unmarshal(b, &p); err != nil {
		return chunkupload.PartDescriptor{}, fmt.Errorf("decode part: %w", err)
	}
	return p, nil
}

func sortParts(parts []chunkupload.PartDescriptor) {
	sort.Slice(parts, func(i, j int) bool { return parts[i].Offset < parts[j].Offset })
}
