package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// MemLogSink keeps the last subprocess output per (job_run_id, attempt) in
// memory and hands back a content-addressed reference. Log body retention
// to object storage is out of scope (spec.md §1); a production deployment
// swaps this for an object-storage-backed LogSink without touching the
// executor or worker runtime, since both only ever consume the returned
// log_ref string.
type MemLogSink struct {
	mu  sync.Mutex
	out map[string][]byte
}

func NewMemLogSink() *MemLogSink {
	return &MemLogSink{out: make(map[string][]byte)}
}

func (s *MemLogSink) Write(_ context.Context, jobRunID string, attempt int, output []byte) (string, error) {
	ref := fmt.Sprintf("mem:%s:%d:%s", jobRunID, attempt, contentHash(output))
	s.mu.Lock()
	s.out[ref] = append([]byte(nil), output...)
	s.mu.Unlock()
	return ref, nil
}

func (s *MemLogSink) Read(ref string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.out[ref]
	return b, ok
}

func contentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}
