package chunker

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"
)

func hashOf(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func TestNextSingleBufferChunkIsDirect(t *testing.T) {
	data := []byte("hello world")
	c, err := New(bytes.NewReader(data), 1024, 4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	chunk, err := c.Next(0)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if chunk.Size != int64(len(data)) {
		t.Errorf("Size = %d, want %d", chunk.Size, len(data))
	}
	if chunk.Hash != hashOf(data) {
		t.Errorf("Hash = %s, want %s", chunk.Hash, hashOf(data))
	}
	if !chunk.Direct() {
		t.Errorf("Direct() = false, want true for a single-buffer chunk")
	}
	if !bytes.Equal(chunk.Tail, data) {
		t.Errorf("Tail = %v, want %v", chunk.Tail, data)
	}

	if _, err := c.Next(1); !errors.Is(err, io.EOF) {
		t.Errorf("second Next() err = %v, want io.EOF", err)
	}
}

func TestNextMultiBufferChunkNotDirect(t *testing.T) {
	data := strings.Repeat("x", 100)
	c, err := New(bytes.NewReader([]byte(data)), 100, 30)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	chunk, err := c.Next(0)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if chunk.Size != 100 {
		t.Errorf("Size = %d, want 100", chunk.Size)
	}
	if chunk.Hash != hashOf([]byte(data)) {
		t.Errorf("Hash mismatch")
	}
	if chunk.Direct() {
		t.Errorf("Direct() = true, want false: chunk spanned multiple buffer reads")
	}
	// Tail should hold only the last (10-byte) read, not the full 100.
	if len(chunk.Tail) != 10 {
		t.Errorf("len(Tail) = %d, want 10 (last partial buffer)", len(chunk.Tail))
	}
}

func TestAllMultipleChunks(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 250)
	c, err := New(bytes.NewReader(data), 100, 32)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	chunks, err := All(c)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	wantSizes := []int64{100, 100, 50}
	for i, want := range wantSizes {
		if chunks[i].Size != want {
			t.Errorf("chunks[%d].Size = %d, want %d", i, chunks[i].Size, want)
		}
		if chunks[i].Index != i {
			t.Errorf("chunks[%d].Index = %d, want %d", i, chunks[i].Index, i)
		}
	}
}

func TestNextEmptyReaderYieldsNoChunk(t *testing.T) {
	c, err := New(bytes.NewReader(nil), 64, 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Next(0); !errors.Is(err, io.EOF) {
		t.Errorf("Next on empty reader = %v, want io.EOF", err)
	}
}

func TestNewRejectsNonPositiveSizes(t *testing.T) {
	if _, err := New(bytes.NewReader(nil), 0, 16); err == nil {
		t.Error("New with chunkSize=0 should error")
	}
	if _, err := New(bytes.NewReader(nil), 64, 0); err == nil {
		t.Error("New with bufferSize=0 should error")
	}
}
