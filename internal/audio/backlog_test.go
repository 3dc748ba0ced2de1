package audio

import (
	"bytes"
	"sync"
	"testing"
)

func TestBacklog_PushDrain(t *testing.T) {
	b := NewBacklog(10)

	b.Push([]byte{1, 2, 3})
	b.Push([]byte{4, 5})
	if b.Len() != 5 {
		t.Errorf("Expected 5 buffered bytes, got %d", b.Len())
	}

	chunks := b.Drain()
	if len(chunks) != 2 {
		t.Fatalf("Expected 2 chunks, got %d", len(chunks))
	}
	if !bytes.Equal(chunks[0], []byte{1, 2, 3}) || !bytes.Equal(chunks[1], []byte{4, 5}) {
		t.Errorf("Unexpected chunk order: %v", chunks)
	}
	if b.Len() != 0 {
		t.Errorf("Expected empty backlog after drain, got %d", b.Len())
	}
}

func TestBacklog_PushCopies(t *testing.T) {
	b := NewBacklog(10)
	chunk := []byte{1, 2, 3}
	b.Push(chunk)
	chunk[0] = 9

	if got := b.Drain()[0][0]; got != 1 {
		t.Errorf("Expected backlog to own its copy, got %d", got)
	}
}

func TestBacklog_DropsOldest(t *testing.T) {
	b := NewBacklog(6)

	b.Push([]byte{1, 2, 3})
	b.Push([]byte{4, 5, 6})
	dropped := b.Push([]byte{7, 8})

	if dropped != 3 {
		t.Errorf("Expected 3 dropped bytes, got %d", dropped)
	}
	if b.Dropped() != 3 {
		t.Errorf("Expected Dropped()=3, got %d", b.Dropped())
	}
	chunks := b.Drain()
	if len(chunks) != 2 || chunks[0][0] != 4 || chunks[1][0] != 7 {
		t.Errorf("Expected newest chunks kept, got %v", chunks)
	}
}

func TestBacklog_OversizedChunk(t *testing.T) {
	b := NewBacklog(4)
	b.Push([]byte{1})

	if dropped := b.Push([]byte{1, 2, 3, 4, 5}); dropped != 5 {
		t.Errorf("Expected oversized chunk dropped, got %d", dropped)
	}
	if b.Len() != 1 {
		t.Errorf("Expected existing chunk kept, got %d bytes", b.Len())
	}
}

func TestBacklog_ZeroLimit(t *testing.T) {
	b := NewBacklog(0)
	b.Push([]byte{1, 2})
	if b.Len() != 0 {
		t.Errorf("Expected disabled backlog, got %d bytes", b.Len())
	}
}

func TestBacklog_Clear(t *testing.T) {
	b := NewBacklog(10)
	b.Push([]byte{1, 2, 3})
	b.Clear()
	if b.Len() != 0 || len(b.Drain()) != 0 {
		t.Error("Expected empty backlog after clear")
	}
}

func TestBacklog_Concurrent(t *testing.T) {
	b := NewBacklog(1 << 20)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Push([]byte{byte(j)})
			}
		}()
	}
	wg.Wait()

	if b.Len() != 800 {
		t.Errorf("Expected 800 bytes, got %d", b.Len())
	}
}
