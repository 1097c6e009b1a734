package mqtt

import (
	"testing"
)

func pushN(rb *ringBuffer, n int) {
	for i := 0; i < n; i++ {
		rb.push(bufferedMsg{topic: TopicCalls, payload: []byte{byte(i)}})
	}
}

func TestRingBufferDrainOrder(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		pushed   int
		first    byte
		want     int
	}{
		{"empty", 4, 0, 0, 0},
		{"partial", 4, 3, 0, 3},
		{"exactly full", 4, 4, 0, 4},
		{"overflow keeps newest", 4, 7, 3, 4},
		{"overflow wraps twice", 3, 10, 7, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb := newRingBuffer(tt.capacity)
			pushN(rb, tt.pushed)
			if rb.len() != tt.want {
				t.Errorf("len: got %d, want %d", rb.len(), tt.want)
			}

			got := rb.drainAll()
			if len(got) != tt.want {
				t.Fatalf("drained %d, want %d", len(got), tt.want)
			}
			for i, m := range got {
				if m.payload[0] != tt.first+byte(i) {
					t.Errorf("item %d: payload %d, want %d", i, m.payload[0], tt.first+byte(i))
				}
			}
			if rb.len() != 0 {
				t.Errorf("len after drain: got %d", rb.len())
			}
		})
	}
}

func TestRingBufferDrainTwice(t *testing.T) {
	rb := newRingBuffer(5)
	pushN(rb, 2)
	rb.drainAll()
	if got := rb.drainAll(); got != nil {
		t.Errorf("expected nil from second drain, got %d items", len(got))
	}
}

func TestRingBufferOverflowFlagResetsOnDrain(t *testing.T) {
	rb := newRingBuffer(2)
	pushN(rb, 3)
	if !rb.overflow {
		t.Fatal("expected overflow after pushing past capacity")
	}
	rb.drainAll()
	if rb.overflow {
		t.Error("overflow flag should reset on drain")
	}

	// Reuse after drain starts from a clean slate.
	pushN(rb, 1)
	got := rb.drainAll()
	if len(got) != 1 || got[0].payload[0] != 0 {
		t.Errorf("unexpected contents after reuse: %+v", got)
	}
}

func TestRingBufferPreservesFields(t *testing.T) {
	rb := newRingBuffer(1)
	rb.push(bufferedMsg{topic: TopicSystem, payload: []byte(`{}`), qos: 1, retained: true})

	got := rb.drainAll()
	if len(got) != 1 {
		t.Fatalf("expected 1 item, got %d", len(got))
	}
	m := got[0]
	if m.topic != TopicSystem || string(m.payload) != "{}" || m.qos != 1 || !m.retained {
		t.Errorf("fields not preserved: %+v", m)
	}
}
