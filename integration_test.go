package chunkstream

import (
	"bytes"
	"net"
	"testing"
	"time"
)

// TestRoundTripLosslessChannel feeds data through a real Sender/Receiver
// pair over a lossless loopback channel and expects it back
// byte-identically.
func TestRoundTripLosslessChannel(t *testing.T) {
	receiverDone := make(chan []byte, 4)
	receiver, err := NewReceiver(0, func(data []byte, release func()) {
		receiverDone <- append([]byte{}, data...)
		release()
	}, WithLogger(testLog()))
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	defer receiver.Close()
	port := receiver.conn.LocalAddr().(*net.UDPAddr).Port
	go receiver.Start()

	sender, err := NewSender("127.0.0.1", port, WithLogger(testLog()))
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	defer sender.Close()
	go sender.Start()

	frames := [][]byte{
		[]byte("tiny"),
		bytes.Repeat([]byte{0xAB}, 4000),
		bytes.Repeat([]byte{0x01, 0x02, 0x03}, 5000),
	}
	for _, frame := range frames {
		if err := sender.Send(frame); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	received := make([][]byte, 0, len(frames))
	deadline := time.After(3 * time.Second)
	for len(received) < len(frames) {
		select {
		case data := <-receiverDone:
			received = append(received, data)
		case <-deadline:
			t.Fatalf("expected %d frames, got %d", len(frames), len(received))
		}
	}

	if receiver.GetFrameCount() != uint64(len(frames)) {
		t.Errorf("expected frame count %d, got %d", len(frames), receiver.GetFrameCount())
	}

	for _, want := range frames {
		found := false
		for _, got := range received {
			if bytes.Equal(want, got) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("frame of length %d not found among delivered frames", len(want))
		}
	}
}

// TestOutOfOrderCompletionDeliversFirst exercises scenario 6: a frame
// with all its chunks present completes and is delivered even while an
// earlier frame is still assembling.
func TestOutOfOrderCompletionDeliversFirst(t *testing.T) {
	receiver, port := newTestReceiver(t, func(data []byte, release func()) {
		release()
	})

	sender := newFakeSender(t)
	dest := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}

	// Frame A: only chunk 0 of 2 ever arrives (will eventually be dropped).
	hA := ChunkHeader{ID: 1, TotalSize: 20, TotalChunks: 2, ChunkIndex: 0, ChunkSize: 10, TransmissionType: Init}
	sendChunk(t, sender, dest, hA, make([]byte, 10))

	// Frame B: fully delivered immediately, well before frame A's
	// FRAME_DROP_TIMEOUT elapses.
	hB := ChunkHeader{ID: 2, TotalSize: 5, TotalChunks: 1, ChunkIndex: 0, ChunkSize: 5, TransmissionType: Init}
	sendChunk(t, sender, dest, hB, []byte("world"))

	deadline := time.Now().Add(50 * time.Millisecond)
	for time.Now().Before(deadline) {
		if receiver.GetFrameCount() == 1 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("expected frame B to complete independently of frame A's ongoing loss")
}
