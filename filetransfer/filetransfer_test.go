package filetransfer

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/twinlife/conversationcore/conv"
	"github.com/twinlife/conversationcore/frame"
)

type fakeWriter struct {
	frames [][]byte
}

func (w *fakeWriter) Write(peerConnectionID string, raw []byte) error {
	w.frames = append(w.frames, raw)
	return nil
}

func TestSendChunkSendsExactlyOneChunk(t *testing.T) {
	payload := make([]byte, ChunkSize+100)
	for i := range payload {
		payload[i] = byte(i)
	}
	src := bytes.NewReader(payload)
	writer := &fakeWriter{}
	conn := conv.NewConnection("pc-1", frame.Version{})
	s := &Sender{Writer: writer, Connection: conn, DescriptorID: 7, Source: src, Length: int64(len(payload))}

	if err := s.SendChunk(0, 1000); err != nil {
		t.Fatalf("SendChunk: %v", err)
	}
	if len(writer.frames) != 1 {
		t.Fatalf("expected exactly one frame sent, got %d", len(writer.frames))
	}

	reg := frame.NewRegistry()
	frame.RegisterDefaults(reg)
	_, decoded, err := reg.DecodeFrame(writer.frames[0][4:], conn.LeadingPadding())
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	msg, ok := decoded.(*frame.PushFileChunkIQ)
	if !ok {
		t.Fatalf("decoded type = %T, want *PushFileChunkIQ", decoded)
	}
	if msg.DescriptorID != 7 || msg.ChunkStart != 0 || len(msg.ChunkBytes) != ChunkSize {
		t.Errorf("unexpected chunk: descriptorId=%d chunkStart=%d len=%d", msg.DescriptorID, msg.ChunkStart, len(msg.ChunkBytes))
	}
}

func TestSendChunkSendsShortFinalChunk(t *testing.T) {
	payload := make([]byte, ChunkSize+100)
	src := bytes.NewReader(payload)
	writer := &fakeWriter{}
	conn := conv.NewConnection("pc-1", frame.Version{})
	s := &Sender{Writer: writer, Connection: conn, DescriptorID: 7, Source: src, Length: int64(len(payload))}

	if err := s.SendChunk(ChunkSize, 1000); err != nil {
		t.Fatalf("SendChunk: %v", err)
	}
	reg := frame.NewRegistry()
	frame.RegisterDefaults(reg)
	_, decoded, err := reg.DecodeFrame(writer.frames[0][4:], conn.LeadingPadding())
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	msg := decoded.(*frame.PushFileChunkIQ)
	if len(msg.ChunkBytes) != 100 {
		t.Errorf("expected the final short chunk to be 100 bytes, got %d", len(msg.ChunkBytes))
	}
}

func TestSendChunkPastLengthIsNoop(t *testing.T) {
	src := bytes.NewReader(make([]byte, 10))
	writer := &fakeWriter{}
	conn := conv.NewConnection("pc-1", frame.Version{})
	s := &Sender{Writer: writer, Connection: conn, Source: src, Length: 10}

	if err := s.SendChunk(10, 1000); err != nil {
		t.Fatalf("SendChunk: %v", err)
	}
	if len(writer.frames) != 0 {
		t.Errorf("expected no frame sent once chunkStart reaches Length, got %d", len(writer.frames))
	}
}

func TestNextChunkStartContinues(t *testing.T) {
	next, done, aborted := NextChunkStart(&frame.OnPushFileChunkIQ{ReceivedTimestamp: 1000, NextChunkStart: 262144}, 1 << 20)
	if next != 262144 || done || aborted {
		t.Errorf("NextChunkStart = (%d, %v, %v), want (262144, false, false)", next, done, aborted)
	}
}

func TestNextChunkStartDoneAtLength(t *testing.T) {
	next, done, aborted := NextChunkStart(&frame.OnPushFileChunkIQ{ReceivedTimestamp: 1000, NextChunkStart: 1 << 20}, 1<<20)
	if next != 1<<20 || !done || aborted {
		t.Errorf("NextChunkStart = (%d, %v, %v), want (%d, true, false)", next, done, aborted, 1<<20)
	}
}

func TestNextChunkStartAborted(t *testing.T) {
	_, done, aborted := NextChunkStart(&frame.OnPushFileChunkIQ{ReceivedTimestamp: -1, NextChunkStart: frame.LongMax}, 1<<20)
	if !done || !aborted {
		t.Errorf("expected done=true aborted=true, got done=%v aborted=%v", done, aborted)
	}
}

func TestReceiverAppendChunkAndComplete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.bin")
	r := &Receiver{Path: path, DescriptorID: 1, Length: 10}

	reply := r.AppendChunk(0, []byte("0123456789"), 5000)
	if reply.ReceivedTimestamp != 5000 || reply.NextChunkStart != 10 {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if !r.IsAvailable() {
		t.Error("expected the file to be available once fully received")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "0123456789" {
		t.Errorf("file content = %q, want %q", data, "0123456789")
	}
}

func TestReceiverAppendChunkPartialNotYetAvailable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.bin")
	r := &Receiver{Path: path, DescriptorID: 1, Length: 10}

	r.AppendChunk(0, []byte("01234"), 5000)
	if r.IsAvailable() {
		t.Error("expected the file to not be available before every chunk is received")
	}
}

func TestReceiverAbortRemovesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.bin")
	r := &Receiver{Path: path, DescriptorID: 1, Length: 5}
	r.AppendChunk(0, []byte("01234"), 1000)

	if err := r.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected the file to be removed after Abort")
	}
}

func TestThumbnailSenderSendChunkUsesDistinctSchema(t *testing.T) {
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	src := bytes.NewReader(payload)
	writer := &fakeWriter{}
	conn := conv.NewConnection("pc-1", frame.Version{})
	s := &ThumbnailSender{Writer: writer, Connection: conn, DescriptorID: 7, Source: src, Length: int64(len(payload))}

	if err := s.SendChunk(0, 1000); err != nil {
		t.Fatalf("SendChunk: %v", err)
	}
	if len(writer.frames) != 1 {
		t.Fatalf("expected exactly one frame sent, got %d", len(writer.frames))
	}

	reg := frame.NewRegistry()
	frame.RegisterDefaults(reg)
	key, decoded, err := reg.DecodeFrame(writer.frames[0][4:], conn.LeadingPadding())
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if key.SchemaID != frame.SchemaThumbnailChunk {
		t.Errorf("schema id = %v, want SchemaThumbnailChunk (a thumbnail chunk must never be mistaken for a full-file chunk)", key.SchemaID)
	}
	msg, ok := decoded.(*frame.ThumbnailChunkIQ)
	if !ok {
		t.Fatalf("decoded type = %T, want *ThumbnailChunkIQ", decoded)
	}
	if msg.DescriptorID != 7 || msg.ChunkStart != 0 || len(msg.ChunkBytes) != 100 {
		t.Errorf("unexpected chunk: descriptorId=%d chunkStart=%d len=%d", msg.DescriptorID, msg.ChunkStart, len(msg.ChunkBytes))
	}
}

func TestThumbnailSenderSendChunkPastLengthIsNoop(t *testing.T) {
	src := bytes.NewReader(make([]byte, 10))
	writer := &fakeWriter{}
	conn := conv.NewConnection("pc-1", frame.Version{})
	s := &ThumbnailSender{Writer: writer, Connection: conn, Source: src, Length: 10}

	if err := s.SendChunk(10, 1000); err != nil {
		t.Fatalf("SendChunk: %v", err)
	}
	if len(writer.frames) != 0 {
		t.Errorf("expected no frame sent once chunkStart reaches Length, got %d", len(writer.frames))
	}
}

func TestLayoutBuildsContentAndThumbnailPaths(t *testing.T) {
	content, thumb := Layout("/files", "peer-out", 42, "jpg")
	if content != filepath.Join("/files", "conversations", "peer-out", "42.jpg") {
		t.Errorf("content path = %q", content)
	}
	if thumb != filepath.Join("/files", "conversations", "peer-out", "42-thumbnail.jpg") {
		t.Errorf("thumbnail path = %q", thumb)
	}
}
