// Package filetransfer implements the chunked file-transfer sub-protocol
// piggybacked on the same frame channel (spec §4.8, C9): push-file,
// push-file-chunk, and a thumbnail sidecar sharing the same chunking
// mechanics.
package filetransfer

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/twinlife/conversationcore/conv"
	"github.com/twinlife/conversationcore/frame"
)

// ChunkSize is the fixed chunk size used for both file and thumbnail
// transfers (spec §4.8).
const ChunkSize = 256 * 1024

// FrameWriter is the minimal capability needed to push an encoded frame on
// a connection.
type FrameWriter interface {
	Write(peerConnectionID string, raw []byte) error
}

// Sender drives the sending side of a chunked transfer: read from Source
// starting at ChunkStart, send one ChunkSize frame, and wait for the next
// OnPushFileChunkIQ before continuing (spec §4.8 step 2).
type Sender struct {
	Writer       FrameWriter
	Connection   *conv.Connection
	DescriptorID int64
	Source       io.ReaderAt
	Length       int64
}

// SendChunk reads and sends exactly one chunk starting at chunkStart. It
// does no pacing of its own; the connection's estimated RTT is not used.
func (s *Sender) SendChunk(chunkStart int64, senderTimestamp int64) error {
	if chunkStart >= s.Length {
		return nil
	}
	size := int64(ChunkSize)
	if remaining := s.Length - chunkStart; remaining < size {
		size = remaining
	}
	buf := make([]byte, size)
	n, err := s.Source.ReadAt(buf, chunkStart)
	if err != nil && err != io.EOF {
		return err
	}
	msg := &frame.PushFileChunkIQ{
		DescriptorID:    s.DescriptorID,
		ChunkStart:      chunkStart,
		SenderTimestamp: senderTimestamp,
		ChunkBytes:      buf[:n],
	}
	var out bytes.Buffer
	if err := frame.EncodeFrame(&out, frame.Key{SchemaID: frame.SchemaPushFileChunk, SchemaVersion: 1}, msg, s.Connection.LeadingPadding()); err != nil {
		return err
	}
	return s.Writer.Write(s.Connection.PeerConnectionID, out.Bytes())
}

// ThumbnailSender mirrors Sender for the thumbnail sub-protocol (spec §4.8,
// C9): same chunking, a distinct schema id so a thumbnail transfer's
// receiver-map key never collides with the full-size file's.
type ThumbnailSender struct {
	Writer       FrameWriter
	Connection   *conv.Connection
	DescriptorID int64
	Source       io.ReaderAt
	Length       int64
}

// SendChunk reads and sends exactly one thumbnail chunk starting at
// chunkStart (spec §4.8).
func (s *ThumbnailSender) SendChunk(chunkStart int64, senderTimestamp int64) error {
	if chunkStart >= s.Length {
		return nil
	}
	size := int64(ChunkSize)
	if remaining := s.Length - chunkStart; remaining < size {
		size = remaining
	}
	buf := make([]byte, size)
	n, err := s.Source.ReadAt(buf, chunkStart)
	if err != nil && err != io.EOF {
		return err
	}
	msg := &frame.ThumbnailChunkIQ{
		DescriptorID:    s.DescriptorID,
		ChunkStart:      chunkStart,
		SenderTimestamp: senderTimestamp,
		ChunkBytes:      buf[:n],
	}
	var out bytes.Buffer
	if err := frame.EncodeFrame(&out, frame.Key{SchemaID: frame.SchemaThumbnailChunk, SchemaVersion: 1}, msg, s.Connection.LeadingPadding()); err != nil {
		return err
	}
	return s.Writer.Write(s.Connection.PeerConnectionID, out.Bytes())
}

// NextChunkStart computes the next offset to send after the peer's reply;
// done is true once that offset reaches length. A negative
// receivedTimestamp with nextChunkStart == LongMax means the receiver
// aborted and is reported as (0, true, true) (spec §4.8).
func NextChunkStart(reply *frame.OnPushFileChunkIQ, length int64) (next int64, done bool, aborted bool) {
	if reply.ReceivedTimestamp < 0 && reply.NextChunkStart == frame.LongMax {
		return 0, true, true
	}
	if reply.NextChunkStart >= length {
		return reply.NextChunkStart, true, false
	}
	return reply.NextChunkStart, false, false
}

// Receiver accumulates incoming chunks onto a local file at Path (spec
// §4.8 "Receive-side"). Files are written atomically: create, append,
// complete — matching spec §5's "Shared resources" rule.
type Receiver struct {
	Path         string
	DescriptorID int64
	Length       int64

	file *os.File
}

// Layout returns the on-disk path for a conversation's descriptor content
// and its thumbnail sidecar (spec §4.8, §5 "Shared resources").
func Layout(filesDir, peerTwincodeOutboundID string, sequenceID int64, ext string) (contentPath, thumbnailPath string) {
	dir := filepath.Join(filesDir, "conversations", peerTwincodeOutboundID)
	name := fmt.Sprintf("%d", sequenceID)
	if ext != "" {
		name += "." + ext
	}
	return filepath.Join(dir, name), filepath.Join(dir, fmt.Sprintf("%d-thumbnail.jpg", sequenceID))
}

func (r *Receiver) ensureOpen() error {
	if r.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.Path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(r.Path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	r.file = f
	return nil
}

// AppendChunk writes chunkBytes at chunkStart and returns the reply frame
// to send back: success advances nextChunkStart; any failure (no space,
// seek error) answers received=-1, nextChunkStart=LongMax so the sender
// stops immediately and marks its descriptor failed (spec §4.8).
func (r *Receiver) AppendChunk(chunkStart int64, chunkBytes []byte, now int64) *frame.OnPushFileChunkIQ {
	if err := r.ensureOpen(); err != nil {
		return &frame.OnPushFileChunkIQ{ReceivedTimestamp: -1, NextChunkStart: frame.LongMax}
	}
	if _, err := r.file.WriteAt(chunkBytes, chunkStart); err != nil {
		return &frame.OnPushFileChunkIQ{ReceivedTimestamp: -1, NextChunkStart: frame.LongMax}
	}
	next := chunkStart + int64(len(chunkBytes))
	if next >= r.Length {
		_ = r.Complete()
	}
	return &frame.OnPushFileChunkIQ{ReceivedTimestamp: now, NextChunkStart: next}
}

// Complete closes and syncs the destination file (spec §5 "atomically:
// create -> append -> complete").
func (r *Receiver) Complete() error {
	if r.file == nil {
		return nil
	}
	if err := r.file.Sync(); err != nil {
		return err
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Abort deletes a partially received file whose receive has failed, before
// the caller removes the owning descriptor (spec §4.8).
func (r *Receiver) Abort() error {
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}
	err := os.Remove(r.Path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// IsAvailable reports whether the receiver's destination file exists and
// is exactly Length bytes (spec §8 invariant 5).
func (r *Receiver) IsAvailable() bool {
	info, err := os.Stat(r.Path)
	if err != nil {
		return false
	}
	return info.Size() == r.Length
}
