package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/twinlife/conversationcore/filetransfer"
)

// fileRegistry is the reference daemon's minimal backing for
// dispatch.FrameSender.FileSource and dispatch.Dispatcher's FileSink: an
// in-memory map from descriptor id to on-disk metadata for outbound
// pushes, and spec §5's "<filesDir>/conversations/<twincodeOutboundId>/
// <sequenceId>[.<ext>]" layout for inbound ones. Outbound entries are
// added by the daemon's POST /api/conversations/:id/files endpoint and
// are kept in memory only, so they do not survive a restart.
type fileRegistry struct {
	filesDir string

	mu        sync.Mutex
	outgoing  map[int64]outgoingFile
	thumbnail map[int64]string // descriptorID -> on-disk thumbnail path
}

type outgoingFile struct {
	path     string
	name     string
	mimeType string
	length   int64
}

func newFileRegistry(filesDir string) *fileRegistry {
	return &fileRegistry{filesDir: filesDir, outgoing: make(map[int64]outgoingFile), thumbnail: make(map[int64]string)}
}

// registerOutgoingThumbnail makes descriptorID's local thumbnail file
// available to sendThumbnail, the chunked sidecar sub-protocol of spec
// §4.8/C9.
func (r *fileRegistry) registerOutgoingThumbnail(descriptorID int64, path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	r.mu.Lock()
	r.thumbnail[descriptorID] = path
	r.mu.Unlock()
	return nil
}

// thumbnailMeta backs thumbnailAdapter.Meta (dispatch.ThumbnailSource).
func (r *fileRegistry) thumbnailMeta(descriptorID int64) (int64, error) {
	r.mu.Lock()
	path, ok := r.thumbnail[descriptorID]
	r.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("convd: no outgoing thumbnail registered for descriptor %d", descriptorID)
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// thumbnailReaderAt backs thumbnailAdapter.ReaderAt (dispatch.ThumbnailSource).
func (r *fileRegistry) thumbnailReaderAt(descriptorID int64) (io.ReaderAt, error) {
	r.mu.Lock()
	path, ok := r.thumbnail[descriptorID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("convd: no outgoing thumbnail registered for descriptor %d", descriptorID)
	}
	return os.Open(path)
}

// registerOutgoing makes descriptorID's local file available to
// sendPushFile; called once the caller has created the PushFile
// operation via scheduler.EnqueueFile.
func (r *fileRegistry) registerOutgoing(descriptorID int64, path, name, mimeType string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.outgoing[descriptorID] = outgoingFile{path: path, name: name, mimeType: mimeType, length: info.Size()}
	r.mu.Unlock()
	return nil
}

// Meta implements dispatch.FileSource.
func (r *fileRegistry) Meta(descriptorID int64) (name, mimeType string, length int64, thumbnail []byte, err error) {
	r.mu.Lock()
	entry, ok := r.outgoing[descriptorID]
	r.mu.Unlock()
	if !ok {
		return "", "", 0, nil, fmt.Errorf("convd: no outgoing file registered for descriptor %d", descriptorID)
	}
	return entry.name, entry.mimeType, entry.length, nil, nil
}

// ReaderAt implements dispatch.FileSource.
func (r *fileRegistry) ReaderAt(descriptorID int64) (io.ReaderAt, error) {
	r.mu.Lock()
	entry, ok := r.outgoing[descriptorID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("convd: no outgoing file registered for descriptor %d", descriptorID)
	}
	return os.Open(entry.path)
}

// Path implements dispatch.FileSink, computing the destination for an
// inbound push with filetransfer.Layout (spec §5 "Shared resources").
func (r *fileRegistry) Path(senderTwincodeOutboundID string, sequenceID int64, name string) (string, error) {
	ext := filepath.Ext(name)
	if ext != "" {
		ext = ext[1:]
	}
	path, _ := filetransfer.Layout(r.filesDir, senderTwincodeOutboundID, sequenceID, ext)
	return path, nil
}

// thumbnails adapts fileRegistry to dispatch.ThumbnailSource and
// dispatch.ThumbnailSink, kept as a separate type because those interfaces'
// Meta/ReaderAt/Path method names are already claimed above by
// dispatch.FileSource/FileSink with different signatures.
func (r *fileRegistry) thumbnails() *thumbnailAdapter { return &thumbnailAdapter{r: r} }

type thumbnailAdapter struct{ r *fileRegistry }

func (t *thumbnailAdapter) Meta(descriptorID int64) (int64, error) {
	return t.r.thumbnailMeta(descriptorID)
}

func (t *thumbnailAdapter) ReaderAt(descriptorID int64) (io.ReaderAt, error) {
	return t.r.thumbnailReaderAt(descriptorID)
}

// Path implements dispatch.ThumbnailSink using the same sidecar convention
// filetransfer.Layout already defines for the full-size file.
func (t *thumbnailAdapter) Path(senderTwincodeOutboundID string, sequenceID int64, descriptorID int64) (string, error) {
	_, thumbPath := filetransfer.Layout(t.r.filesDir, senderTwincodeOutboundID, sequenceID, "")
	return thumbPath, nil
}
