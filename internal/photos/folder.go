package photos

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.etcd.io/bbolt"
)

const processedBucketName = "processed_photos"

// mimeTypes maps the file extensions the folder source accepts.
var mimeTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".heic": "image/heic",
	".heif": "image/heif",
	".pdf":  "application/pdf",
}

// FolderSource is a folder-polling photo provider: bill photos are dropped
// into a watched directory (synced from a phone) and identified by filename.
// The processed set lives in a bbolt bucket so photos survive restarts
// without being re-billed.
type FolderSource struct {
	dir string
	db  *bbolt.DB
}

// NewFolderSource creates the processed-photos bucket and returns a source
// watching dir.
func NewFolderSource(dir string, db *bbolt.DB) (*FolderSource, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(processedBucketName))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating processed-photos bucket: %w", err)
	}
	return &FolderSource{dir: dir, db: db}, nil
}

// ListNew returns the unprocessed photos in the watched directory. The photo
// ID is the filename; capture time is the file modification time.
func (f *FolderSource) ListNew() ([]Photo, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrAuth, f.dir, err)
	}

	processed := make(map[string]bool)
	err = f.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(processedBucketName)).ForEach(func(k, v []byte) error {
			processed[string(k)] = true
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading processed set: %w", err)
	}

	var list []Photo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		mimeType, ok := mimeTypes[strings.ToLower(filepath.Ext(entry.Name()))]
		if !ok {
			continue
		}
		if processed[entry.Name()] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		list = append(list, Photo{
			ID:         entry.Name(),
			Filename:   entry.Name(),
			MIMEType:   mimeType,
			CapturedAt: info.ModTime(),
		})
	}
	return list, nil
}

// Download returns the raw bytes of a photo by ID.
func (f *FolderSource) Download(id string) ([]byte, error) {
	// IDs come from ReadDir but guard against traversal anyway
	if id != filepath.Base(id) {
		return nil, fmt.Errorf("invalid photo id: %s", id)
	}
	data, err := os.ReadFile(filepath.Join(f.dir, id))
	if err != nil {
		return nil, fmt.Errorf("reading photo %s: %w", id, err)
	}
	return data, nil
}

// MarkProcessed records a photo ID so it is never returned by ListNew again.
func (f *FolderSource) MarkProcessed(id string) error {
	return f.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(processedBucketName)).Put([]byte(id), []byte("1"))
	})
}
