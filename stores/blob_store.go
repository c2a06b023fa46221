package stores

import (
	"bufio"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	cst "wuyrush.io/locket/constants"
	se "wuyrush.io/locket/errors"
)

// BlobStore stores capsule media of arbitrary type: the core hands it bytes
// and gets back a URL to freeze into a content item. Upload mechanics beyond
// that are the store's business.
type BlobStore interface {
	// Ref returns the reference of a blob in the storage layer for future
	// persistence and access. It should always be deterministic based on
	// capsule ID and filename
	Ref(capsuleID, filename string) string
	// URL maps a reference to the URL embedded into capsule contents
	URL(ref string) string
	Save(ref string, r io.ReadCloser) *se.Err
	Get(ref string) (io.ReadCloser, *se.Err)
	// Delete deletes a blob from store. Delete must be idempotent
	Delete(ref string) *se.Err
	Close() *se.Err
}

// LocalBlobStore implements BlobStore backed by local file system
type LocalBlobStore struct {
}

func (fs *LocalBlobStore) Ref(capsuleID, filename string) string {
	root := viper.GetString(cst.EnvBlobRoot)
	if root == "" {
		root = filepath.Join(string(filepath.Separator), "tmp")
	}
	// TODO: this doesn't scale under high write traffic due to inode exhaustion; move to an object store
	// once capsules with heavy media are really growing
	return filepath.Join(root, capsuleID, filename)
}

func (fs *LocalBlobStore) URL(ref string) string {
	return viper.GetString(cst.EnvBlobBaseURL) + ref
}

func (fs *LocalBlobStore) Save(ref string, r io.ReadCloser) *se.Err {
	itemMaxSizeByte := viper.GetInt64(cst.EnvCapsuleItemSizeMax)
	// 1. prepare file to host data
	errMsg := "error allocating blob storage space"
	dir := filepath.Dir(ref)
	if err := os.MkdirAll(dir, os.ModeDir|0o755); err != nil {
		return se.ErrUploadFailed(errMsg).WithCause(err)
	}
	f, err := os.Create(ref)
	if err != nil {
		return se.ErrUploadFailed(errMsg).WithCause(err)
	}
	defer f.Close()
	// 2. pipe data to file
	br := bufio.NewReader(http.MaxBytesReader(nil, r, itemMaxSizeByte))
	if _, err := br.WriteTo(f); err != nil {
		if strings.Index(err.Error(), cst.ErrMsgRequestBodyTooLarge) >= 0 {
			return se.ErrBadInput("capsule content item oversized").WithCause(err)
		}
		return se.ErrUploadFailed("error saving capsule content data").WithCause(err)
	}
	return nil
}

func (fs *LocalBlobStore) Get(ref string) (io.ReadCloser, *se.Err) {
	f, err := os.Open(ref)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, se.ErrNotFound("capsule content not found").WithCause(err)
		}
		return nil, se.ErrServiceFailure("error retrieving capsule content")
	}
	return f, nil
}

func (fs *LocalBlobStore) Delete(ref string) *se.Err {
	if err := os.Remove(ref); err != nil && !os.IsNotExist(err) {
		return se.ErrServiceFailure("error removing capsule content").WithCause(err)
	}
	return nil
}

func (fs *LocalBlobStore) Close() *se.Err {
	return nil
}
