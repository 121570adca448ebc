package blobstore

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"clipd/internal/services"
)

// localStore keeps blobs as plain files under a root directory. Upload grants
// carry an HMAC token with the same field shape the S3 backend produces so
// callers cannot tell the backends apart.
type localStore struct {
	root          string
	presignExpiry time.Duration
	secret        []byte
}

// NewLocal constructs a directory-backed gateway rooted at dir.
func NewLocal(dir string, presignExpiry time.Duration) (Gateway, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("local store directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create local store root: %w", err)
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate presign secret: %w", err)
	}
	if presignExpiry <= 0 {
		presignExpiry = 15 * time.Minute
	}
	return &localStore{root: dir, presignExpiry: presignExpiry, secret: secret}, nil
}

func (l *localStore) blobPath(key string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", services.Wrap(services.ErrValidation, "storage", "resolve key", fmt.Sprintf("invalid blob key %q", key), nil)
	}
	return filepath.Join(l.root, cleaned), nil
}

func (l *localStore) Put(ctx context.Context, key string, r io.Reader, contentType string) (Location, error) {
	path, err := l.blobPath(key)
	if err != nil {
		return Location{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Location{}, services.Wrap(services.ErrTransient, "storage", "put", "create blob directory", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return Location{}, services.Wrap(services.ErrTransient, "storage", "put", "create temp file", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return Location{}, services.Wrap(services.ErrTransient, "storage", "put", "write blob", err)
	}
	if err := tmp.Close(); err != nil {
		return Location{}, services.Wrap(services.ErrTransient, "storage", "put", "close blob", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return Location{}, services.Wrap(services.ErrTransient, "storage", "put", "finalize blob", err)
	}
	return Location{Key: key, URL: l.PublicURL(key)}, nil
}

func (l *localStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := l.blobPath(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, services.Wrap(services.ErrDataMissing, "storage", "get", fmt.Sprintf("blob %q not found", key), err)
		}
		return nil, services.Wrap(services.ErrTransient, "storage", "get", "open blob", err)
	}
	return file, nil
}

func (l *localStore) Delete(ctx context.Context, key string) error {
	path, err := l.blobPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return services.Wrap(services.ErrTransient, "storage", "delete", "remove blob", err)
	}
	return nil
}

func (l *localStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	err := filepath.WalkDir(l.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		objects = append(objects, ObjectInfo{
			Key:       key,
			Size:      info.Size(),
			CreatedAt: info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "storage", "list", "walk blobs", err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (l *localStore) PresignUpload(ctx context.Context, key, contentType string, maxBytes int64) (UploadGrant, error) {
	if _, err := l.blobPath(key); err != nil {
		return UploadGrant{}, err
	}
	expiry := time.Now().UTC().Add(l.presignExpiry)
	token := l.signGrant(key, contentType, maxBytes, expiry)
	return UploadGrant{
		URL: "file://" + filepath.ToSlash(l.root),
		Fields: map[string]string{
			"key":            key,
			"Content-Type":   contentType,
			"x-max-bytes":    strconv.FormatInt(maxBytes, 10),
			"x-expires":      expiry.Format(time.RFC3339),
			"x-upload-token": token,
		},
		Expiry: expiry,
	}, nil
}

// VerifyGrant checks that an upload token matches the grant parameters and is
// not expired. The daemon uses it to accept direct uploads in local mode.
func (l *localStore) VerifyGrant(key, contentType string, maxBytes int64, expiry time.Time, token string) bool {
	if time.Now().UTC().After(expiry) {
		return false
	}
	expected := l.signGrant(key, contentType, maxBytes, expiry.UTC())
	return hmac.Equal([]byte(expected), []byte(token))
}

func (l *localStore) signGrant(key, contentType string, maxBytes int64, expiry time.Time) string {
	mac := hmac.New(sha256.New, l.secret)
	fmt.Fprintf(mac, "%s\n%s\n%d\n%s", key, contentType, maxBytes, expiry.Format(time.RFC3339))
	return hex.EncodeToString(mac.Sum(nil))
}

func (l *localStore) PublicURL(key string) string {
	return "file://" + filepath.ToSlash(filepath.Join(l.root, filepath.FromSlash(key)))
}
