package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

const fileFormatVersion = 1

type fileDocument struct {
	Version     int             `json:"version"`
	Credentials Credentials     `json:"credentials"`
	Profile     json.RawMessage `json:"profile,omitempty"`
}

// FileStore persists the session as a JSON document readable only by the owner.
//
// Writes go to a temporary file in the same directory followed by a rename, so a crash
// never leaves a half-written document behind.
type FileStore struct {
	path string
	log  logrus.FieldLogger
	mu   sync.Mutex
}

// NewFileStore returns a FileStore backed by path. The file is created on first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path: path,
		log:  logrus.StandardLogger(),
	}
}

// WithLogger sets the logger used to report unreadable documents.
func (s *FileStore) WithLogger(l logrus.FieldLogger) *FileStore {
	if l != nil {
		s.log = l
	}
	return s
}

// Path returns the document location.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load(context.Context) (Credentials, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		s.log.WithError(err).WithField("path", s.path).Warn("credstore: unreadable session file")
		return Credentials{}, false
	}
	if doc.Credentials.Empty() {
		return Credentials{}, false
	}
	return doc.Credentials, true
}

func (s *FileStore) Save(_ context.Context, creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		// A corrupt document is replaced rather than blocking token rotation.
		doc = fileDocument{}
	}
	doc.Credentials = creds
	if err := s.write(doc); err != nil {
		return &StoreError{Op: "save", Backend: "file", Err: err}
	}
	return nil
}

func (s *FileStore) SaveSession(_ context.Context, creds Credentials, profile []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := fileDocument{Credentials: creds}
	if len(profile) > 0 {
		if !json.Valid(profile) {
			return &StoreError{Op: "save_session", Backend: "file", Err: errors.New("profile is not valid JSON")}
		}
		doc.Profile = cloneBytes(profile)
	}
	if err := s.write(doc); err != nil {
		return &StoreError{Op: "save_session", Backend: "file", Err: err}
	}
	return nil
}

func (s *FileStore) SaveProfile(_ context.Context, profile []byte) error {
	if len(profile) > 0 && !json.Valid(profile) {
		return &StoreError{Op: "save_profile", Backend: "file", Err: errors.New("profile is not valid JSON")}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return &StoreError{Op: "save_profile", Backend: "file", Err: err}
	}
	doc.Profile = cloneBytes(profile)
	if err := s.write(doc); err != nil {
		return &StoreError{Op: "save_profile", Backend: "file", Err: err}
	}
	return nil
}

func (s *FileStore) Profile(context.Context) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil || len(doc.Profile) == 0 {
		return nil, false
	}
	return cloneBytes(doc.Profile), true
}

func (s *FileStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &StoreError{Op: "clear", Backend: "file", Err: err}
	}
	return nil
}

func (s *FileStore) read() (fileDocument, error) {
	var doc fileDocument
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return doc, nil
		}
		return doc, err
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fileDocument{}, fmt.Errorf("decode %s: %w", s.path, err)
	}
	if doc.Version > fileFormatVersion {
		return fileDocument{}, fmt.Errorf("unsupported session file version %d", doc.Version)
	}
	return doc, nil
}

func (s *FileStore) write(doc fileDocument) error {
	doc.Version = fileFormatVersion
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".gosession-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}
