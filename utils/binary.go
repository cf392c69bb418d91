package utils

import (
	"encoding/gob"
	"os"
	"path/filepath"
)

// Store persists objects as gob files under one data directory.
type Store struct {
	dir string
}

// NewStore creates the data directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

// SaveToFile Save an object to a file using encoding/gob
func (s *Store) SaveToFile(filename string, obj interface{}) error {
	file, err := os.Create(filepath.Join(s.dir, filename))
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := gob.NewEncoder(file)
	err = encoder.Encode(obj)
	if err != nil {
		return err
	}
	return nil
}

// ReadFromFile Read an object from a file using encoding/gob
func (s *Store) ReadFromFile(filename string, obj interface{}) error {
	file, err := os.Open(filepath.Join(s.dir, filename))
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := gob.NewDecoder(file)
	err = decoder.Decode(obj)
	if err != nil {
		return err
	}
	return nil
}

func (s *Store) DeleteFile(filename string) error {
	err := os.Remove(filepath.Join(s.dir, filename))
	if err != nil {
		return err
	}
	return nil
}
