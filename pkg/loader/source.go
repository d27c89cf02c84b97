package loader

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is wrapped by a Source that has no bytes for a name.
var ErrNotFound = errors.New("class not found")

// Source locates the raw bytes of a class by binary name
// ("java/lang/Object").
type Source interface {
	Find(name string) ([]byte, error)
}

// JmodSource reads classes from a JDK jmod file.
type JmodSource struct {
	JmodPath string

	once    sync.Once
	openErr error
	entries map[string]*zip.File
}

// NewJmodSource creates a new JmodSource. The file is opened on first use.
func NewJmodSource(jmodPath string) *JmodSource {
	return &JmodSource{JmodPath: jmodPath}
}

func (s *JmodSource) open() error {
	s.once.Do(func() {
		data, err := os.ReadFile(s.JmodPath)
		if err != nil {
			s.openErr = fmt.Errorf("jmod: reading %s: %w", s.JmodPath, err)
			return
		}
		if len(data) < 4 {
			s.openErr = fmt.Errorf("jmod: %s: file too short", s.JmodPath)
			return
		}
		zipData := data[4:] // Skip "JM\x01\x00" header
		zr, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
		if err != nil {
			s.openErr = fmt.Errorf("jmod: opening zip: %w", err)
			return
		}
		s.entries = make(map[string]*zip.File, len(zr.File))
		for _, f := range zr.File {
			if name, ok := strings.CutPrefix(f.Name, "classes/"); ok && strings.HasSuffix(name, ".class") {
				s.entries[strings.TrimSuffix(name, ".class")] = f
			}
		}
	})
	return s.openErr
}

func (s *JmodSource) Find(name string) ([]byte, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	f, ok := s.entries[name]
	if !ok {
		return nil, fmt.Errorf("jmod: %s in %s: %w", name, s.JmodPath, ErrNotFound)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("jmod: opening %s: %w", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("jmod: reading %s: %w", f.Name, err)
	}
	return data, nil
}

// Names lists every class in the jmod.
func (s *JmodSource) Names() ([]string, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(s.entries))
	for n := range s.entries {
		names = append(names, n)
	}
	return names, nil
}

// DirSource reads <ClassPath>/<name>.class files.
type DirSource struct {
	ClassPath string
}

// NewDirSource creates a new DirSource.
func NewDirSource(classPath string) *DirSource {
	return &DirSource{ClassPath: classPath}
}

func (s *DirSource) Find(name string) ([]byte, error) {
	path := filepath.Join(s.ClassPath, filepath.FromSlash(name)+".class")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("dir: %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("dir: reading %s: %w", path, err)
	}
	return data, nil
}

// MapSource serves classes from memory.
type MapSource struct {
	mu      sync.RWMutex
	classes map[string][]byte
}

// NewMapSource creates a MapSource holding a copy of classes.
func NewMapSource(classes map[string][]byte) *MapSource {
	s := &MapSource{classes: make(map[string][]byte, len(classes))}
	for n, b := range classes {
		s.classes[n] = b
	}
	return s
}

// Put adds or replaces a class.
func (s *MapSource) Put(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.classes[name] = data
}

func (s *MapSource) Find(name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.classes[name]
	if !ok {
		return nil, fmt.Errorf("memory: %s: %w", name, ErrNotFound)
	}
	return data, nil
}

// Path searches sources in order; the first hit wins.
type Path []Source

func (p Path) Find(name string) ([]byte, error) {
	for _, s := range p {
		data, err := s.Find(name)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("path: %s: %w", name, ErrNotFound)
}
