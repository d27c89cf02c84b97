package loader

import (
	"archive/zip"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/daimatz/classlink/pkg/classfile"
)

func writeJmod(t *testing.T, classes map[string][]byte) string {
	t.Helper()

	var buf bytes.Buffer
	buf.Write([]byte("JM\x01\x00"))
	zw := zip.NewWriter(&buf)
	for name, data := range classes {
		w, err := zw.Create("classes/" + name + ".class")
		if err != nil {
			t.Fatalf("creating zip entry: %v", err)
		}
		w.Write(data)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("closing zip: %v", err)
	}
	path := filepath.Join(t.TempDir(), "java.base.jmod")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("writing jmod: %v", err)
	}
	return path
}

func TestJmodSource(t *testing.T) {
	object := classfile.NewBuilder("java/lang/Object").Bytes()
	integer := classfile.NewBuilder("java/lang/Integer").Bytes()
	src := NewJmodSource(writeJmod(t, map[string][]byte{
		"java/lang/Object":  object,
		"java/lang/Integer": integer,
	}))

	t.Run("load Integer class", func(t *testing.T) {
		data, err := src.Find("java/lang/Integer")
		if err != nil {
			t.Fatalf("failed to load java/lang/Integer: %v", err)
		}
		pc, err := classfile.ParseClass(data)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if pc.Name != "java/lang/Integer" {
			t.Errorf("class name: got %q, want %q", pc.Name, "java/lang/Integer")
		}
	})

	t.Run("names", func(t *testing.T) {
		names, err := src.Names()
		if err != nil {
			t.Fatalf("Names: %v", err)
		}
		if len(names) != 2 {
			t.Errorf("names: got %v, want 2 entries", names)
		}
	})

	t.Run("missing class", func(t *testing.T) {
		_, err := src.Find("com/nonexistent/Foo")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("got %v, want ErrNotFound", err)
		}
	})

	t.Run("missing jmod", func(t *testing.T) {
		_, err := NewJmodSource(filepath.Join(t.TempDir(), "none.jmod")).Find("java/lang/Object")
		if err == nil || errors.Is(err, ErrNotFound) {
			t.Errorf("got %v, want an I/O error", err)
		}
	})
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "p"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "p", "Hello.class"), classfile.NewBuilder("p/Hello").Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	src := NewDirSource(dir)

	if _, err := src.Find("p/Hello"); err != nil {
		t.Fatalf("failed to load p/Hello: %v", err)
	}
	if _, err := src.Find("NonExistentClass"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestPathSearchOrder(t *testing.T) {
	first := NewMapSource(map[string][]byte{"A": []byte("first")})
	second := NewMapSource(map[string][]byte{"A": []byte("second"), "B": []byte("b")})
	p := Path{first, second}

	data, err := p.Find("A")
	if err != nil || string(data) != "first" {
		t.Errorf("Find(A): got %q, %v; want %q", data, err, "first")
	}
	data, err = p.Find("B")
	if err != nil || string(data) != "b" {
		t.Errorf("Find(B): got %q, %v; want %q", data, err, "b")
	}
	if _, err := p.Find("C"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Find(C): got %v, want ErrNotFound", err)
	}
}

func TestLoaderIdentity(t *testing.T) {
	boot := NewBoot(NewMapSource(nil))
	app := New("app", boot, NewMapSource(nil))
	other := New("app", boot, NewMapSource(nil))

	if !boot.IsBoot() || boot.ID() != BootID {
		t.Error("boot loader does not carry the boot sentinel")
	}
	if app.IsBoot() {
		t.Error("app loader reported as boot")
	}
	if app.ID() == other.ID() {
		t.Error("two loaders share an id")
	}
	if app.Parent() != boot {
		t.Error("parent not recorded")
	}
	if BootID.String() != "boot" {
		t.Errorf("BootID.String(): got %q", BootID.String())
	}
}
