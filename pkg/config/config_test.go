package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daimatz/classlink/internal/testutil"
	"github.com/daimatz/classlink/pkg/classfile"
	"github.com/daimatz/classlink/pkg/constraint"
	"github.com/daimatz/classlink/pkg/interp"
	"github.com/daimatz/classlink/pkg/loader"
	"github.com/daimatz/classlink/pkg/registry"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	writeFile(t, path, `
[boot]
jmod = "/opt/jdk/jmods/java.base.jmod"
classpath = ["boot"]

[app]
classpath = ["classes", "/abs/lib"]

[runtime]
redefinition = true
max-frame-depth = 64

[constraints]
min-record-capacity = 8
shrink-divisor = 3

[log]
verbosity = 2
file = "classlink.log"
`)

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, dir, c.Dir)
	assert.Equal(t, "/opt/jdk/jmods/java.base.jmod", c.Boot.Jmod)
	assert.Equal(t, []string{"boot"}, c.Boot.Classpath)
	assert.Equal(t, []string{"classes", "/abs/lib"}, c.App.Classpath)
	assert.True(t, c.Runtime.Redefinition)
	assert.Equal(t, 64, c.Runtime.MaxFrameDepth)
	assert.Equal(t, Constraints{MinRecordCapacity: 8, ShrinkDivisor: 3}, c.Constraints)
	assert.Equal(t, 2, c.Log.Verbosity)
	require.NotNil(t, c.LogFile())
	assert.Equal(t, filepath.Join(dir, "classlink.log"), *c.LogFile())

	app, ok := c.AppSource().(loader.Path)
	require.True(t, ok)
	require.Len(t, app, 2)
	assert.Equal(t, filepath.Join(dir, "classes"), app[0].(*loader.DirSource).ClassPath)
	assert.Equal(t, "/abs/lib", app[1].(*loader.DirSource).ClassPath)

	boot, ok := c.BootSource().(loader.Path)
	require.True(t, ok)
	require.Len(t, boot, 2)
	assert.Equal(t, "/opt/jdk/jmods/java.base.jmod", boot[0].(*loader.JmodSource).JmodPath)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JAVA_BASE_JMOD", "/env/java.base.jmod")
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	writeFile(t, path, "[runtime]\nredefinition = true\n")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/env/java.base.jmod", c.Boot.Jmod)
	assert.Equal(t, []string{"."}, c.App.Classpath)
	assert.Equal(t, interp.DefaultMaxFrameDepth, c.Runtime.MaxFrameDepth)
	assert.Equal(t, constraint.DefaultMinRecordCapacity, c.Constraints.MinRecordCapacity)
	assert.Equal(t, constraint.DefaultShrinkDivisor, c.Constraints.ShrinkDivisor)
	assert.Nil(t, c.LogFile())
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"syntax", "[runtime\n"},
		{"type", "[runtime]\nredefinition = \"yes\"\n"},
		{"negative depth", "[runtime]\nmax-frame-depth = -1\n"},
		{"shrink divisor", "[constraints]\nshrink-divisor = 1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), FileName)
			writeFile(t, path, tt.content)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}

	t.Run("missing", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), FileName))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, FileName), "[app]\nclasspath = [\"out\"]\n")
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	c, err := FindAndLoad(nested)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, root, c.Dir)
	assert.Equal(t, filepath.Join(root, "out"), c.Path(c.App.Classpath[0]))

	c, err = FindAndLoad(t.TempDir())
	require.NoError(t, err)
	if c != nil {
		// A classlink.toml above the temp directory would be found; only the
		// absence case is checked here.
		t.Skipf("found %s above the temp directory", filepath.Join(c.Dir, FileName))
	}
}

func TestOptions(t *testing.T) {
	dir := t.TempDir()
	b := testutil.ReturnInt(testutil.Constructor(classfile.NewBuilder("p/Main"), "java/lang/Object"),
		classfile.AccPublic|classfile.AccStatic, "answer", 42)
	writeFile(t, filepath.Join(dir, "classes", "p", "Main.class"), string(b.Bytes()))

	c := Default()
	c.Dir = dir
	c.Boot.Jmod = ""
	c.App.Classpath = []string{"classes"}
	c.Runtime.Redefinition = true

	hub := registry.New(append(c.HubOptions(), registry.WithBootSource(testutil.BootSource()))...)
	defer hub.Close()
	assert.True(t, hub.RedefinitionEnabled())

	app := hub.NewLoader("app", nil, c.AppSource())
	cls, err := hub.LoadClass(context.Background(), "p/Main", app)
	require.NoError(t, err)

	engine := interp.New(hub, c.EngineOptions()...)
	got, err := engine.InvokeStatic(context.Background(), cls, "answer", "()I")
	require.NoError(t, err)
	if got.Int != 42 {
		t.Errorf("answer(): got %d, want 42", got.Int)
	}
}
