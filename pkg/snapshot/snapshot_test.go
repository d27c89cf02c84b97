package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daimatz/classlink/internal/testutil"
	"github.com/daimatz/classlink/pkg/classfile"
	"github.com/daimatz/classlink/pkg/redefine"
	"github.com/daimatz/classlink/pkg/registry"
)

func defaults(name string, v byte) *classfile.Builder {
	return testutil.ReturnInt(classfile.NewBuilder(name).Interface(), classfile.AccPublic, "m", v)
}

func newHub(t *testing.T, builders ...*classfile.Builder) *registry.Hub {
	t.Helper()
	hub := registry.New(
		registry.WithBootSource(testutil.BootSource()),
		registry.WithRedefinition(true))
	t.Cleanup(func() { hub.Close() })
	app := hub.NewLoader("app", nil, testutil.Source(builders...))
	for _, b := range builders {
		pc, err := classfile.ParseClass(b.Bytes())
		require.NoError(t, err)
		_, err = hub.LoadClass(context.Background(), pc.Name, app)
		require.NoError(t, err)
	}
	return hub
}

func TestTake(t *testing.T) {
	hub := newHub(t,
		defaults("I", 1),
		defaults("J", 2),
		testutil.Constructor(classfile.NewBuilder("C").Interfaces("I"), "java/lang/Object"),
		testutil.Constructor(classfile.NewBuilder("D").Interfaces("I", "J"), "java/lang/Object"))

	s := Take(hub)
	require.NotEmpty(t, s.Classes)
	for i := 1; i < len(s.Classes); i++ {
		if s.Classes[i-1].Key() >= s.Classes[i].Key() {
			t.Errorf("classes out of order: %s before %s", s.Classes[i-1].Key(), s.Classes[i].Key())
		}
	}

	obj := s.Find("boot:java/lang/Object")
	require.NotNil(t, obj)
	assert.Equal(t, "class", obj.Kind)
	assert.Empty(t, obj.Super)
	assert.Contains(t, obj.VTable, "java/lang/Object.toString()Ljava/lang/String;[declared]")

	tests := []struct {
		key     string
		row     string
		itables []string
	}{
		{"app:C", "I.m()I[miranda]", []string{"I"}},
		{"app:D", "I.m()I[poison]", []string{"I", "J"}},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			c := s.Find(tt.key)
			require.NotNil(t, c)
			assert.Equal(t, "java/lang/Object", c.Super)
			assert.Contains(t, c.VTable, tt.row)
			assert.Contains(t, c.Mirandas, tt.row)
			var got []string
			for _, it := range c.ITables {
				got = append(got, it.Interface)
			}
			assert.ElementsMatch(t, tt.itables, got)
		})
	}

	iface := s.Find("app:I")
	require.NotNil(t, iface)
	assert.Equal(t, "interface", iface.Kind)
}

func TestEncodeDecode(t *testing.T) {
	hub := newHub(t, defaults("I", 1),
		testutil.Constructor(classfile.NewBuilder("C").Interfaces("I"), "java/lang/Object"))

	s := Take(hub)
	data, err := Encode(s)
	require.NoError(t, err)
	again, err := Encode(Take(hub))
	require.NoError(t, err)
	assert.Equal(t, data, again, "encoding is deterministic")

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, s, got)
	assert.Empty(t, Diff(s, got))

	_, err = Decode([]byte{0xFF, 0x00})
	assert.Error(t, err)
}

func TestDiff(t *testing.T) {
	base := testutil.ReturnInt(testutil.Constructor(classfile.NewBuilder("Base"), "java/lang/Object"),
		classfile.AccPublic, "m", 1)
	sub := testutil.Constructor(classfile.NewBuilder("Sub").Super("Base"), "Base")
	hub := newHub(t, base, sub)
	before := Take(hub)

	grown := testutil.ReturnInt(testutil.Constructor(classfile.NewBuilder("Base"), "java/lang/Object"),
		classfile.AccPublic, "m", 1)
	testutil.ReturnInt(grown, classfile.AccPublic, "n", 2)
	cls := hub.FindAny("Base")
	require.Len(t, cls, 1)
	_, err := redefine.New(hub).Redefine(context.Background(), cls[0], grown.Bytes())
	require.NoError(t, err)
	after := Take(hub)

	deltas := Diff(before, after)
	require.Len(t, deltas, 2)
	for i, key := range []string{"app:Base", "app:Sub"} {
		d := deltas[i]
		assert.Equal(t, key, d.Key)
		assert.Equal(t, Changed, d.Kind)
		assert.Contains(t, d.Details, "version 0 -> 1")
		assert.Contains(t, d.Details, "vtable[3] + Base.n()I[declared]", "details: %v", d.Details)
	}

	t.Run("added and removed", func(t *testing.T) {
		trimmed := &Snapshot{Classes: after.Classes[1:]}
		deltas := Diff(trimmed, after)
		require.Len(t, deltas, 1)
		assert.Equal(t, Added, deltas[0].Kind)
		assert.Equal(t, after.Classes[0].Key(), deltas[0].Key)

		deltas = Diff(after, trimmed)
		require.Len(t, deltas, 1)
		assert.Equal(t, Removed, deltas[0].Kind)
	})
}
