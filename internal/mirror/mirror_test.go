package mirror

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelkehle/survey-planner/internal/survey"
)

func structure(title string) survey.Structure {
	return survey.Structure{Sections: []survey.Section{{
		Title:     title,
		Questions: []survey.Question{{Text: title + "?", Type: survey.TypeRadio, Options: []string{"y", "n"}}},
	}}}
}

func TestReadReturnsLastWrite(t *testing.T) {
	m, err := Open(Options{})
	require.NoError(t, err)

	_, ok := m.Read("s1")
	assert.False(t, ok)

	require.NoError(t, m.Write("s1", structure("first")))
	require.NoError(t, m.Write("s1", structure("second")))

	got, ok := m.Read("s1")
	require.True(t, ok)
	assert.Equal(t, structure("second"), got)
}

func TestCopiesDoNotAlias(t *testing.T) {
	m, err := Open(Options{})
	require.NoError(t, err)
	in := structure("a")
	require.NoError(t, m.Write("s1", in))
	in.Sections[0].Questions[0].Options[0] = "changed"

	out, _ := m.Read("s1")
	assert.Equal(t, "y", out.Sections[0].Questions[0].Options[0])
	out.Sections[0].Title = "mutated"

	again, _ := m.Read("s1")
	assert.Equal(t, "a", again.Sections[0].Title)
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	m, err := Open(Options{Capacity: 2})
	require.NoError(t, err)
	require.NoError(t, m.Write("a", structure("a")))
	require.NoError(t, m.Write("b", structure("b")))
	_, _ = m.Read("a")
	require.NoError(t, m.Write("c", structure("c")))

	_, ok := m.Read("b")
	assert.False(t, ok)
	_, ok = m.Read("a")
	assert.True(t, ok)
	assert.Equal(t, 2, m.Len())
}

func TestSnapshotKeepsEvictedSurveys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.json")
	m1, err := Open(Options{Path: path, Capacity: 2})
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, m1.Write(id, structure(id)))
	}
	assert.Equal(t, 4, m1.Len())
	got, ok := m1.Read("a")
	require.True(t, ok)
	assert.Equal(t, structure("a"), got)

	require.NoError(t, m1.Write("b", structure("b2")))

	m2, err := Open(Options{Path: path, Capacity: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, m2.Len())
	for id, want := range map[string]string{"a": "a", "b": "b2", "c": "c", "d": "d"} {
		got, ok := m2.Read(id)
		require.True(t, ok, id)
		assert.Equal(t, structure(want), got)
	}
}

func TestSnapshotSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "mirror.json")
	m1, err := Open(Options{Path: path})
	require.NoError(t, err)
	require.NoError(t, m1.Write("s1", structure("kept")))
	require.NoError(t, m1.Write("s2", structure("other")))

	m2, err := Open(Options{Path: path})
	require.NoError(t, err)
	got, ok := m2.Read("s1")
	require.True(t, ok)
	assert.Equal(t, structure("kept"), got)
	assert.Equal(t, 2, m2.Len())
}

func TestSnapshotFailureKeepsMemoryCopy(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	m, err := Open(Options{Path: filepath.Join(sub, "mirror.json")})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(sub, []byte("x"), 0o644))
	assert.Error(t, m.Write("s1", structure("a")))

	got, ok := m.Read("s1")
	require.True(t, ok)
	assert.Equal(t, "a", got.Sections[0].Title)
}

func TestOpenRejectsCorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := Open(Options{Path: path})
	assert.Error(t, err)
}
