package kb

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simpleflo/kbchat/pkg/models"
)

func newTestLibrary(t *testing.T) *Library {
	t.Helper()
	root := filepath.Join(t.TempDir(), "knowledge_db")
	return NewLibrary(root, NewLoader(root, 0))
}

func TestLibrary_SaveListDelete(t *testing.T) {
	lib := newTestLibrary(t)

	p, err := lib.Save("history", "notes.txt", strings.NewReader("first"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(lib.Root(), "history", "notes.txt"), p)

	_, err = lib.Save("history", "notes.txt", strings.NewReader("second"))
	require.NoError(t, err)
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data), "saving again replaces the file")

	_, err = lib.Save("history", "b.md", strings.NewReader("# B"))
	require.NoError(t, err)

	files, err := lib.ListFiles("history")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "b.md", files[0].Name)
	assert.Equal(t, "notes.txt", files[1].Name)
	assert.Equal(t, "history/notes.txt", files[1].RelativePath())
	assert.Equal(t, int64(6), files[1].Size)

	entries, _ := os.ReadDir(filepath.Join(lib.Root(), "history"))
	assert.Len(t, entries, 2, "no temporary upload files left behind")

	require.NoError(t, lib.Delete("history", "notes.txt"))
	err = lib.Delete("history", "notes.txt")
	assert.True(t, models.IsCode(err, models.ErrFileNotFound), "got %v", err)
}

func TestLibrary_SaveRejects(t *testing.T) {
	lib := newTestLibrary(t)

	tests := []struct {
		name     string
		category string
		file     string
		code     models.ErrorCode
	}{
		{"no category", "", "a.txt", models.ErrCategoryRequired},
		{"escaping category", "../up", "a.txt", models.ErrInvalidCategory},
		{"reserved category", GlobalKey, "a.txt", models.ErrInvalidCategory},
		{"hidden category", "a/.git", "a.txt", models.ErrInvalidCategory},
		{"path in name", "notes", "sub/a.txt", models.ErrInvalidFileName},
		{"hidden name", "notes", ".a.txt", models.ErrInvalidFileName},
		{"empty name", "notes", "", models.ErrInvalidFileName},
		{"unsupported", "notes", "a.exe", models.ErrUnsupportedFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := lib.Save(tt.category, tt.file, strings.NewReader("x"))
			assert.True(t, models.IsCode(err, tt.code), "want %s, got %v", tt.code, err)
		})
	}
}

func TestLibrary_WalkAndCategories(t *testing.T) {
	lib := newTestLibrary(t)

	for _, f := range []struct{ category, name string }{
		{"history", "a.txt"},
		{"history", "b.pdf"},
		{"science/physics", "c.md"},
		{"science", "d.docx"},
	} {
		_, err := lib.Save(f.category, f.name, strings.NewReader("x"))
		require.NoError(t, err)
	}

	root := lib.Root()
	require.NoError(t, os.WriteFile(filepath.Join(root, "loose.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "history", "ignored.xlsx"), []byte("x"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".trash"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".trash", "e.txt"), []byte("x"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, GlobalKey), 0755))

	categories, err := lib.Categories()
	require.NoError(t, err)
	assert.Equal(t, []string{"history", "science", "science/physics"}, categories)

	files, err := lib.Walk()
	require.NoError(t, err)
	var rel []string
	for _, f := range files {
		rel = append(rel, f.RelativePath())
	}
	assert.Equal(t, []string{"history/a.txt", "history/b.pdf", "science/d.docx", "science/physics/c.md"}, rel)
}

func TestLibrary_WalkMissingRoot(t *testing.T) {
	lib := newTestLibrary(t)
	files, err := lib.Walk()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestLibrary_CategoryOf(t *testing.T) {
	lib := newTestLibrary(t)
	root := lib.Root()

	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{filepath.Join(root, "history", "a.txt"), "history", true},
		{filepath.Join(root, "papers", "ml", "b.pdf"), "papers/ml", true},
		{filepath.Join(root, "loose.txt"), "", false},
		{filepath.Join(filepath.Dir(root), "outside", "c.txt"), "", false},
		{filepath.Join(root, ".hidden", "d.txt"), "", false},
	}
	for _, tt := range tests {
		got, ok := lib.CategoryOf(tt.path)
		assert.Equal(t, tt.ok, ok, tt.path)
		assert.Equal(t, tt.want, got, tt.path)
	}
}

func TestLibrary_DeleteCategoryPrunesParents(t *testing.T) {
	lib := newTestLibrary(t)
	_, err := lib.Save("a/b/c", "x.txt", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, lib.DeleteCategory("a/b/c"))

	_, err = os.Stat(filepath.Join(lib.Root(), "a"))
	assert.True(t, os.IsNotExist(err), "empty parent categories should be removed")
	_, err = os.Stat(lib.Root())
	assert.NoError(t, err, "the knowledge root itself stays")
}

func TestNormalizeCategory(t *testing.T) {
	tests := []struct {
		in   string
		want string
		code models.ErrorCode
	}{
		{"history", "history", ""},
		{" papers\\ml ", "papers/ml", ""},
		{"/papers/ml/", "papers/ml", ""},
		{"a//b", "a/b", ""},
		{"", "", models.ErrCategoryRequired},
		{"a/../../b", "", models.ErrInvalidCategory},
		{GlobalKey, "", models.ErrInvalidCategory},
	}
	for _, tt := range tests {
		got, err := NormalizeCategory(tt.in)
		if tt.code == "" {
			require.NoError(t, err, tt.in)
			assert.Equal(t, tt.want, got)
			continue
		}
		assert.True(t, models.IsCode(err, tt.code), "%q: got %v", tt.in, err)
	}
}
