package diskfs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"kernsim/pkg/errno"
	vfs "kernsim/pkg/vfs"
)

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()
	fs := New(tmpDir)

	if fs.root != tmpDir {
		t.Errorf("root is %q, expected %q", fs.root, tmpDir)
	}
}

func TestCreateAndOpen(t *testing.T) {
	tmpDir := t.TempDir()
	fs := New(tmpDir)

	v, err := fs.OpenFile("/test.txt", vfs.O_RDWR|vfs.O_CREAT, 0o644)
	if err != nil {
		t.Fatalf("OpenFile() failed: %v", err)
	}
	v.Close()

	if _, err := os.Stat(filepath.Join(tmpDir, "test.txt")); err != nil {
		t.Errorf("file should exist on disk: %v", err)
	}

	v, err = fs.OpenFile("/test.txt", vfs.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("OpenFile() failed: %v", err)
	}
	defer v.Close()

	info, err := v.Stat()
	if err != nil {
		t.Fatalf("Stat() failed: %v", err)
	}
	if info.IsDir || info.Name != "test.txt" {
		t.Errorf("Stat() = %+v", info)
	}
}

func TestReadWriteAt(t *testing.T) {
	fs := New(t.TempDir())

	v, err := fs.OpenFile("/data", vfs.O_RDWR|vfs.O_CREAT, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	if _, err := v.WriteAt([]byte("hello world"), 0); err != nil {
		t.Fatalf("WriteAt() failed: %v", err)
	}

	buf := make([]byte, 5)
	if n, err := v.ReadAt(buf, 6); err != nil || string(buf[:n]) != "world" {
		t.Errorf("ReadAt(6) = %q, %v", buf[:n], err)
	}

	buf = make([]byte, 10)
	n, err := v.ReadAt(buf, 8)
	if n != 3 || !errors.Is(err, io.EOF) {
		t.Errorf("ReadAt(8) = %d, %v, want 3, EOF", n, err)
	}
}

func TestAppendFlagAllowsWriteAt(t *testing.T) {
	fs := New(t.TempDir())
	if err := fs.WriteFile("/log", []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}

	v, err := fs.OpenFile("/log", vfs.O_WRONLY|vfs.O_APPEND, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.WriteAt([]byte("def"), 3); err != nil {
		t.Fatalf("WriteAt() on append open = %v", err)
	}
	v.Close()

	data, _ := fs.ReadFile("/log")
	if string(data) != "abcdef" {
		t.Errorf("file = %q, want abcdef", data)
	}
}

func TestErrorTranslation(t *testing.T) {
	fs := New(t.TempDir())
	fs.WriteFile("/f", []byte("x"), 0o644)
	fs.Mkdir("/d", 0o755)

	tests := []struct {
		name  string
		path  string
		flags int
		want  errno.Errno
	}{
		{"missing", "/missing", vfs.O_RDONLY, errno.ENOENT},
		{"exclusive", "/f", vfs.O_WRONLY | vfs.O_CREAT | vfs.O_EXCL, errno.EEXIST},
		{"write directory", "/d", vfs.O_WRONLY, errno.EISDIR},
		{"under a file", "/f/x", vfs.O_RDONLY, errno.ENOTDIR},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fs.OpenFile(tt.path, tt.flags, 0o644)
			if got := errno.From(err); got != tt.want {
				t.Errorf("OpenFile() error = %v, errno %d, want %d", err, got, tt.want)
			}
		})
	}
}

func TestPathEscape(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "root")
	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(parent, "secret"), []byte("s"), 0o644)

	fs := New(root)
	if _, err := fs.OpenFile("/../secret", vfs.O_RDONLY, 0); !errors.Is(err, errno.ENOENT) {
		t.Errorf("escaping open error = %v, want ENOENT", err)
	}
}

func TestMkdirRemove(t *testing.T) {
	fs := New(t.TempDir())

	if err := fs.MkdirAll("/a/b", 0o755); err != nil {
		t.Fatalf("MkdirAll() = %v", err)
	}
	info, err := fs.Stat("/a/b")
	if err != nil || !info.IsDir {
		t.Fatalf("Stat(/a/b) = %+v, %v", info, err)
	}
	if err := fs.Remove("/a/b"); err != nil {
		t.Errorf("Remove() = %v", err)
	}
	if _, err := fs.Stat("/a/b"); !errors.Is(err, errno.ENOENT) {
		t.Errorf("Stat after Remove = %v, want ENOENT", err)
	}
	if err := fs.Remove("/"); !errors.Is(err, errno.EINVAL) {
		t.Errorf("Remove(/) = %v, want EINVAL", err)
	}
}

func TestDoubleClose(t *testing.T) {
	fs := New(t.TempDir())
	v, _ := fs.OpenFile("/f", vfs.O_RDWR|vfs.O_CREAT, 0o644)
	if err := v.Close(); err != nil {
		t.Fatal(err)
	}
	if err := v.Close(); !errors.Is(err, errno.EBADF) {
		t.Errorf("second Close() = %v, want EBADF", err)
	}
}
