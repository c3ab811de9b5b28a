package ssekeepio

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/ssekeep/ssekeep/mlog"
)

func TestWriteFileAtomic(t *testing.T) {
	log := mlog.New("ssekeepio", nil)
	dir := t.TempDir()
	p := filepath.Join(dir, "test.key")

	check := func(exp string) {
		t.Helper()
		buf, err := os.ReadFile(p)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(buf) != exp {
			t.Fatalf("got %q, expected %q", buf, exp)
		}
		if runtime.GOOS != "windows" {
			fi, err := os.Stat(p)
			if err != nil {
				t.Fatalf("stat: %v", err)
			}
			if fi.Mode().Perm() != 0600 {
				t.Fatalf("permissions %o, expected 0600", fi.Mode().Perm())
			}
		}
	}

	err := WriteFileAtomic(log, p, []byte("first"), 0600)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	check("first")

	err = WriteFileAtomic(log, p, []byte("second"), 0600)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	check("second")

	// No temporary files left behind.
	l, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(l) != 1 {
		t.Fatalf("directory has %d files, expected 1", len(l))
	}

	err = WriteFileAtomic(log, filepath.Join(dir, "absent", "test.key"), []byte("x"), 0600)
	if err == nil {
		t.Fatalf("write in absent directory succeeded")
	}
}
