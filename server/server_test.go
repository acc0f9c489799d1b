package server

import (
	"bytes"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jlaffaye/ftp"
)

func dialClient(t *testing.T, addr string) *ftp.ServerConn {
	t.Helper()
	c, err := ftp.Dial(addr, ftp.DialWithTimeout(5*time.Second))
	fatalIfErr(t, err, "ftp.Dial %s", addr)
	t.Cleanup(func() { _ = c.Quit() })
	return c
}

// TestServerIntegration drives the full command surface end to end with a
// real FTP client.
func TestServerIntegration(t *testing.T) {
	t.Parallel()
	rootDir := t.TempDir()

	testContent := "Hello, FTP World!"
	writeTestFile(t, rootDir, "test.txt", testContent)

	_, addr := startServer(t, rootDir)
	c := dialClient(t, addr)
	fatalIfErr(t, c.Login("user", "pass"), "Login")

	t.Run("PWD", func(t *testing.T) {
		pwd, err := c.CurrentDir()
		fatalIfErr(t, err, "CurrentDir")
		if pwd != "/" {
			t.Errorf("CurrentDir: got %s, want /", pwd)
		}
	})

	t.Run("LIST", func(t *testing.T) {
		entries, err := c.List(".")
		fatalIfErr(t, err, "List")
		found := false
		for _, entry := range entries {
			if entry.Name == "test.txt" {
				found = true
				if entry.Size != uint64(len(testContent)) {
					t.Errorf("entry size: got %d, want %d", entry.Size, len(testContent))
				}
			}
		}
		if !found {
			t.Error("test.txt not in listing")
		}
	})

	t.Run("RETR", func(t *testing.T) {
		r, err := c.Retr("test.txt")
		fatalIfErr(t, err, "Retr")
		data, err := io.ReadAll(r)
		r.Close()
		fatalIfErr(t, err, "read response")
		if string(data) != testContent {
			t.Errorf("Retr: got %q, want %q", data, testContent)
		}
	})

	t.Run("STOR", func(t *testing.T) {
		uploaded := "Upload success"
		fatalIfErr(t, c.Stor("upload.txt", bytes.NewBufferString(uploaded)), "Stor")
		if got := readTestFile(t, rootDir, "upload.txt"); got != uploaded {
			t.Errorf("upload content: got %q, want %q", got, uploaded)
		}
	})

	t.Run("SIZE", func(t *testing.T) {
		size, err := c.FileSize("test.txt")
		fatalIfErr(t, err, "FileSize")
		if size != int64(len(testContent)) {
			t.Errorf("FileSize: got %d, want %d", size, len(testContent))
		}
	})

	t.Run("MKD_CWD_CDUP", func(t *testing.T) {
		fatalIfErr(t, c.MakeDir("subdir"), "MakeDir")
		fatalIfErr(t, c.ChangeDir("subdir"), "ChangeDir")
		pwd, err := c.CurrentDir()
		fatalIfErr(t, err, "CurrentDir")
		if pwd != "/subdir" {
			t.Errorf("CurrentDir after CWD: got %s, want /subdir", pwd)
		}
		fatalIfErr(t, c.ChangeDirToParent(), "ChangeDirToParent")
	})

	t.Run("RENAME", func(t *testing.T) {
		writeTestFile(t, rootDir, "old.txt", "payload")
		fatalIfErr(t, c.Rename("old.txt", "new.txt"), "Rename")
		if _, err := os.Stat(filepath.Join(rootDir, "new.txt")); err != nil {
			t.Errorf("renamed file missing: %v", err)
		}
		if _, err := os.Stat(filepath.Join(rootDir, "old.txt")); !os.IsNotExist(err) {
			t.Error("old name still present after rename")
		}
	})

	t.Run("DELE_RMD", func(t *testing.T) {
		writeTestFile(t, rootDir, "doomed.txt", "x")
		fatalIfErr(t, c.Delete("doomed.txt"), "Delete")
		if _, err := os.Stat(filepath.Join(rootDir, "doomed.txt")); !os.IsNotExist(err) {
			t.Error("file still present after DELE")
		}
		fatalIfErr(t, c.RemoveDir("subdir"), "RemoveDir")
	})
}

func TestAnonymousReadOnly(t *testing.T) {
	t.Parallel()
	rootDir := t.TempDir()
	writeTestFile(t, rootDir, "public.txt", "readable")

	// Default driver: anonymous only, read-only.
	driver, err := NewFSDriver(rootDir)
	fatalIfErr(t, err, "NewFSDriver")
	_, addr := startServerWithDriver(t, driver)

	c := dialClient(t, addr)
	fatalIfErr(t, c.Login("anonymous", "anything"), "anonymous login")

	r, err := c.Retr("public.txt")
	fatalIfErr(t, err, "Retr")
	data, _ := io.ReadAll(r)
	r.Close()
	if string(data) != "readable" {
		t.Errorf("Retr: got %q", data)
	}

	if err := c.Stor("write.txt", bytes.NewBufferString("nope")); err == nil {
		t.Error("Stor succeeded on a read-only account")
	}
	if err := c.MakeDir("d"); err == nil {
		t.Error("MakeDir succeeded on a read-only account")
	}

	c2 := dialClient(t, addr)
	if err := c2.Login("realuser", "pw"); err == nil {
		t.Error("non-anonymous login accepted by anonymous-only driver")
	}
}

func TestPathTraversalConfined(t *testing.T) {
	t.Parallel()
	outer := t.TempDir()
	rootDir := filepath.Join(outer, "jail")
	fatalIfErr(t, os.Mkdir(rootDir, 0755), "mkdir jail")
	writeTestFile(t, outer, "secret.txt", "outside")

	_, addr := startServer(t, rootDir)
	c := dialClient(t, addr)
	fatalIfErr(t, c.Login("u", "p"), "Login")

	if r, err := c.Retr("../secret.txt"); err == nil {
		r.Close()
		t.Error("RETR escaped the root directory")
	}

	// .. clamps at the virtual root instead of escaping.
	fatalIfErr(t, c.ChangeDir(".."), "CWD ..")
	pwd, err := c.CurrentDir()
	fatalIfErr(t, err, "CurrentDir")
	if pwd != "/" {
		t.Errorf("CWD ..: got %s, want /", pwd)
	}
}

func TestShutdownDisconnects(t *testing.T) {
	t.Parallel()
	srv, addr := startServer(t, t.TempDir())

	c := dialRaw(t, addr)
	c.login("u", "p")

	fatalIfErr(t, srv.Shutdown(), "Shutdown")

	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.r.ReadByte(); err == nil {
		t.Error("control connection still open after Shutdown")
	}
}

// randomBytes returns n bytes of random data for transfer tests.
func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	fatalIfErr(t, err, "rand.Read")
	return b
}
