package server

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// A resumed download must return exactly the suffix of the file starting
// at the restart offset.
func TestResumeDownload(t *testing.T) {
	t.Parallel()
	rootDir := t.TempDir()
	content := randomBytes(t, 64*1024)
	fatalIfErr(t, os.WriteFile(filepath.Join(rootDir, "big.bin"), content, 0644), "write big.bin")

	_, addr := startServer(t, rootDir)
	c := dialClient(t, addr)
	fatalIfErr(t, c.Login("u", "p"), "Login")

	const offset = 10000
	r, err := c.RetrFrom("big.bin", offset)
	fatalIfErr(t, err, "RetrFrom")
	got, err := io.ReadAll(r)
	r.Close()
	fatalIfErr(t, err, "read response")

	if !bytes.Equal(got, content[offset:]) {
		t.Fatalf("resumed download: got %d bytes, want the %d-byte suffix", len(got), len(content)-offset)
	}
}

// A resumed upload at offset k must leave the file equal to the original
// prefix up to k followed by the newly sent bytes.
func TestResumeUpload(t *testing.T) {
	t.Parallel()
	rootDir := t.TempDir()
	_, addr := startServer(t, rootDir)
	c := dialClient(t, addr)
	fatalIfErr(t, c.Login("u", "p"), "Login")

	original := randomBytes(t, 8192)
	fatalIfErr(t, c.Stor("up.bin", bytes.NewReader(original)), "Stor")

	const offset = 4096
	tail := randomBytes(t, 8192)
	fatalIfErr(t, c.StorFrom("up.bin", bytes.NewReader(tail), offset), "StorFrom")

	want := append(append([]byte{}, original[:offset]...), tail...)
	got, err := os.ReadFile(filepath.Join(rootDir, "up.bin"))
	fatalIfErr(t, err, "read up.bin")
	if !bytes.Equal(got, want) {
		t.Fatalf("resumed upload: got %d bytes, want %d (prefix+tail)", len(got), len(want))
	}
}

// Resuming an upload into a missing file, or past the end of an existing
// one, is refused.
func TestResumeUploadInvalid(t *testing.T) {
	t.Parallel()
	rootDir := t.TempDir()
	writeTestFile(t, rootDir, "short.bin", "tiny")

	_, addr := startServer(t, rootDir)
	c := dialClient(t, addr)
	fatalIfErr(t, c.Login("u", "p"), "Login")

	if err := c.StorFrom("missing.bin", bytes.NewReader([]byte("x")), 100); err == nil {
		t.Error("StorFrom into a missing file succeeded")
	}
	if err := c.StorFrom("short.bin", bytes.NewReader([]byte("x")), 100); err == nil {
		t.Error("StorFrom past the end of the file succeeded")
	}
}

func TestAppend(t *testing.T) {
	t.Parallel()
	rootDir := t.TempDir()
	writeTestFile(t, rootDir, "log.txt", "first;")
	_, addr := startServer(t, rootDir)

	c := dialRaw(t, addr)
	c.login("u", "p")

	port := c.pasv()
	data := c.dialData(port)
	c.expect("APPE log.txt", 150)
	_, err := data.Write([]byte("second;"))
	fatalIfErr(t, err, "write data")
	data.Close()

	code, _ := c.readReply()
	if code != 226 {
		t.Fatalf("APPE completion: got %d, want 226", code)
	}

	if got := readTestFile(t, rootDir, "log.txt"); got != "first;second;" {
		t.Fatalf("APPE result: got %q", got)
	}
}

// ABOR during a running transfer produces 426 for the transfer, then 226
// for the abort, and leaves the session usable.
func TestAbortMidTransfer(t *testing.T) {
	t.Parallel()
	rootDir := t.TempDir()
	content := randomBytes(t, 4*1024*1024)
	fatalIfErr(t, os.WriteFile(filepath.Join(rootDir, "huge.bin"), content, 0644), "write huge.bin")

	// Slow the transfer down so ABOR reliably lands mid-flight.
	_, addr := startServer(t, rootDir, WithBandwidthLimit(256*1024, 0))

	c := dialRaw(t, addr)
	c.login("u", "p")

	port := c.pasv()
	data := c.dialData(port)
	c.expect("RETR huge.bin", 150)

	// Take a little off the data channel, then abort without draining it.
	buf := make([]byte, 8192)
	_, err := io.ReadFull(data, buf)
	fatalIfErr(t, err, "read data prefix")

	c.send("ABOR")
	code, _ := c.readReply()
	if code != 426 {
		t.Fatalf("aborted transfer: got %d, want 426", code)
	}
	code, _ = c.readReply()
	if code != 226 {
		t.Fatalf("ABOR reply: got %d, want 226", code)
	}

	// Session still works.
	c.expect("SIZE huge.bin", 213)
	c.expect("QUIT", 221)
}

// A per-connection bandwidth budget must stretch a transfer over time.
func TestBandwidthLimitPaces(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	t.Parallel()

	rootDir := t.TempDir()
	content := randomBytes(t, 192*1024)
	fatalIfErr(t, os.WriteFile(filepath.Join(rootDir, "paced.bin"), content, 0644), "write paced.bin")

	// 64 KiB/s: after the initial burst, 192 KiB takes about 2 seconds.
	_, addr := startServer(t, rootDir, WithBandwidthLimit(64*1024, 0))
	c := dialClient(t, addr)
	fatalIfErr(t, c.Login("u", "p"), "Login")

	start := time.Now()
	r, err := c.Retr("paced.bin")
	fatalIfErr(t, err, "Retr")
	got, err := io.ReadAll(r)
	r.Close()
	fatalIfErr(t, err, "read response")
	elapsed := time.Since(start)

	if !bytes.Equal(got, content) {
		t.Fatal("paced download corrupted the content")
	}
	if elapsed < time.Second {
		t.Errorf("192 KiB at 64 KiB/s finished in %v, expected at least 1s", elapsed)
	}
}

// The global budget applies across sessions the same way.
func TestGlobalBandwidthLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	t.Parallel()

	rootDir := t.TempDir()
	content := randomBytes(t, 192*1024)
	fatalIfErr(t, os.WriteFile(filepath.Join(rootDir, "paced.bin"), content, 0644), "write paced.bin")

	_, addr := startServer(t, rootDir, WithBandwidthLimit(0, 64*1024))
	c := dialClient(t, addr)
	fatalIfErr(t, c.Login("u", "p"), "Login")

	start := time.Now()
	r, err := c.Retr("paced.bin")
	fatalIfErr(t, err, "Retr")
	_, err = io.ReadAll(r)
	r.Close()
	fatalIfErr(t, err, "read response")

	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("192 KiB at a 64 KiB/s global budget finished in %v, expected at least 1s", elapsed)
	}
}
