package server

import (
	"net"
	"os"
	"path/filepath"
	"testing"
)

func fatalIfErr(t *testing.T, err error, format string, args ...interface{}) {
	t.Helper()
	if err != nil {
		t.Fatalf(format+": %v", append(args, err)...)
	}
}

// startServer runs a server on a loopback listener serving rootDir with
// any user/password accepted, read-write. Shut down when the test ends.
func startServer(t *testing.T, rootDir string, opts ...Option) (*Server, string) {
	t.Helper()

	driver, err := NewFSDriver(rootDir,
		WithAuthenticator(func(user, pass string) (string, bool, error) {
			return rootDir, false, nil
		}),
	)
	fatalIfErr(t, err, "NewFSDriver")

	return startServerWithDriver(t, driver, opts...)
}

func startServerWithDriver(t *testing.T, driver Driver, opts ...Option) (*Server, string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	fatalIfErr(t, err, "Listen")
	addr := ln.Addr().String()

	opts = append([]Option{WithDriver(driver)}, opts...)
	srv, err := NewServer(addr, opts...)
	fatalIfErr(t, err, "NewServer")

	go func() {
		if err := srv.Serve(ln); err != nil && err != ErrServerClosed {
			t.Logf("server stopped: %v", err)
		}
	}()
	t.Cleanup(func() { _ = srv.Shutdown() })

	return srv, addr
}

func writeTestFile(t *testing.T, dir, name, content string) {
	t.Helper()
	fatalIfErr(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644), "WriteFile %s", name)
}

func readTestFile(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	fatalIfErr(t, err, "ReadFile %s", name)
	return string(data)
}
