package server

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FSDriver implements Driver on top of the local filesystem.
//
// All operations are confined to a root directory using os.Root, which
// gives kernel-level protection against path traversal. Each session gets
// its own isolated context with its own root handle and working directory.
//
// Without options the driver allows only anonymous logins ("ftp" or
// "anonymous"), read-only.
type FSDriver struct {
	rootPath string

	// authenticator validates credentials and returns the root path and
	// read-only flag for the user. If nil, the default anonymous-only
	// behavior applies.
	authenticator func(user, pass string) (string, bool, error)

	// disableAnonymous turns off the default anonymous login. Only
	// effective when authenticator is nil; a custom authenticator has
	// full control over who gets in.
	disableAnonymous bool

	// enableAnonWrite lets anonymous users upload, delete and mkdir.
	enableAnonWrite bool
}

// FSDriverOption is a functional option for configuring an FSDriver.
type FSDriverOption func(*FSDriver)

// NewFSDriver creates a filesystem driver rooted at rootPath. The path
// must exist and be a directory.
//
//	driver, err := server.NewFSDriver("/srv/ftp",
//	    server.WithAuthenticator(func(user, pass string) (string, bool, error) {
//	        if user == "admin" && pass == "secret" {
//	            return "/srv/ftp", false, nil
//	        }
//	        return "", false, os.ErrPermission
//	    }))
func NewFSDriver(rootPath string, options ...FSDriverOption) (*FSDriver, error) {
	info, err := os.Stat(rootPath)
	if err != nil {
		return nil, fmt.Errorf("root path validation failed: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root path is not a directory: %s", rootPath)
	}

	// Canonicalize so containment checks against it are reliable.
	rootPath, err = filepath.EvalSymlinks(rootPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root path: %w", err)
	}

	d := &FSDriver{rootPath: rootPath}
	for _, opt := range options {
		opt(d)
	}
	return d, nil
}

// WithAuthenticator sets a custom authentication function. It should
// return the user's root directory (which must exist), whether the user
// is read-only, and an error for invalid credentials (os.ErrPermission
// works well).
func WithAuthenticator(fn func(user, pass string) (string, bool, error)) FSDriverOption {
	return func(d *FSDriver) {
		d.authenticator = fn
	}
}

// WithDisableAnonymous turns off the default anonymous login. Only
// meaningful when no custom authenticator is set.
func WithDisableAnonymous(disable bool) FSDriverOption {
	return func(d *FSDriver) {
		d.disableAnonymous = disable
	}
}

// WithAnonWrite enables write access for anonymous users. Default is
// read-only. Use with caution.
func WithAnonWrite(enable bool) FSDriverOption {
	return func(d *FSDriver) {
		d.enableAnonWrite = enable
	}
}

// Authenticate returns a new filesystem context for the user, jailed to
// the user's root directory.
func (d *FSDriver) Authenticate(user, pass string) (ClientContext, error) {
	rootPath := d.rootPath
	readOnly := false

	if d.authenticator != nil {
		var err error
		rootPath, readOnly, err = d.authenticator(user, pass)
		if err != nil {
			return nil, err
		}
	} else {
		if d.disableAnonymous {
			return nil, errors.New("anonymous login disabled")
		}
		if user != "ftp" && user != "anonymous" {
			return nil, errors.New("only anonymous login allowed")
		}
		readOnly = !d.enableAnonWrite
	}

	root, err := os.OpenRoot(rootPath)
	if err != nil {
		return nil, err
	}

	return &fsContext{
		rootHandle: root,
		rootPath:   rootPath,
		cwd:        "/",
		readOnly:   readOnly,
	}, nil
}

// fsContext implements ClientContext for the local filesystem. It tracks
// a virtual working directory and jails every operation inside the root
// handle.
type fsContext struct {
	rootHandle *os.Root
	rootPath   string
	cwd        string
	readOnly   bool
}

// Close releases the root directory handle.
func (c *fsContext) Close() error {
	return c.rootHandle.Close()
}

// resolve maps a virtual path (absolute or cwd-relative) to a path
// relative to the root handle. "/" maps to ".".
func (c *fsContext) resolve(path string) (string, error) {
	if !strings.HasPrefix(path, "/") {
		path = filepath.Join(c.cwd, path)
	}
	path = filepath.Clean(path)
	if !strings.HasPrefix(path, "/") {
		return "", errors.New("invalid path")
	}

	rel := strings.TrimPrefix(path, "/")
	if rel == "" {
		rel = "."
	}
	return rel, nil
}

func (c *fsContext) ChangeDir(path string) error {
	rel, err := c.resolve(path)
	if err != nil {
		return err
	}

	info, err := c.rootHandle.Stat(rel)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("not a directory")
	}

	if !strings.HasPrefix(path, "/") {
		path = filepath.Join(c.cwd, path)
	}
	c.cwd = filepath.Clean(path)
	if !strings.HasPrefix(c.cwd, "/") {
		c.cwd = "/" + c.cwd
	}
	return nil
}

func (c *fsContext) GetWd() (string, error) {
	return c.cwd, nil
}

func (c *fsContext) MakeDir(path string) error {
	if c.readOnly {
		return os.ErrPermission
	}
	rel, err := c.resolve(path)
	if err != nil {
		return err
	}
	return c.rootHandle.Mkdir(rel, 0755)
}

func (c *fsContext) RemoveDir(path string) error {
	if c.readOnly {
		return os.ErrPermission
	}
	rel, err := c.resolve(path)
	if err != nil {
		return err
	}
	return c.rootHandle.Remove(rel)
}

func (c *fsContext) DeleteFile(path string) error {
	if c.readOnly {
		return os.ErrPermission
	}
	rel, err := c.resolve(path)
	if err != nil {
		return err
	}
	return c.rootHandle.Remove(rel)
}

// Rename moves or renames a file or directory. os.Root has no Rename, so
// this goes through full paths with EvalSymlinks containment checks on
// both ends.
func (c *fsContext) Rename(fromPath, toPath string) error {
	if c.readOnly {
		return os.ErrPermission
	}
	srcRel, err := c.resolve(fromPath)
	if err != nil {
		return err
	}
	dstRel, err := c.resolve(toPath)
	if err != nil {
		return err
	}

	srcFull := filepath.Join(c.rootPath, srcRel)
	dstFull := filepath.Join(c.rootPath, dstRel)

	realSrc, err := filepath.EvalSymlinks(srcFull)
	if err != nil {
		if os.IsNotExist(err) {
			return os.ErrNotExist
		}
		if os.IsPermission(err) {
			return os.ErrPermission
		}
		// Generic error to avoid leaking the absolute path.
		return errors.New("failed to resolve source path")
	}
	if !strings.HasPrefix(realSrc, c.rootPath) {
		return os.ErrPermission
	}

	// The destination may not exist yet; check its parent instead.
	realDstParent, err := filepath.EvalSymlinks(filepath.Dir(dstFull))
	if err == nil {
		if !strings.HasPrefix(realDstParent, c.rootPath) {
			return os.ErrPermission
		}
	} else if !os.IsNotExist(err) {
		if os.IsPermission(err) {
			return os.ErrPermission
		}
		return errors.New("failed to resolve destination path")
	}

	if err := os.Rename(srcFull, dstFull); err != nil {
		if os.IsNotExist(err) {
			return os.ErrNotExist
		}
		if os.IsPermission(err) {
			return os.ErrPermission
		}
		return errors.New("rename failed")
	}
	return nil
}

func (c *fsContext) ListDir(path string) ([]os.FileInfo, error) {
	rel, err := c.resolve(path)
	if err != nil {
		return nil, err
	}

	f, err := c.rootHandle.Open(rel)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries, err := f.ReadDir(-1)
	if err != nil {
		return nil, err
	}

	infos := make([]os.FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err == nil {
			infos = append(infos, info)
		}
	}
	return infos, nil
}

func (c *fsContext) OpenFile(path string, flag int) (io.ReadWriteCloser, error) {
	if c.readOnly {
		if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
			return nil, os.ErrPermission
		}
	}
	rel, err := c.resolve(path)
	if err != nil {
		return nil, err
	}
	return c.rootHandle.OpenFile(rel, flag, 0644)
}

func (c *fsContext) GetFileInfo(path string) (os.FileInfo, error) {
	rel, err := c.resolve(path)
	if err != nil {
		return nil, err
	}
	return c.rootHandle.Stat(rel)
}
