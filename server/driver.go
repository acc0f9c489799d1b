package server

import (
	"io"
	"os"
)

// Driver authenticates users and hands out a session-scoped ClientContext
// for file operations.
//
// Implementations should:
//   - Validate the credentials (user, pass)
//   - Return a ClientContext confined to the user's view of the filesystem
//   - Return os.ErrPermission (or wrap it) for bad credentials
//
// To serve a custom backend (memory, database, object store), implement this
// interface and pass it to NewServer via WithDriver.
type Driver interface {
	// Authenticate validates the user and password and returns a context
	// for file operations, or an error if login is refused.
	Authenticate(user, pass string) (ClientContext, error)
}

// ClientContext performs the filesystem operations for one session.
//
// All paths are virtual: relative to the user's root, forward-slash
// separated, with "/" as the top. Implementations translate errors to
// os.ErrNotExist / os.ErrPermission / os.ErrExist so the server can map
// them to FTP reply codes.
//
// A ClientContext is only ever used by its owning session, one operation at
// a time, so implementations need no internal locking.
type ClientContext interface {
	// ChangeDir changes the current working directory.
	ChangeDir(path string) error

	// GetWd returns the current working directory.
	GetWd() (string, error)

	// MakeDir creates a directory.
	MakeDir(path string) error

	// RemoveDir removes a directory.
	RemoveDir(path string) error

	// DeleteFile removes a file.
	DeleteFile(path string) error

	// Rename moves or renames a file or directory.
	Rename(fromPath, toPath string) error

	// ListDir lists the entries of a directory.
	ListDir(path string) ([]os.FileInfo, error)

	// OpenFile opens a file with os.O_* flags. Transfers rely on the
	// returned value also implementing io.Seeker when resume is requested.
	OpenFile(path string, flag int) (io.ReadWriteCloser, error)

	// GetFileInfo stats a file or directory.
	GetFileInfo(path string) (os.FileInfo, error)

	// Close releases resources held for this session.
	Close() error
}
