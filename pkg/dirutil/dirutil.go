// Package dirutil is the filesystem directory-creation helper named in §1
// as an external collaborator: out of scope beyond its interface. The
// default implementation is a thin os.MkdirAll wrapper.
package dirutil

import "os"

// Creator creates directories, making parents as needed.
type Creator interface {
	CreateAll(paths ...string) error
}

// Default is the stdlib-backed Creator used unless a caller substitutes
// another implementation.
type Default struct {
	Mode os.FileMode
}

func NewDefault() Default { return Default{Mode: 0o755} }

func (d Default) CreateAll(paths ...string) error {
	mode := d.Mode
	if mode == 0 {
		mode = 0o755
	}
	for _, p := range paths {
		if err := os.MkdirAll(p, mode); err != nil {
			return err
		}
	}
	return nil
}
