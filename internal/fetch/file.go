package fetch

import (
	"context"
	"os"

	"github.com/roach88/fieldsync/internal/fault"
)

// File serves a bundle from the local filesystem, for seeding a device or
// shipping a field kit.
type File struct {
	path string
}

func NewFile(path string) *File { return &File{path: path} }

func (f *File) Source() string { return f.path }

// Fetch opens the file. since is ignored.
func (f *File) Fetch(ctx context.Context, _ string) (*Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, &fault.Error{Code: fault.CodeTransport, Op: "fetch.file", Message: "interrupted", Err: err}
	}
	fh, err := os.Open(f.path)
	if err != nil {
		return nil, fault.Wrap(fault.CodeTransport, "fetch.file", err)
	}
	return &Payload{Body: fh, Hint: f.path}, nil
}
