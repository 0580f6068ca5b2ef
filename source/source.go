// Package source supplies module blobs by name.
package source

import (
	"bytes"
	"io"
	"os"
	"path"

	"github.com/ZenLiuCN/fn"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/ulikunitz/xz"
)

// Ext is the file extension of module objects.
const Ext = ".mod"

var ErrNotFound = errors.New("module blob not found")

type (
	// Source returns the fully buffered, decompressed blob of a module.
	Source interface {
		Open(name string) ([]byte, error)
	}
	// FS reads <Dir>/<name>.mod, or its .gz, .zst or .xz compressed variant, from an afero filesystem.
	FS struct {
		Fs  afero.Fs
		Dir string
	}
	// Map serves blobs from memory.
	Map map[string][]byte
)

// NewFS creates a source over dir of fs.
func NewFS(fs afero.Fs, dir string) *FS {
	return &FS{Fs: fs, Dir: dir}
}

// Dir is a source over a directory of the host filesystem.
func Dir(dir string) *FS {
	return NewFS(afero.NewOsFs(), dir)
}

var suffixes = []string{"", ".gz", ".zst", ".xz"}

func (s *FS) Open(name string) ([]byte, error) {
	for _, suffix := range suffixes {
		p := path.Join(s.Dir, name+Ext+suffix)
		f, err := s.Fs.Open(p)
		if os.IsNotExist(err) {
			continue
		} else if err != nil {
			return nil, errors.Wrapf(err, "open %s", p)
		}
		blob, err := read(f)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", p)
		}
		return blob, nil
	}
	return nil, errors.Wrapf(ErrNotFound, "%s in %s", name, s.Dir)
}

func read(f afero.File) ([]byte, error) {
	defer fn.IgnoreClose(f)
	blob, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Decompress(blob)
}

// List names the modules found in the directory.
func (s *FS) List() (names []string, err error) {
	infos, err := afero.ReadDir(s.Fs, s.Dir)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, i := range infos {
		if i.IsDir() {
			continue
		}
		n := i.Name()
		for _, suffix := range suffixes {
			if base, ok := cut(n, Ext+suffix); ok && !seen[base] {
				seen[base] = true
				names = append(names, base)
			}
		}
	}
	return
}

func cut(name, suffix string) (string, bool) {
	if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
		return name[:len(name)-len(suffix)], true
	}
	return "", false
}

func (m Map) Open(name string) ([]byte, error) {
	blob, ok := m[name]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%s", name)
	}
	return Decompress(bytes.Clone(blob))
}

var (
	magicGzip = []byte{0x1f, 0x8b}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicXz   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

// Decompress unpacks gzip, zstd and xz blobs recognised by their magic; others are returned as is.
func Decompress(blob []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(blob, magicGzip):
		r, err := gzip.NewReader(bytes.NewReader(blob))
		if err != nil {
			return nil, errors.Wrap(err, "gzip")
		}
		defer fn.IgnoreClose(r)
		return readAll(r, "gzip")
	case bytes.HasPrefix(blob, magicZstd):
		d, err := zstd.NewReader(nil)
		if err != nil {
			return nil, errors.Wrap(err, "zstd")
		}
		defer d.Close()
		out, err := d.DecodeAll(blob, nil)
		return out, errors.Wrap(err, "zstd")
	case bytes.HasPrefix(blob, magicXz):
		r, err := xz.NewReader(bytes.NewReader(blob))
		if err != nil {
			return nil, errors.Wrap(err, "xz")
		}
		return readAll(r, "xz")
	}
	return blob, nil
}

func readAll(r io.Reader, format string) ([]byte, error) {
	out, err := io.ReadAll(r)
	return out, errors.Wrap(err, format)
}
