package georaster

import (
	"bufio"
	"io"
	"os"
	"path/filepath"

	"github.com/kiesman99/ggrab/pkg/tile"
)

// WriteFileAtomic streams fn's output into a temporary file next to path
// and renames it into place. On any error the temporary file is removed and
// path is left untouched.
func WriteFileAtomic(path string, fn func(io.Writer) error) error {
	return replaceFile(path, func(tmp *os.File) error {
		bw := bufio.NewWriter(tmp)
		if err := fn(bw); err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return err
		}
		if err := tmp.Sync(); err != nil {
			return err
		}
		return tmp.Close()
	})
}

// WriteFileAtomicPath is WriteFileAtomic for writers that need a file
// name, such as GDAL drivers. fn must leave the file closed.
func WriteFileAtomicPath(path string, fn func(tmpPath string) error) error {
	return replaceFile(path, func(tmp *os.File) error {
		if err := tmp.Close(); err != nil {
			return err
		}
		if err := fn(tmp.Name()); err != nil {
			return err
		}
		f, err := os.OpenFile(tmp.Name(), os.O_RDWR, 0)
		if err != nil {
			return err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
}

// replaceFile creates the temporary file, lets fill write and close it, then
// renames it over path
func replaceFile(path string, fill func(*os.File) error) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return &tile.WriteFailure{Path: path, Err: err}
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
			os.Remove(tmpName + ".aux.xml")
		}
	}()

	if err = fill(tmp); err != nil {
		return &tile.WriteFailure{Path: path, Err: err}
	}
	if err = os.Chmod(tmpName, 0o644); err != nil {
		return &tile.WriteFailure{Path: path, Err: err}
	}
	if err = os.Rename(tmpName, path); err != nil {
		return &tile.WriteFailure{Path: path, Err: err}
	}
	return nil
}
