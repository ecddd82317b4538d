package source

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// resolveShapefile returns a readable .shp path. A .zip is extracted to a
// temporary directory that cleanup removes.
func resolveShapefile(path string) (shpPath string, cleanup func(), err error) {
	noop := func() {}
	if !strings.EqualFold(filepath.Ext(path), ".zip") {
		return path, noop, nil
	}

	dir, err := os.MkdirTemp("", "tractjoin-shp-*")
	if err != nil {
		return "", noop, eris.Wrap(err, "shapefile: create extract dir")
	}
	cleanup = func() { _ = os.RemoveAll(dir) }

	if err := extractZIP(path, dir); err != nil {
		cleanup()
		return "", noop, eris.Wrapf(err, "shapefile: extract %s", path)
	}
	shpPath, err = findFileByExt(dir, ".shp")
	if err != nil {
		cleanup()
		return "", noop, err
	}
	return shpPath, cleanup, nil
}

// extractZIP flattens every file entry of the archive into destDir.
func extractZIP(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return eris.Wrap(err, "open zip")
	}
	defer r.Close() //nolint:errcheck

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if err := extractEntry(f, filepath.Join(destDir, filepath.Base(f.Name))); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return eris.Wrapf(err, "open zip entry %s", f.Name)
	}
	defer rc.Close() //nolint:errcheck

	out, err := os.Create(dest)
	if err != nil {
		return eris.Wrapf(err, "create %s", dest)
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return eris.Wrapf(err, "extract %s", f.Name)
	}
	return out.Close()
}

// findFileByExt returns the first file in dir with the given extension.
func findFileByExt(dir, ext string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", eris.Wrap(err, "read directory")
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ext) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", eris.Errorf("no %s file found in %s", ext, dir)
}
