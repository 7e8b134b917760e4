// Copyright © 2025 The HWRelayd Authors
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package unpack extracts hardware module packages. Packages are gzipped
// tarballs; extraction streams straight from the download without
// buffering the archive.
package unpack

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Pipeline writes a module package's files under a destination
// directory.
type Pipeline struct {
	Log *logrus.Logger
}

// Unpack extracts the tar.gz stream r under dir, creating it if needed.
// Entries escaping dir are rejected.
func (p *Pipeline) Unpack(r io.Reader, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create module directory")
	}

	gz, err := gzip.NewReader(r)
	if err != nil {
		return errors.Wrap(err, "read package stream")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read package entry")
		}

		target, err := securePath(dir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return errors.Wrapf(err, "create %s", hdr.Name)
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode()); err != nil {
				return errors.Wrapf(err, "extract %s", hdr.Name)
			}
			if p.Log != nil {
				p.Log.WithField("file", hdr.Name).Debug("Extracted")
			}
		default:
			// Links and special files have no business in a module package.
			if p.Log != nil {
				p.Log.WithField("file", hdr.Name).Warn("Skipping non-regular package entry")
			}
		}
	}
}

func securePath(dir, name string) (string, error) {
	target := filepath.Join(dir, filepath.FromSlash(name))
	if target != dir && !strings.HasPrefix(target, dir+string(os.PathSeparator)) {
		return "", errors.Errorf("package entry escapes module directory: %q", name)
	}
	return target, nil
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
