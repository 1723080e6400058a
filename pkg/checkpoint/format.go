// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// BinFormat of the binary file holding the variables values.
type BinFormat int

const (
	// BinGZIP is the default: the variables values are gzip compressed.
	BinGZIP BinFormat = iota

	// BinUncompressed stores the raw bytes of the variables values.
	BinUncompressed
)

// String implements fmt.Stringer.
func (bf BinFormat) String() string {
	switch bf {
	case BinGZIP:
		return "gzip"
	case BinUncompressed:
		return "uncompressed"
	default:
		return "unknown"
	}
}

// ErrUnsupportedCompression is returned when the binary file header names an unknown compression.
var ErrUnsupportedCompression = errors.New("unsupported compression")

const (
	binHeader     = "symba_checkpoint"
	gzipHeader    = "gzip"
	lenGzipHeader = uint8(len(gzipHeader))
)

// Header of a compressed binary file:
//
//	| "symba_checkpoint" (16 bytes) | len (1 byte) | "gzip" (len bytes) | gzip stream ... |
//
// Uncompressed files have no header.

// binWriter writes the variables values, and closes the underlying file on Close.
type binWriter struct {
	f   *os.File
	buf *bufio.Writer
	gz  *gzip.Writer
	w   io.Writer
}

func createBinFile(path string, bf BinFormat) (*binWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %q", path)
	}
	bw := &binWriter{f: f, buf: bufio.NewWriter(f)}
	bw.w = bw.buf
	if bf == BinUncompressed {
		return bw, nil
	}
	header := append([]byte(binHeader), lenGzipHeader)
	header = append(header, gzipHeader...)
	if _, err = bw.buf.Write(header); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "failed to write header to %q", path)
	}
	bw.gz = gzip.NewWriter(bw.buf)
	bw.w = bw.gz
	return bw, nil
}

func (bw *binWriter) Write(p []byte) (int, error) {
	return bw.w.Write(p)
}

// Close flushes everything and closes the file.
func (bw *binWriter) Close() error {
	if bw.gz != nil {
		if err := bw.gz.Close(); err != nil {
			_ = bw.f.Close()
			return err
		}
	}
	if err := bw.buf.Flush(); err != nil {
		_ = bw.f.Close()
		return err
	}
	return bw.f.Close()
}

// openBinReader returns a reader of the (decompressed) variables values. Files without a header are
// read as uncompressed.
func openBinReader(f io.ReadSeeker) (io.Reader, error) {
	buf := make([]byte, len(binHeader))
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "read header")
	}
	if n < len(binHeader) || string(buf) != binHeader {
		if _, err = f.Seek(0, io.SeekStart); err != nil {
			return nil, errors.Wrap(err, "seek header")
		}
		return bufio.NewReader(f), nil
	}
	var compressionLen uint8
	if err = binary.Read(f, binary.BigEndian, &compressionLen); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	compression := make([]byte, compressionLen)
	if _, err = io.ReadFull(f, compression); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	if string(compression) != gzipHeader {
		return nil, errors.Wrapf(ErrUnsupportedCompression, "compression %q", compression)
	}
	rd, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, errors.Wrap(err, "read gzip header")
	}
	return rd, nil
}
