package filelist

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dsnet/compress/bzip2"
)

// Decompress expands a downloaded listing next to itself, dropping the
// ".bz2" or ".DcLst" suffix, and returns the new path.
func Decompress(path string) (string, error) {
	ext := filepath.Ext(path)
	out := strings.TrimSuffix(path, ext)
	if ext == "" || out == "" {
		return "", fmt.Errorf("filelist %s has no compression suffix", path)
	}

	switch ext {
	case ".bz2":
		if err := decodeBz2File(path, out); err != nil {
			return "", err
		}
	case ".DcLst":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", path, err)
		}
		plain, err := DecodeHe3(data)
		if err != nil {
			return "", fmt.Errorf("decompressing %s: %w", path, err)
		}
		if err := os.WriteFile(out, plain, 0644); err != nil {
			return "", fmt.Errorf("writing %s: %w", out, err)
		}
	default:
		return "", fmt.Errorf("unknown filelist compression %q", ext)
	}
	return out, nil
}

func decodeBz2File(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	zr, err := bzip2.NewReader(bufio.NewReader(in), nil)
	if err != nil {
		return fmt.Errorf("decompressing %s: %w", src, err)
	}
	defer zr.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	if _, err := io.Copy(out, zr); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("decompressing %s: %w", src, err)
	}
	return out.Close()
}

// WriteXMLBz2 writes root as a bz2 compressed XML listing at path,
// replacing any previous file atomically.
func WriteXMLBz2(path string, root *Node, cid string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}

	zw, err := bzip2.NewWriter(f, &bzip2.WriterConfig{Level: bzip2.BestCompression})
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("creating bz2 writer: %w", err)
	}
	if err := EncodeXML(zw, root, cid); err != nil {
		zw.Close()
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("compressing filelist: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}
