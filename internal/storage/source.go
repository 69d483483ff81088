package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"

	"github.com/example/filevault/internal/apperr"
	"github.com/example/filevault/internal/pathguard"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// validateConfig checks cfg's struct tags and reports the first failing field.
func validateConfig(op string, cfg any) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return apperr.Construction(op, fmt.Errorf("invalid configuration: %s failed %q", fe.Namespace(), fe.Tag()))
	}
	return apperr.Construction(op, err)
}

// openSource opens localPath for upload. The path is stat'ed before opening so
// FIFOs and devices are never opened, and the handle is stat'ed again so the
// checks apply to the file actually read.
func openSource(op, localPath string) (*os.File, fs.FileInfo, error) {
	if strings.TrimSpace(localPath) == "" {
		return nil, nil, apperr.WithOp(apperr.ErrSourceNotFound, op)
	}
	before, err := os.Stat(localPath)
	if err != nil {
		return nil, nil, sourceError(op, err)
	}
	if !before.Mode().IsRegular() {
		return nil, nil, apperr.WithOp(apperr.ErrSourceNotRegular, op)
	}
	f, err := os.Open(localPath)
	if err != nil {
		return nil, nil, sourceError(op, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, &apperr.Error{Kind: apperr.KindInvalidInput, Op: op, Message: "cannot stat source", Err: err}
	}
	if !info.Mode().IsRegular() || !os.SameFile(before, info) {
		f.Close()
		return nil, nil, apperr.WithOp(apperr.ErrSourceNotRegular, op)
	}
	if info.Size() == 0 {
		f.Close()
		return nil, nil, apperr.WithOp(apperr.ErrSourceEmpty, op)
	}
	return f, info, nil
}

func sourceError(op string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return apperr.WithOp(apperr.ErrSourceNotFound, op)
	case errors.Is(err, fs.ErrPermission):
		return &apperr.Error{Kind: apperr.KindPermissionDenied, Op: op, Message: "source is not readable", Err: err}
	default:
		return &apperr.Error{Kind: apperr.KindInvalidInput, Op: op, Message: "cannot open source", Err: err}
	}
}

// detectContentType sniffs f's content type and rewinds it.
func detectContentType(f *os.File) string {
	mt, err := mimetype.DetectReader(f)
	if _, serr := f.Seek(0, io.SeekStart); serr != nil || err != nil {
		return "application/octet-stream"
	}
	return mt.String()
}

// objectKey turns a destination hint into a clean object key. Keys that would
// climb above the bucket root are rejected for parity with local disk. An empty
// hint or one ending in "/" takes the source file's base name.
func objectKey(op, destination, localPath string) (string, error) {
	norm, err := pathguard.Normalize(destination)
	if err != nil {
		return "", apperr.WithOp(apperr.ErrInvalidPath, op)
	}
	if norm == "" || strings.HasSuffix(norm, "/") {
		norm += filepath.Base(localPath)
	}
	for _, seg := range strings.Split(norm, "/") {
		if seg == ".." {
			return "", apperr.WithOp(apperr.ErrPathEscape, op)
		}
	}
	key := strings.TrimPrefix(path.Clean("/"+norm), "/")
	if key == "" {
		return "", apperr.WithOp(apperr.ErrInvalidPath, op)
	}
	return key, nil
}

// keyPrefix normalizes a configured object key prefix to "" or "dir/".
func keyPrefix(p string) string {
	p = strings.Trim(strings.ReplaceAll(p, `\`, "/"), "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

// objectName picks the display name for providers keyed by name rather than
// path: the destination's base name, or the source's when none is given.
func objectName(destination, localPath string) string {
	if norm, err := pathguard.Normalize(destination); err == nil && !strings.HasSuffix(norm, "/") {
		if base := path.Base(norm); base != "." && base != "/" && base != ".." {
			return base
		}
	}
	return filepath.Base(localPath)
}
