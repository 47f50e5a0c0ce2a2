package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrSourceNotFound is returned when a referenced source does not exist
var ErrSourceNotFound = errors.New("source not found")

// DrivePrefix marks a source reference that lives in Google Drive
const DrivePrefix = "gdrive:"

// Lookup answers whether a source reference exists
type Lookup interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// Locator maps a source id to a local file
type Locator interface {
	Locate(ctx context.Context, id string) (string, error)
}

// Downloader copies a remote source into w
type Downloader interface {
	Download(ctx context.Context, id string, w io.Writer) error
}

// Resolver routes source references to the catalog or to Drive
type Resolver struct {
	catalog Lookup
	drive   Lookup
}

// NewResolver creates a resolver; drive may be nil when Drive is not configured
func NewResolver(catalog, drive Lookup) *Resolver {
	return &Resolver{catalog: catalog, drive: drive}
}

// Check returns ErrSourceNotFound when ref cannot be resolved
func (r *Resolver) Check(ctx context.Context, ref string) error {
	var (
		ok  bool
		err error
	)
	switch {
	case strings.HasPrefix(ref, DrivePrefix):
		if r.drive == nil {
			return fmt.Errorf("%w: %s (drive lookups are not configured)", ErrSourceNotFound, ref)
		}
		ok, err = r.drive.Exists(ctx, strings.TrimPrefix(ref, DrivePrefix))
	default:
		if r.catalog == nil {
			return fmt.Errorf("%w: %s", ErrSourceNotFound, ref)
		}
		ok, err = r.catalog.Exists(ctx, ref)
	}
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrSourceNotFound, ref)
	}
	return nil
}

// Localize returns a local file holding the content of ref. Remote sources
// are downloaded into dir; release removes such copies and is a no-op for
// catalog files.
func (r *Resolver) Localize(ctx context.Context, ref, dir string) (path string, release func(), err error) {
	release = func() {}
	if strings.HasPrefix(ref, DrivePrefix) {
		d, ok := r.drive.(Downloader)
		if !ok {
			return "", release, fmt.Errorf("%w: %s (drive downloads are not configured)", ErrSourceNotFound, ref)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", release, fmt.Errorf("failed to create download directory: %w", err)
		}
		f, err := os.CreateTemp(dir, "drive_*")
		if err != nil {
			return "", release, fmt.Errorf("failed to create download file: %w", err)
		}
		err = d.Download(ctx, strings.TrimPrefix(ref, DrivePrefix), f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(f.Name())
			return "", release, err
		}
		return f.Name(), func() { os.Remove(f.Name()) }, nil
	}

	l, ok := r.catalog.(Locator)
	if !ok {
		return "", release, fmt.Errorf("%w: %s", ErrSourceNotFound, ref)
	}
	path, err = l.Locate(ctx, ref)
	if err != nil {
		return "", release, err
	}
	return path, release, nil
}
