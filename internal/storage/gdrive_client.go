package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// DriveClient looks up source documents kept in Google Drive
type DriveClient struct {
	service *drive.Service
}

// NewDriveClient creates a Drive client from a service account key file
func NewDriveClient(ctx context.Context, credentialsFile string) (*DriveClient, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}

	conf, err := google.JWTConfigFromJSON(b, drive.DriveReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}

	srv, err := drive.NewService(ctx, option.WithHTTPClient(conf.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Drive service: %w", err)
	}
	return NewDriveClientWithService(srv), nil
}

// NewDriveClientWithService wraps an existing Drive service, for example
// one pointed at another endpoint
func NewDriveClientWithService(srv *drive.Service) *DriveClient {
	return &DriveClient{service: srv}
}

// Exists reports whether the file exists and is not trashed
func (dc *DriveClient) Exists(ctx context.Context, fileID string) (bool, error) {
	f, err := dc.service.Files.Get(fileID).
		Fields("id, trashed").
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return false, nil
		}
		return false, fmt.Errorf("unable to look up drive file %s: %w", fileID, err)
	}
	return !f.Trashed, nil
}

// Download streams the content of a Drive file into w
func (dc *DriveClient) Download(ctx context.Context, fileID string, w io.Writer) error {
	resp, err := dc.service.Files.Get(fileID).
		SupportsAllDrives(true).
		Context(ctx).
		Download()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return fmt.Errorf("%w: %s%s", ErrSourceNotFound, DrivePrefix, fileID)
		}
		return fmt.Errorf("unable to download drive file %s: %w", fileID, err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("unable to read drive file %s: %w", fileID, err)
	}
	return nil
}
