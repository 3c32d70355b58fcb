package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SeaweedFS talks to a SeaweedFS master for placement and to volume servers for data.
type SeaweedFS struct {
	masterURL string
	client    *http.Client
	logger    *slog.Logger
}

func NewSeaweedFS(masterURL string, timeout time.Duration, logger *slog.Logger) *SeaweedFS {
	if logger == nil {
		logger = slog.Default()
	}
	return &SeaweedFS{
		masterURL: strings.TrimRight(masterURL, "/"),
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
	}
}

type assignResponse struct {
	Fid       string `json:"fid"`
	URL       string `json:"url"`
	PublicURL string `json:"publicUrl"`
	Error     string `json:"error"`
}

type lookupResponse struct {
	VolumeID  string `json:"volumeId"`
	Locations []struct {
		URL       string `json:"url"`
		PublicURL string `json:"publicUrl"`
	} `json:"locations"`
	Error string `json:"error"`
}

// Upload asks the master for a file id, then posts the content to the assigned volume.
func (s *SeaweedFS) Upload(ctx context.Context, name string, r io.Reader) (string, error) {
	var assign assignResponse
	if err := s.getJSON(ctx, s.masterURL+"/dir/assign", &assign); err != nil {
		return "", fmt.Errorf("assign file id: %w", err)
	}
	if assign.Fid == "" {
		return "", fmt.Errorf("assign file id: empty fid (%s)", assign.Error)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", name)
		if err == nil {
			_, err = io.Copy(part, r)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, volumeURL(assign.URL, assign.Fid), pr)
	if err != nil {
		pr.Close()
		return "", fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}

	s.logger.Info("file stored", "file_name", name, "fid", assign.Fid)
	return assign.Fid, nil
}

// Fetch resolves the volume holding ref and streams the object from it.
func (s *SeaweedFS) Fetch(ctx context.Context, ref string) (io.ReadCloser, error) {
	fid := NormalizeRef(ref)
	location, err := s.lookup(ctx, fid)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", fid, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, volumeURL(location, fid), nil)
	if err != nil {
		return nil, fmt.Errorf("create fetch request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", fid, err)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: %w", fid, err)
	}
	return resp.Body, nil
}

func (s *SeaweedFS) Delete(ctx context.Context, ref string) error {
	fid := NormalizeRef(ref)
	location, err := s.lookup(ctx, fid)
	if err != nil {
		return fmt.Errorf("delete %s: %w", fid, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, volumeURL(location, fid), nil)
	if err != nil {
		return fmt.Errorf("create delete request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("delete %s: %w", fid, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("delete %s: %w", fid, err)
	}
	s.logger.Info("file deleted", "fid", fid)
	return nil
}

func (s *SeaweedFS) lookup(ctx context.Context, fid string) (string, error) {
	volumeID := VolumeID(fid)
	var lookup lookupResponse
	if err := s.getJSON(ctx, s.masterURL+"/dir/lookup?volumeId="+url.QueryEscape(volumeID), &lookup); err != nil {
		return "", fmt.Errorf("lookup volume %s: %w", volumeID, err)
	}
	if len(lookup.Locations) == 0 || lookup.Locations[0].URL == "" {
		return "", fmt.Errorf("lookup volume %s: %w", volumeID, ErrNotFound)
	}
	return lookup.Locations[0].URL, nil
}

func (s *SeaweedFS) getJSON(ctx context.Context, rawURL string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// VolumeID is the part of a file id before the first comma.
func VolumeID(fid string) string {
	fid = NormalizeRef(fid)
	if i := strings.IndexByte(fid, ','); i >= 0 {
		return strings.TrimSpace(fid[:i])
	}
	return fid
}

func volumeURL(location, fid string) string {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return strings.TrimRight(location, "/") + "/" + fid
	}
	return "http://" + location + "/" + fid
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}

// IsNotFound reports whether err means the referenced object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
