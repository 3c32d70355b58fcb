package storage

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSeaweed serves the master and a single volume from one test server.
type fakeSeaweed struct {
	mu    sync.Mutex
	files map[string][]byte
	names map[string]string
	host  string
}

func newFakeSeaweed(t *testing.T) (*fakeSeaweed, *httptest.Server) {
	t.Helper()
	fs := &fakeSeaweed{files: map[string][]byte{}, names: map[string]string{}}
	srv := httptest.NewServer(http.HandlerFunc(fs.serve))
	t.Cleanup(srv.Close)
	fs.host = strings.TrimPrefix(srv.URL, "http://")
	return fs, srv
}

func (f *fakeSeaweed) serve(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/dir/assign":
		json.NewEncoder(w).Encode(map[string]string{"fid": "3,01637037d6", "url": f.host, "publicUrl": f.host}) //nolint:errcheck
	case r.URL.Path == "/dir/lookup":
		if r.URL.Query().Get("volumeId") != "3" {
			json.NewEncoder(w).Encode(map[string]any{"volumeId": r.URL.Query().Get("volumeId"), "error": "volume not found"}) //nolint:errcheck
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"volumeId": "3", "locations": []map[string]string{{"url": f.host}}}) //nolint:errcheck
	default:
		fid := strings.TrimPrefix(r.URL.Path, "/")
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodPost:
			file, header, err := r.FormFile("file")
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			data, _ := io.ReadAll(file)
			f.files[fid] = data
			f.names[fid] = header.Filename
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			data, ok := f.files[fid]
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Write(data) //nolint:errcheck
		case http.MethodDelete:
			if _, ok := f.files[fid]; !ok {
				http.NotFound(w, r)
				return
			}
			delete(f.files, fid)
			w.WriteHeader(http.StatusAccepted)
		}
	}
}

func TestSeaweedFS_UploadFetchDelete(t *testing.T) {
	ctx := context.Background()
	fake, srv := newFakeSeaweed(t)
	s := NewSeaweedFS(srv.URL+"/", 5*time.Second, nil)

	ref, err := s.Upload(ctx, "march.xlsx", strings.NewReader("spreadsheet bytes"))
	require.NoError(t, err)
	assert.Equal(t, "3,01637037d6", ref)
	assert.Equal(t, "march.xlsx", fake.names[ref])

	// Stored references may come back quoted or padded.
	body, err := s.Fetch(ctx, `  "3,01637037d6" `)
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	body.Close()
	assert.Equal(t, "spreadsheet bytes", string(data))

	require.NoError(t, s.Delete(ctx, ref))
	_, err = s.Fetch(ctx, ref)
	assert.True(t, IsNotFound(err))
}

func TestSeaweedFS_FetchUnknownVolume(t *testing.T) {
	_, srv := newFakeSeaweed(t)
	s := NewSeaweedFS(srv.URL, 5*time.Second, nil)

	_, err := s.Fetch(context.Background(), "9,abc")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSeaweedFS_MasterDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	s := NewSeaweedFS(srv.URL, 5*time.Second, nil)

	_, err := s.Upload(context.Background(), "a.csv", strings.NewReader("x"))
	assert.Error(t, err)
	_, err = s.Fetch(context.Background(), "3,01")
	assert.Error(t, err)
	assert.False(t, IsNotFound(err))
}

func TestVolumeID(t *testing.T) {
	assert.Equal(t, "3", VolumeID("3,01637037d6"))
	assert.Equal(t, "3", VolumeID(` "3 ,01637037d6" `))
	assert.Equal(t, "nocomma", VolumeID("nocomma"))
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	ref, err := m.Upload(ctx, "a.csv", strings.NewReader("abc"))
	require.NoError(t, err)

	rc, err := m.Fetch(ctx, ref)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "abc", string(data))

	require.NoError(t, m.Delete(ctx, ref))
	_, err = m.Fetch(ctx, ref)
	assert.ErrorIs(t, err, ErrNotFound)
}
