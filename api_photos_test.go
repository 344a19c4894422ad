package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIServer_HandleUploadPhotos(t *testing.T) {
	env := newTestEnv(t)
	user, token := env.createUser(t, "alice", RoleUser)
	section := env.firstSection(t)

	form, contentType := multipartForm(t,
		map[string]string{"section_id": strconv.FormatInt(section.ID, 10), "title": " Sunset "},
		formFile{field: "photos", name: "sunset.png", data: testPNG(t, 800, 600)},
		formFile{field: "photos", name: "../../etc/dunes.png", data: testPNG(t, 32, 32)},
	)

	resp := env.upload(t, "/api/photos", token, form, contentType)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	v := decode[UploadResponse](t, resp)
	assert.True(t, v.OK)
	require.Len(t, v.Photos, 2)

	for _, p := range v.Photos {
		assert.Equal(t, user.ID, p.UserID)
		assert.Equal(t, "alice", p.Username)
		assert.Equal(t, section.Name, p.SectionName)
		require.NotNil(t, p.Title)
		assert.Equal(t, "Sunset", *p.Title)
		assert.NotContains(t, p.Filename, "/")
		assert.Equal(t, "/uploads/"+p.Filename, p.URL)
		assert.Equal(t, fmt.Sprintf("/api/photos/%d/thumbnail", p.ID), p.ThumbnailURL)
	}
	assert.True(t, strings.HasSuffix(v.Photos[0].Filename, "-sunset.png"))

	t.Run("original is served", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, v.Photos[0].URL, "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("thumbnail is a jpeg", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, v.Photos[0].ThumbnailURL, "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))

		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", http.DetectContentType(b))
	})

	t.Run("list by section", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/api/photos?section_id="+strconv.FormatInt(section.ID, 10), "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Len(t, decode[[]PhotoView](t, resp), 2)

		resp = env.do(t, http.MethodGet, "/api/photos?section_id=999", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Empty(t, decode[[]PhotoView](t, resp))

		resp = env.do(t, http.MethodGet, "/api/photos?section_id=abc", "", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestAPIServer_HandleUploadPhotosRejected(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.createUser(t, "alice", RoleUser)
	section := env.firstSection(t)
	sectionID := strconv.FormatInt(section.ID, 10)

	tooMany := make([]formFile, maxPhotosPerUpload+1)
	for i := range tooMany {
		tooMany[i] = formFile{field: "photos", name: fmt.Sprintf("p%d.png", i), data: []byte("\x89PNG\r\n\x1a\n")}
	}

	tests := []struct {
		name   string
		fields map[string]string
		files  []formFile
		token  string
		status int
	}{
		{
			name:   "unauthorized",
			fields: map[string]string{"section_id": sectionID},
			files:  []formFile{{field: "photos", name: "a.png", data: testPNG(t, 8, 8)}},
			status: http.StatusUnauthorized,
		},
		{
			name:   "missing section",
			files:  []formFile{{field: "photos", name: "a.png", data: testPNG(t, 8, 8)}},
			token:  token,
			status: http.StatusBadRequest,
		},
		{
			name:   "unknown section",
			fields: map[string]string{"section_id": "9999"},
			files:  []formFile{{field: "photos", name: "a.png", data: testPNG(t, 8, 8)}},
			token:  token,
			status: http.StatusBadRequest,
		},
		{
			name:   "no files",
			fields: map[string]string{"section_id": sectionID},
			token:  token,
			status: http.StatusBadRequest,
		},
		{
			name:   "not an image",
			fields: map[string]string{"section_id": sectionID},
			files: []formFile{
				{field: "photos", name: "a.png", data: testPNG(t, 8, 8)},
				{field: "photos", name: "notes.txt", data: []byte("plain text")},
			},
			token:  token,
			status: http.StatusBadRequest,
		},
		{
			name:   "too many files",
			fields: map[string]string{"section_id": sectionID},
			files:  tooMany,
			token:  token,
			status: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form, contentType := multipartForm(t, tt.fields, tt.files...)
			resp := env.upload(t, "/api/photos", tt.token, form, contentType)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}

	photos, err := env.db.ListPhotos(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, photos)
}

func TestAPIServer_HandleUploadPhotosStoresSniffedExtension(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.createUser(t, "alice", RoleUser)
	section := env.firstSection(t)

	payload := []byte(`GIF89a<svg xmlns="http://www.w3.org/2000/svg"><script>alert(document.domain)</script></svg>`)

	for _, name := range []string{"x.svg", "x.html"} {
		t.Run(name, func(t *testing.T) {
			form, contentType := multipartForm(t,
				map[string]string{"section_id": strconv.FormatInt(section.ID, 10)},
				formFile{field: "photos", name: name, data: payload},
			)

			resp := env.upload(t, "/api/photos", token, form, contentType)
			require.Equal(t, http.StatusOK, resp.StatusCode)

			photos := decode[UploadResponse](t, resp).Photos
			require.Len(t, photos, 1)
			assert.True(t, strings.HasSuffix(photos[0].Filename, "-x.gif"), photos[0].Filename)

			resp = env.do(t, http.MethodGet, photos[0].URL, "", nil)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "image/gif", resp.Header.Get("Content-Type"))
			assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
		})
	}
}

// brokenStorage fails to save any original whose name ends with failSuffix.
type brokenStorage struct {
	FileStorage
	failSuffix string
}

func (s *brokenStorage) Save(ctx context.Context, name string, data []byte, contentType string) error {
	if strings.HasSuffix(name, s.failSuffix) {
		return errors.New("disk full")
	}

	return s.FileStorage.Save(ctx, name, data, contentType)
}

func TestAPIServer_HandleUploadPhotosPartialFailure(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.createUser(t, "alice", RoleUser)
	section := env.firstSection(t)

	env.uploadPhotos(t, token, section.ID, "before.png")
	resp := env.do(t, http.MethodGet, "/api/photos/top", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, env.redis.Exists(topPhotosKey))

	conn, _, err := dialEvents(t, env.server.URL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return env.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	env.api.files = &brokenStorage{FileStorage: env.files, failSuffix: "-broken.png"}

	form, contentType := multipartForm(t,
		map[string]string{"section_id": strconv.FormatInt(section.ID, 10)},
		formFile{field: "photos", name: "kept.png", data: testPNG(t, 8, 8)},
		formFile{field: "photos", name: "broken.png", data: testPNG(t, 8, 8)},
	)
	resp = env.upload(t, "/api/photos", token, form, contentType)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	photos, err := env.db.ListPhotos(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, photos, 2)

	var kept PhotoView
	for _, p := range photos {
		if strings.HasSuffix(p.Filename, "-kept.png") {
			kept = p
		}
	}
	require.NotZero(t, kept.ID)

	assert.False(t, env.redis.Exists(topPhotosKey))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventPhotoUploaded, ev.Type)
	assert.Equal(t, kept.ID, ev.PhotoID)
}

func TestAPIServer_TopPhotosFollowCommentsAndSections(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.createUser(t, "alice", RoleUser)
	section := env.firstSection(t)
	photo := env.uploadPhotos(t, token, section.ID, "a.png")[0]

	top := func(t *testing.T) PhotoView {
		t.Helper()

		resp := env.do(t, http.MethodGet, "/api/photos/top", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		photos := decode[[]PhotoView](t, resp)
		require.Len(t, photos, 1)

		return photos[0]
	}

	assert.EqualValues(t, 0, top(t).Comments)
	require.True(t, env.redis.Exists(topPhotosKey))

	resp := env.do(t, http.MethodPost, fmt.Sprintf("/api/photos/%d/comment", photo.ID), token, CommentRequest{Comment: "nice"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, env.redis.Exists(topPhotosKey))
	assert.EqualValues(t, 1, top(t).Comments)

	resp = env.do(t, http.MethodPut, fmt.Sprintf("/api/sections/%d", section.ID), "",
		SectionRequest{Name: "Renamed", Password: testSectionsPassword})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, env.redis.Exists(topPhotosKey))
	assert.Equal(t, "Renamed", top(t).SectionName)
}

func TestAPIServer_HandleVoteAndTopPhotos(t *testing.T) {
	env := newTestEnv(t)
	_, alice := env.createUser(t, "alice", RoleUser)
	_, bob := env.createUser(t, "bob", RoleUser)
	section := env.firstSection(t)

	photos := env.uploadPhotos(t, alice, section.ID, "first.png", "second.png")
	first, second := photos[0], photos[1]

	resp := env.do(t, http.MethodPost, fmt.Sprintf("/api/photos/%d/vote", second.ID), alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodPost, fmt.Sprintf("/api/photos/%d/vote", second.ID), alice, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "already voted", decode[errorBody](t, resp).Error)

	resp = env.do(t, http.MethodPost, "/api/photos/9999/vote", alice, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/photos/top", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	top := decode[[]PhotoView](t, resp)
	require.Len(t, top, 2)
	assert.Equal(t, second.ID, top[0].ID)
	assert.EqualValues(t, 1, top[0].Votes)
	assert.True(t, env.redis.Exists(topPhotosKey))

	// Two votes for the first photo must invalidate the cached ranking.
	for _, token := range []string{alice, bob} {
		resp = env.do(t, http.MethodPost, fmt.Sprintf("/api/photos/%d/vote", first.ID), token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	assert.False(t, env.redis.Exists(topPhotosKey))

	resp = env.do(t, http.MethodGet, "/api/photos/top", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	top = decode[[]PhotoView](t, resp)
	require.Len(t, top, 2)
	assert.Equal(t, first.ID, top[0].ID)
	assert.EqualValues(t, 2, top[0].Votes)
}

func TestAPIServer_HandleComments(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.createUser(t, "alice", RoleUser)
	photo := env.uploadPhotos(t, token, env.firstSection(t).ID, "a.png")[0]
	path := fmt.Sprintf("/api/photos/%d/comment", photo.ID)

	resp := env.do(t, http.MethodPost, path, token, CommentRequest{Comment: "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, path, token, CommentRequest{Comment: strings.Repeat("x", maxCommentLength+1)})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/photos/9999/comment", token, CommentRequest{Comment: "nice"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	for _, text := range []string{" first ", "second"} {
		resp = env.do(t, http.MethodPost, path, token, CommentRequest{Comment: text})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		v := decode[CommentResponse](t, resp)
		assert.Equal(t, strings.TrimSpace(text), v.Comment.Text)
		assert.Equal(t, "alice", v.Comment.Username)
	}

	resp = env.do(t, http.MethodGet, fmt.Sprintf("/api/photos/%d/comments", photo.ID), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	comments := decode[[]Comment](t, resp)
	require.Len(t, comments, 2)
	assert.Equal(t, "first", comments[0].Text)
	assert.Equal(t, "second", comments[1].Text)

	resp = env.do(t, http.MethodGet, "/api/photos", "", nil)
	list := decode[[]PhotoView](t, resp)
	require.Len(t, list, 1)
	assert.EqualValues(t, 2, list[0].Comments)
}

func TestAPIServer_HandleDeletePhoto(t *testing.T) {
	env := newTestEnv(t)
	_, alice := env.createUser(t, "alice", RoleUser)
	_, bob := env.createUser(t, "bob", RoleUser)
	photo := env.uploadPhotos(t, alice, env.firstSection(t).ID, "a.png")[0]
	path := fmt.Sprintf("/api/photos/%d", photo.ID)

	resp := env.do(t, http.MethodPost, path+"/vote", bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.do(t, http.MethodPost, path+"/tag", bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, path, bob, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, path, alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err := env.files.Open(context.Background(), photo.Filename)
	assert.ErrorIs(t, err, ErrFileNotFound)
	_, err = env.files.Open(context.Background(), thumbnailName(photo.Filename))
	assert.ErrorIs(t, err, ErrFileNotFound)

	resp = env.do(t, http.MethodGet, "/api/user/tagged-photos", bob, nil)
	assert.Empty(t, decode[[]PhotoView](t, resp))

	resp = env.do(t, http.MethodDelete, path, alice, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIServer_HandleToggleTag(t *testing.T) {
	env := newTestEnv(t)
	_, alice := env.createUser(t, "alice", RoleUser)
	_, bob := env.createUser(t, "bob", RoleUser)
	photo := env.uploadPhotos(t, alice, env.firstSection(t).ID, "a.png")[0]
	path := fmt.Sprintf("/api/photos/%d/tag", photo.ID)

	resp := env.do(t, http.MethodGet, fmt.Sprintf("/api/photos/%d/tagged", photo.ID), bob, nil)
	assert.False(t, decode[TaggedResponse](t, resp).Tagged)

	resp = env.do(t, http.MethodPost, path, bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[TaggedResponse](t, resp).Tagged)

	resp = env.do(t, http.MethodGet, fmt.Sprintf("/api/photos/%d/tagged", photo.ID), bob, nil)
	assert.True(t, decode[TaggedResponse](t, resp).Tagged)

	resp = env.do(t, http.MethodGet, "/api/user/tagged-photos", bob, nil)
	tagged := decode[[]PhotoView](t, resp)
	require.Len(t, tagged, 1)
	assert.Equal(t, photo.ID, tagged[0].ID)

	resp = env.do(t, http.MethodPost, path, bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[TaggedResponse](t, resp).Tagged)

	resp = env.do(t, http.MethodPost, "/api/photos/9999/tag", bob, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIServer_HandleGetThumbnailFallback(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.createUser(t, "alice", RoleUser)
	photo := env.uploadPhotos(t, token, env.firstSection(t).ID, "a.png")[0]

	require.NoError(t, env.files.Delete(context.Background(), thumbnailName(photo.Filename)))

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	resp, err := client.Get(env.url(photo.ThumbnailURL))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, photo.URL, resp.Header.Get("Location"))

	resp2 := env.do(t, http.MethodGet, "/api/photos/abc/thumbnail", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestAPIServer_HandleUploadPhotosRasterizesSVG(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.createUser(t, "alice", RoleUser)

	svg := []byte(`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 100 50"><circle cx="25" cy="25" r="20" fill="blue"/></svg>`)
	form, contentType := multipartForm(t,
		map[string]string{"section_id": strconv.FormatInt(env.firstSection(t).ID, 10)},
		formFile{field: "photos", name: "badge.svg", data: svg},
	)

	resp := env.upload(t, "/api/photos", token, form, contentType)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	photos := decode[UploadResponse](t, resp).Photos
	require.Len(t, photos, 1)
	assert.True(t, strings.HasSuffix(photos[0].Filename, "-badge.png"))

	resp = env.do(t, http.MethodGet, photos[0].URL, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
}
