package server

import (
	"html/template"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"
	"github.com/stretchr/testify/assert"

	"github.com/skylens-analytics/skylens"
	"github.com/skylens-analytics/skylens/util/imageutil"
)

// newTestServer builds a server around an empty session, enough to exercise
// the pages, the session plumbing and the health endpoint without a model.
func newTestServer(t *testing.T, assetsDir string) *Server {
	t.Helper()
	session, err := skylens.NewGoSession()
	assert.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, session.Destroy())
	})

	templates, err := template.New("skylens").Funcs(templateFuncs()).ParseFS(templateFS, "templates/*.gohtml")
	assert.NoError(t, err)

	return &Server{
		session:   session,
		assetsDir: assetsDir,
		sessions:  NewSessionStore(time.Minute),
		templates: templates,
		logger:    log.Logger{Level: log.ErrorLevel},
		started:   time.Now(),
	}
}

func TestPagesRender(t *testing.T) {
	handler := newTestServer(t, "").Handler()

	for path, fragment := range map[string]string{
		"/":            "Satellite imagery",
		"/predictions": "Generate Mask",
		"/pairs":       "No image/mask pairs",
		"/insights":    "Model Insights",
		"/team":        "Meet the Team",
	} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.Contains(t, w.Body.String(), fragment, path)
	}
}

func TestHealthEndpoint(t *testing.T) {
	handler := newTestServer(t, "").Handler()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var payload map[string]any
	assert.NoError(t, jsoniter.Unmarshal(w.Body.Bytes(), &payload))
	assert.Equal(t, "ok", payload["status"])
	assert.Equal(t, float64(0), payload["models"])
}

func TestMaskPNGWithoutMask(t *testing.T) {
	handler := newTestServer(t, "").Handler()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/mask.png", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMaskPNGServesSessionMask(t *testing.T) {
	server := newTestServer(t, "")
	handler := server.Handler()

	// seed a session and put a mask into its slot
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/predictions", nil))
	cookie := w.Result().Cookies()[0]

	r := httptest.NewRequest(http.MethodGet, "/mask.png", nil)
	r.AddCookie(cookie)
	session := server.sessions.Session(httptest.NewRecorder(), r)
	mask := image.NewGray(image.Rect(0, 0, 2, 2))
	mask.Pix = []uint8{0, 255, 255, 0}
	session.SetMask(mask, "tile.png")

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))

	decoded, err := png.Decode(w.Body)
	assert.NoError(t, err)
	assert.Equal(t, 2, decoded.Bounds().Dx())
}

func TestPredictMaskWithoutImage(t *testing.T) {
	handler := newTestServer(t, "").Handler()

	form := url.Values{}
	r := httptest.NewRequest(http.MethodPost, "/predict/mask", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIPredictWithoutImage(t *testing.T) {
	handler := newTestServer(t, "").Handler()

	r := httptest.NewRequest(http.MethodPost, "/api/predict", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var payload map[string]string
	assert.NoError(t, jsoniter.Unmarshal(w.Body.Bytes(), &payload))
	assert.Contains(t, payload["error"], "image upload or a sample name")
}

func TestRequestImageFromSample(t *testing.T) {
	assetsDir := t.TempDir()
	assert.NoError(t, os.MkdirAll(filepath.Join(assetsDir, "samples"), 0o755))
	tile := image.NewGray(image.Rect(0, 0, 4, 4))
	assert.NoError(t, imageutil.WritePNG(filepath.Join(assetsDir, "samples", "tile.png"), tile))

	server := newTestServer(t, assetsDir)

	form := url.Values{"sample": {"tile.png"}}
	r := httptest.NewRequest(http.MethodPost, "/predict/mask", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	img, source, err := server.requestImage(r)
	assert.NoError(t, err)
	assert.Equal(t, "tile.png", source)
	assert.Equal(t, 4, img.Bounds().Dx())

	// unknown sample names are rejected
	form = url.Values{"sample": {"../../etc/passwd"}}
	r = httptest.NewRequest(http.MethodPost, "/predict/mask", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	_, _, err = server.requestImage(r)
	assert.Error(t, err)
}

func TestListPairs(t *testing.T) {
	assetsDir := t.TempDir()
	pairsDir := filepath.Join(assetsDir, "pairs")
	assert.NoError(t, os.MkdirAll(pairsDir, 0o755))
	tile := image.NewGray(image.Rect(0, 0, 2, 2))
	assert.NoError(t, imageutil.WritePNG(filepath.Join(pairsDir, "tile_a.png"), tile))
	assert.NoError(t, imageutil.WritePNG(filepath.Join(pairsDir, "tile_a_mask.png"), tile))
	// tile without a mask is skipped
	assert.NoError(t, imageutil.WritePNG(filepath.Join(pairsDir, "tile_b.png"), tile))

	server := newTestServer(t, assetsDir)
	pairs, err := server.listPairs()
	assert.NoError(t, err)
	assert.Len(t, pairs, 1)
	assert.Equal(t, "tile_a", pairs[0].Name)
	assert.Equal(t, "/assets/pairs/tile_a.png", pairs[0].Image)
	assert.Equal(t, "/assets/pairs/tile_a_mask.png", pairs[0].Mask)
}

func TestLoadTeam(t *testing.T) {
	assetsDir := t.TempDir()
	roster := `[{"name": "Ada", "role": "ML engineer", "photo": "team/ada.png", "link": "https://example.com/ada"}]`
	assert.NoError(t, os.WriteFile(filepath.Join(assetsDir, "team.json"), []byte(roster), 0o644))

	server := newTestServer(t, assetsDir)
	members, err := server.loadTeam()
	assert.NoError(t, err)
	assert.Len(t, members, 1)
	assert.Equal(t, "Ada", members[0].Name)
	assert.Equal(t, "ML engineer", members[0].Role)
}
