package webmonitor

import (
	"embed"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
)

//go:embed static
var staticFS embed.FS

// assetHandler serves dashboard assets, preferring an on-disk override
// directory over the embedded copies.
type assetHandler struct {
	assetsDir string
	embedded  http.Handler
}

func newAssetHandler(assetsDir string) *assetHandler {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	return &assetHandler{
		assetsDir: assetsDir,
		embedded:  http.FileServerFS(sub),
	}
}

func (h *assetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filename := filepath.Base(r.URL.Path)
	if h.assetsDir != "" {
		assetPath := filepath.Join(h.assetsDir, filename)
		if fileExists(assetPath) {
			http.ServeFile(w, r, assetPath)
			return
		}
	}

	r2 := r.Clone(r.Context())
	r2.URL.Path = "/" + filename
	h.embedded.ServeHTTP(w, r2)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
