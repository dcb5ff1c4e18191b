package handlers

import (
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"brokerage-backend/internal/storage"
)

// Allowed file types and size limit for uploads.
const maxUploadSize = 10 << 20 // 10 MB

var allowedTypes = map[string]bool{
	"application/pdf": true,
	"image/jpeg":      true,
	"image/jpg":       true,
	"image/png":       true,
}

// UploadHandler handles generic file uploads and serves local files.
// It depends on the storage.Store interface, not a specific backend.
type UploadHandler struct {
	store    storage.Store
	localDir string
}

// NewUploadHandler creates an UploadHandler with the given storage
// backend. localDir is where local files are served from; irrelevant
// for R2 which redirects to the CDN.
func NewUploadHandler(store storage.Store, localDir string) *UploadHandler {
	return &UploadHandler{store: store, localDir: localDir}
}

// readUpload pulls the "file" field out of a multipart request and
// sniffs its MIME type against the allowed list. The returned file
// is rewound and ready to store; the caller closes it.
func readUpload(w http.ResponseWriter, r *http.Request) (multipart.File, string, string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		JSONError(w, http.StatusBadRequest, "Fichier trop volumineux (10 Mo maximum)")
		return nil, "", "", false
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		JSONError(w, http.StatusBadRequest, "Champ 'file' manquant")
		return nil, "", "", false
	}

	buffer := make([]byte, 512)
	n, err := file.Read(buffer)
	if err != nil && err != io.EOF {
		file.Close()
		JSONError(w, http.StatusBadRequest, "Fichier illisible")
		return nil, "", "", false
	}
	contentType := http.DetectContentType(buffer[:n])

	if !allowedTypes[contentType] {
		file.Close()
		JSONError(w, http.StatusBadRequest, fmt.Sprintf(
			"Type de fichier %q refusé. Formats acceptés: PDF, JPG, PNG.", contentType))
		return nil, "", "", false
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		file.Close()
		JSONError(w, http.StatusInternalServerError, "Impossible de traiter le fichier")
		return nil, "", "", false
	}

	return file, header.Filename, contentType, true
}

// Upload handles POST /api/upload — multipart/form-data with a "file"
// field and an optional "category" routing the key prefix.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	file, filename, contentType, ok := readUpload(w, r)
	if !ok {
		return
	}
	defer file.Close()

	category := r.FormValue("category")
	if category == "" {
		category = "general"
	}

	info, err := h.store.Save(r.Context(), storage.NewKey(category, filename), file, contentType)
	if err != nil {
		log.Printf("Upload failed: %v", err)
		JSONError(w, http.StatusInternalServerError, "Impossible d'enregistrer le fichier")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{"data": info})
}

// ServeFile handles GET /api/files/* — redirects to the CDN for R2,
// serves from disk for local storage.
func (h *UploadHandler) ServeFile(w http.ResponseWriter, r *http.Request) {
	filePath := strings.TrimPrefix(r.URL.Path, "/api/files/")
	if filePath == "" {
		JSONError(w, http.StatusBadRequest, "Chemin de fichier requis")
		return
	}

	if url := h.store.URL(filePath); strings.HasPrefix(url, "https://") {
		http.Redirect(w, r, url, http.StatusTemporaryRedirect)
		return
	}

	http.ServeFile(w, r, filepath.Join(h.localDir, filepath.Clean("/"+filePath)))
}
