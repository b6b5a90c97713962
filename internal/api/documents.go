package api

import (
	"encoding/json"
	"net/http"

	"parley/internal/docstore"
	"parley/internal/metrics"
)

// ListDocumentsHandler serves GET /v1/collections/{collection}/documents.
// Filters arrive JSON encoded in the queries parameter.
func (a *API) ListDocumentsHandler(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	q, err := docstore.DecodeQuery(r.URL.Query().Get("queries"))
	if err != nil {
		a.writeStoreError(w, err)
		return
	}

	docs, err := a.docs.ListDocuments(r.Context(), collection, docstore.Apply(q))
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	if docs == nil {
		docs = []docstore.Document{}
	}
	a.writeJSON(w, http.StatusOK, DocumentList{Total: len(docs), Documents: docs})
}

func (a *API) GetDocumentHandler(w http.ResponseWriter, r *http.Request) {
	doc, err := a.docs.GetDocument(r.Context(), r.PathValue("collection"), r.PathValue("id"))
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, doc)
}

func (a *API) CreateDocumentHandler(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	if !a.allowWrite(w, r, collection) {
		return
	}

	var req CreateDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, ErrorTypeInvalid, "Invalid request body")
		return
	}
	if !docstore.Valid(req.Permissions) {
		a.writeError(w, http.StatusBadRequest, ErrorTypeInvalid, "Invalid permissions")
		return
	}

	doc, err := a.docs.CreateDocument(r.Context(), collection, req.DocumentID, req.Data, req.Permissions)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, doc)
}

func (a *API) UpdateDocumentHandler(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	if !a.allowWrite(w, r, collection) {
		return
	}

	var req UpdateDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, ErrorTypeInvalid, "Invalid request body")
		return
	}

	doc, err := a.docs.UpdateDocument(r.Context(), collection, r.PathValue("id"), req.Data)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, doc)
}

func (a *API) DeleteDocumentHandler(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	if !a.allowWrite(w, r, collection) {
		return
	}

	if err := a.docs.DeleteDocument(r.Context(), collection, r.PathValue("id")); err != nil {
		a.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) allowWrite(w http.ResponseWriter, r *http.Request, collection string) bool {
	caller, _ := docstore.CallerFrom(r.Context())
	if a.limiter.Allow(caller) {
		return true
	}
	metrics.RateLimitHits.WithLabelValues(collection).Inc()
	w.Header().Set("Retry-After", "1")
	a.writeError(w, http.StatusTooManyRequests, ErrorTypeRateLimited, "Too many writes")
	return false
}
