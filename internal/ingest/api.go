package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/voxscribe/internal/account"
	"github.com/MrWong99/voxscribe/internal/events"
	"github.com/MrWong99/voxscribe/internal/job"
)

// DefaultMaxUploadBytes caps a direct upload request body.
const DefaultMaxUploadBytes int64 = 512 << 20

// multipartMemory is how much of a multipart form is held in memory before
// parts spill to temporary files.
const multipartMemory = 8 << 20

// APIKeyHeader authenticates direct API calls.
const APIKeyHeader = "X-API-Key"

// Transcript is the JSON view of a job.
type Transcript struct {
	ID             int64       `json:"id"`
	Status         job.Status  `json:"status"`
	MediaURL       string      `json:"media_url"`
	Filename       string      `json:"filename"`
	TranscriptText *string     `json:"transcript_text"`
	Language       string      `json:"language"`
	ProjectID      *int64      `json:"project_id"`
	ArchiveFileID  *string     `json:"gdrive_file_id"`
	ErrorMessage   *string     `json:"error_message"`
	Channel        job.Channel `json:"channel"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

func transcriptOf(j *job.Job) Transcript {
	return Transcript{
		ID:             j.ID,
		Status:         j.Status,
		MediaURL:       j.MediaKey,
		Filename:       j.Filename,
		TranscriptText: j.Text,
		Language:       j.Language,
		ProjectID:      j.ProjectID,
		ArchiveFileID:  j.ArchiveFileID,
		ErrorMessage:   j.Error,
		Channel:        j.Channel,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
}

// API serves the owner-scoped transcript endpoints.
type API struct {
	router    *Router
	bus       *events.Bus
	maxUpload int64
}

// APIOption configures an API.
type APIOption func(*API)

// WithMaxUploadBytes caps the upload request size.
func WithMaxUploadBytes(n int64) APIOption {
	return func(a *API) {
		if n > 0 {
			a.maxUpload = n
		}
	}
}

// WithEvents enables GET /transcripts/{id}/events backed by bus.
func WithEvents(bus *events.Bus) APIOption {
	return func(a *API) { a.bus = bus }
}

// NewAPI returns the transcript API over router.
func NewAPI(router *Router, opts ...APIOption) *API {
	a := &API{router: router, maxUpload: DefaultMaxUploadBytes}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Register adds the transcript routes to mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.Handle("POST /transcripts", a.authenticated(a.upload))
	mux.Handle("GET /transcripts", a.authenticated(a.list))
	mux.Handle("GET /transcripts/{id}", a.authenticated(a.get))
	mux.Handle("DELETE /transcripts/{id}", a.authenticated(a.delete))
	if a.bus != nil {
		mux.Handle("GET /transcripts/{id}/events", a.authenticated(a.events))
	}
}

type ownerKey struct{}

func ownerFrom(ctx context.Context) *account.Account {
	a, _ := ctx.Value(ownerKey{}).(*account.Account)
	return a
}

// authenticated resolves the X-API-Key header (or api_key query parameter,
// for browser websockets) to an owner.
func (a *API) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(APIKeyHeader)
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key == "" {
			writeError(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}
		owner, err := a.router.Accounts.ByAPIKey(r.Context(), key)
		if errors.Is(err, account.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "Invalid API Key")
			return
		}
		if err != nil {
			slog.Error("ingest: authenticate", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

func (a *API) upload(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	if r.ContentLength > a.maxUpload {
		writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, a.maxUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "expected multipart form with a file field")
		return
	}
	defer r.MultipartForm.RemoveAll()

	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer f.Close()

	var projectID *int64
	if v := r.FormValue("project_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid project_id")
			return
		}
		ok, err := a.router.Accounts.IsMember(r.Context(), owner.ID, id)
		if err != nil {
			slog.Error("ingest: check membership", "owner_id", owner.ID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !ok {
			writeError(w, http.StatusForbidden, "not a member of this project")
			return
		}
		projectID = &id
	}

	j, err := a.router.Submit(r.Context(), Submission{
		OwnerID:   owner.ID,
		ProjectID: projectID,
		Filename:  hdr.Filename,
		MediaType: hdr.Header.Get("Content-Type"),
		Language:  r.FormValue("language"),
		Body:      f,
		Size:      hdr.Size,
		Channel:   job.ChannelWeb,
	})
	if err != nil {
		slog.Error("ingest: upload", "owner_id", owner.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to upload file: "+err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, transcriptOf(j))
}

func (a *API) list(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	opts := job.ListOptions{Offset: queryInt(r, "skip", 0), Limit: queryInt(r, "limit", 100)}
	if opts.Limit <= 0 || opts.Limit > 500 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	jobs, err := a.router.Jobs.ListByOwner(r.Context(), owner.ID, opts)
	if err != nil {
		slog.Error("ingest: list transcripts", "owner_id", owner.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]Transcript, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, transcriptOf(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) get(w http.ResponseWriter, r *http.Request) {
	j, ok := a.ownedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, transcriptOf(j))
}

// delete removes the media blob and the job record. Jobs still being worked
// on are refused.
func (a *API) delete(w http.ResponseWriter, r *http.Request) {
	j, ok := a.ownedJob(w, r)
	if !ok {
		return
	}
	if j.Status == job.StatusProcessing {
		writeError(w, http.StatusConflict, "Transcript is still processing")
		return
	}
	if err := a.router.Media.Delete(r.Context(), j.MediaKey); err != nil {
		slog.Warn("ingest: delete media", "job_id", j.ID, "key", j.MediaKey, "err", err)
	}
	if err := a.router.Jobs.Delete(r.Context(), j.ID); err != nil && !errors.Is(err, job.ErrNotFound) {
		slog.Error("ingest: delete transcript", "job_id", j.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) events(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "Transcript not found")
		return
	}
	// Subscribe before loading so no transition is lost in between.
	updates, cancel := a.bus.Subscribe(id)
	defer cancel()

	j, ok := a.ownedJob(w, r)
	if !ok {
		return
	}
	events.Stream(w, r, events.Snapshot(j), updates)
}

// ownedJob loads the job named by the {id} path value and writes a 404 when it
// does not exist or belongs to someone else.
func (a *API) ownedJob(w http.ResponseWriter, r *http.Request) (*job.Job, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "Transcript not found")
		return nil, false
	}
	j, err := a.router.Jobs.Get(r.Context(), id)
	if errors.Is(err, job.ErrNotFound) || (err == nil && j.OwnerID != ownerFrom(r.Context()).ID) {
		writeError(w, http.StatusNotFound, "Transcript not found")
		return nil, false
	}
	if err != nil {
		slog.Error("ingest: load transcript", "job_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return j, true
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

type errorBody struct {
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorBody{Detail: detail})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("ingest: write response", "err", err)
	}
}
