package shl

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/fhir-infra/fhirhub"
	"github.com/fhir-infra/fhirhub/internal/jsonerr"
	"github.com/fhir-infra/fhirhub/shl/vhl"
)

// Service owns the manifest HTTP surface.
type Service struct {
	store   Store
	signer  *vhl.Signer
	admin   string
	baseURL string
	now     func() time.Time
}

// NewService wires the manifest endpoints over the given store. The admin
// password gates manifest creation; baseURL is the public prefix links are
// minted under. signer may be nil when VHL signing is not configured.
func NewService(store Store, signer *vhl.Signer, admin, baseURL string) *Service {
	return &Service{
		store:   store,
		signer:  signer,
		admin:   admin,
		baseURL: baseURL,
		now:     time.Now,
	}
}

// Create handles POST /shl/create.
func (s *Service) Create(w http.ResponseWriter, r *http.Request) {
	ctx := zlog.ContextWithValues(r.Context(), "component", "shl/Service.Create")
	var req struct {
		Password string `json:"password"`
		Days     int    `json:"days"`
		VHL      bool   `json:"vhl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonerr.FromError(w, &fhirhub.Error{Kind: fhirhub.ErrValidation, Message: "malformed request body"})
		return
	}
	if s.admin == "" || req.Password != s.admin {
		jsonerr.FromError(w, &fhirhub.Error{Kind: fhirhub.ErrAuth})
		return
	}
	if req.Days <= 0 {
		jsonerr.FromError(w, &fhirhub.Error{Kind: fhirhub.ErrValidation, Message: "days must be positive"})
		return
	}
	m := &Manifest{
		UUID:      uuid.NewString(),
		VHL:       req.VHL,
		Bearer:    uuid.NewString(),
		ExpiresAt: s.now().Add(time.Duration(req.Days) * 24 * time.Hour),
		CreatedAt: s.now(),
	}
	if err := s.store.Create(ctx, m); err != nil {
		zlog.Warn(ctx).Err(err).Msg("manifest create failed")
		jsonerr.FromError(w, err)
		return
	}
	createCounter.Inc()
	zlog.Info(ctx).Str("uuid", m.UUID).Bool("vhl", m.VHL).Time("expires", m.ExpiresAt).Msg("manifest created")
	writeJSON(w, map[string]string{
		"uuid":  m.UUID,
		"pword": m.Bearer,
		"link":  s.baseURL + "/shl/access/" + m.UUID,
	})
}

// Upload handles POST /shl/upload.
func (s *Service) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := zlog.ContextWithValues(r.Context(), "component", "shl/Service.Upload")
	var req struct {
		UUID  string `json:"uuid"`
		Pword string `json:"pword"`
		Files []struct {
			Cnt  string `json:"cnt"`
			Type string `json:"type"`
		} `json:"files"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonerr.FromError(w, &fhirhub.Error{Kind: fhirhub.ErrValidation, Message: "malformed request body"})
		return
	}
	m, err := s.store.Manifest(ctx, req.UUID)
	if err != nil {
		jsonerr.FromError(w, err)
		return
	}
	if m.Expired(s.now()) {
		jsonerr.FromError(w, &fhirhub.Error{Kind: fhirhub.ErrNotFound})
		return
	}
	if req.Pword != m.Bearer {
		jsonerr.FromError(w, &fhirhub.Error{Kind: fhirhub.ErrAuth})
		return
	}
	files := make([]File, len(req.Files))
	for i, f := range req.Files {
		if _, err := base64.StdEncoding.DecodeString(f.Cnt); err != nil {
			jsonerr.FromError(w, &fhirhub.Error{Kind: fhirhub.ErrValidation, Message: "file content is not base64"})
			return
		}
		files[i] = File{
			ID:            uuid.NewString(),
			ManifestUUID:  m.UUID,
			ContentBase64: f.Cnt,
			ContentType:   f.Type,
		}
	}
	if err := s.store.ReplaceFiles(ctx, m.UUID, files); err != nil {
		zlog.Warn(ctx).Err(err).Msg("file replace failed")
		jsonerr.FromError(w, err)
		return
	}
	zlog.Info(ctx).Str("uuid", m.UUID).Int("files", len(files)).Msg("file set replaced")
	writeJSON(w, map[string]int{"files": len(files)})
}

// Access handles GET and POST /shl/access/{uuid}.
func (s *Service) Access(w http.ResponseWriter, r *http.Request) {
	ctx := zlog.ContextWithValues(r.Context(), "component", "shl/Service.Access")
	var req struct {
		Recipient         string `json:"recipient"`
		EmbeddedLengthMax *int   `json:"embeddedLengthMax"`
	}
	if r.Method == http.MethodPost && r.Body != nil {
		// The body is optional; a missing or malformed one reads as empty.
		json.NewDecoder(r.Body).Decode(&req)
	}
	m, err := s.store.Manifest(ctx, r.PathValue("uuid"))
	if err != nil {
		jsonerr.FromError(w, err)
		return
	}
	if m.Expired(s.now()) {
		jsonerr.FromError(w, &fhirhub.Error{Kind: fhirhub.ErrNotFound})
		return
	}
	files, err := s.store.Files(ctx, m.UUID)
	if err != nil {
		jsonerr.FromError(w, err)
		return
	}
	if err := s.store.RecordView(ctx, &View{
		ManifestUUID: m.UUID,
		Recipient:    req.Recipient,
		IPAddress:    clientIP(r),
	}); err != nil {
		zlog.Warn(ctx).Err(err).Msg("audit write failed")
	}
	accessCounter.Inc()

	entries := make([]fileEntry, len(files))
	for i := range files {
		f := &files[i]
		entries[i] = fileEntry{
			ContentType: f.ContentType,
			Location:    s.baseURL + "/shl/file/" + f.ID,
		}
		if req.EmbeddedLengthMax == nil || len(f.ContentBase64) <= *req.EmbeddedLengthMax {
			entries[i].Embedded = f.ContentBase64
		}
	}
	if m.VHL {
		writeJSON(w, bundleOf(entries))
		return
	}
	writeJSON(w, map[string][]fileEntry{"files": entries})
}

// File handles GET /shl/file/{fileId}.
func (s *Service) File(w http.ResponseWriter, r *http.Request) {
	ctx := zlog.ContextWithValues(r.Context(), "component", "shl/Service.File")
	f, err := s.store.File(ctx, r.PathValue("fileId"))
	if err != nil {
		jsonerr.FromError(w, err)
		return
	}
	// Expiry is on the manifest; its files go dark with it.
	m, err := s.store.Manifest(ctx, f.ManifestUUID)
	if err != nil {
		jsonerr.FromError(w, err)
		return
	}
	if m.Expired(s.now()) {
		jsonerr.FromError(w, &fhirhub.Error{Kind: fhirhub.ErrNotFound})
		return
	}
	buf, err := base64.StdEncoding.DecodeString(f.ContentBase64)
	if err != nil {
		jsonerr.FromError(w, &fhirhub.Error{Kind: fhirhub.ErrStore, Inner: err})
		return
	}
	ip := clientIP(r)
	for _, v := range []*View{
		{ManifestUUID: f.ManifestUUID, IPAddress: ip},
		{FileID: f.ID, IPAddress: ip},
	} {
		if err := s.store.RecordView(ctx, v); err != nil {
			zlog.Warn(ctx).Err(err).Msg("audit write failed")
		}
	}
	ct := f.ContentType
	if ct == "" {
		ct = "application/jose"
	}
	w.Header().Set("Content-Type", ct)
	w.Write(buf)
}

// Sign handles POST /shl/sign.
func (s *Service) Sign(w http.ResponseWriter, r *http.Request) {
	ctx := zlog.ContextWithValues(r.Context(), "component", "shl/Service.Sign")
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		jsonerr.FromError(w, &fhirhub.Error{Kind: fhirhub.ErrValidation, Message: "url is required"})
		return
	}
	if s.signer == nil {
		jsonerr.FromError(w, &fhirhub.Error{Kind: fhirhub.ErrSignFailure, Message: "no signing key configured"})
		return
	}
	sig, err := s.signer.Sign(req.URL)
	if err != nil {
		zlog.Warn(ctx).Err(err).Msg("signing failed")
		jsonerr.FromError(w, err)
		return
	}
	signCounter.Inc()
	writeJSON(w, map[string]string{"signature": sig})
}

// Sweep deletes expired manifests. It is scheduled hourly and shares no
// locks with the request handlers.
func (s *Service) Sweep(ctx context.Context) error {
	ctx = zlog.ContextWithValues(ctx, "component", "shl/Service.Sweep")
	n, err := s.store.DeleteExpired(ctx, s.now())
	if err != nil {
		return err
	}
	if n > 0 {
		zlog.Info(ctx).Int64("deleted", n).Msg("expired manifests swept")
	}
	return nil
}

// FileEntry is one file offer in an access response.
type fileEntry struct {
	ContentType string `json:"contentType"`
	Location    string `json:"location"`
	Embedded    string `json:"embedded,omitempty"`
}

// BundleOf renders a VHL manifest as a FHIR searchset Bundle of
// DocumentReference envelopes pointing at the files.
func bundleOf(entries []fileEntry) map[string]any {
	be := make([]map[string]any, len(entries))
	for i, e := range entries {
		attachment := map[string]any{
			"contentType": e.ContentType,
			"url":         e.Location,
		}
		if e.Embedded != "" {
			attachment["data"] = e.Embedded
		}
		be[i] = map[string]any{
			"fullUrl": e.Location,
			"resource": map[string]any{
				"resourceType": "DocumentReference",
				"status":       "current",
				"content":      []map[string]any{{"attachment": attachment}},
			},
		}
	}
	return map[string]any{
		"resourceType": "Bundle",
		"type":         "searchset",
		"total":        len(entries),
		"entry":        be,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.Encode(v)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
