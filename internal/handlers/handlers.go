// Package handlers exposes the serving API over HTTP with bunrouter.
package handlers

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gomarkdown/markdown"
	mhtml "github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/uptrace/bunrouter"

	"github.com/Brownie44l1/classify-api/internal/serving"
)

// maxBodySize bounds request bodies; a full batch of wide rows fits well
// within it.
const maxBodySize = 32 << 20

//go:embed docs/api.md
var apiDocs []byte

type Handler struct {
	svc  *serving.Service
	docs []byte
}

func NewHandler(svc *serving.Service) *Handler {
	return &Handler{svc: svc, docs: mdToHTML(apiDocs)}
}

// predictBody is the JSON form of a predict request.
type predictBody struct {
	Data     [][]float32 `json:"data"`
	Rows     [][]float32 `json:"rows"`
	UseCache *bool       `json:"use_cache"`
	CacheTTL *int        `json:"cache_ttl"`
}

// request converts b; an absent or zero cache_ttl is left to the service
// default.
func (h *Handler) request(b predictBody) serving.Request {
	req := serving.Request{Rows: b.Data, UseCache: true}
	if req.Rows == nil {
		req.Rows = b.Rows
	}
	if b.UseCache != nil {
		req.UseCache = *b.UseCache
	}
	if b.CacheTTL != nil {
		req.CacheTTL = *b.CacheTTL
	}
	return req
}

func (h *Handler) Health(w http.ResponseWriter, req bunrouter.Request) error {
	return writeJSON(w, http.StatusOK, h.svc.Health(req.Context()))
}

func (h *Handler) ModelInfo(w http.ResponseWriter, req bunrouter.Request) error {
	info, err := h.svc.ModelInfo()
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, info)
}

func (h *Handler) Sample(w http.ResponseWriter, req bunrouter.Request) error {
	data, err := h.svc.Sample(req.Context())
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, data)
}

func (h *Handler) Predict(w http.ResponseWriter, req bunrouter.Request) error {
	var body predictBody
	if err := decode(w, req.Request, &body); err != nil {
		return err
	}
	res, err := h.svc.Predict(req.Context(), h.request(body))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, res)
}

// batchSlot is one entry of a batch response. Failed slots carry the error
// in model_info.
type batchSlot struct {
	Predictions   []int64     `json:"predictions"`
	Probabilities [][]float32 `json:"probabilities"`
	ModelInfo     any         `json:"model_info"`
}

type slotError struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (h *Handler) PredictBatch(w http.ResponseWriter, req bunrouter.Request) error {
	var raw json.RawMessage
	if err := decode(w, req.Request, &raw); err != nil {
		return err
	}
	var bodies []predictBody
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &bodies); err != nil {
			return badRequest(JSONDecodeError, fmt.Errorf("invalid batch body: %w", err))
		}
	} else {
		var wrapped struct {
			Requests []predictBody `json:"requests"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return badRequest(JSONDecodeError, fmt.Errorf("invalid batch body: %w", err))
		}
		bodies = wrapped.Requests
	}

	reqs := make([]serving.Request, len(bodies))
	for i, b := range bodies {
		reqs[i] = h.request(b)
	}
	items, err := h.svc.PredictBatch(req.Context(), reqs)
	if err != nil {
		return err
	}

	out := make([]batchSlot, len(items))
	for i, it := range items {
		if it.Err != nil {
			_, code := classify(it.Err)
			out[i] = batchSlot{
				Predictions:   []int64{},
				Probabilities: [][]float32{},
				ModelInfo:     slotError{Error: it.Err.Error(), Code: code},
			}
			continue
		}
		out[i] = batchSlot{
			Predictions:   it.Result.Labels,
			Probabilities: it.Result.Probabilities,
			ModelInfo:     it.Result.Meta,
		}
	}
	return writeJSON(w, http.StatusOK, out)
}

func (h *Handler) Reload(w http.ResponseWriter, req bunrouter.Request) error {
	name, err := h.svc.ReloadModel(req.Context())
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]string{
		"message":    "Model reloaded successfully",
		"model_name": name,
	})
}

func (h *Handler) Stats(w http.ResponseWriter, req bunrouter.Request) error {
	return writeJSON(w, http.StatusOK, h.svc.Metrics())
}

func (h *Handler) Docs(w http.ResponseWriter, req bunrouter.Request) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, err := w.Write(h.docs)
	return err
}

// mdToHTML renders markdown the way the docs page expects.
func mdToHTML(md []byte) []byte {
	extensions := parser.CommonExtensions | parser.AutoHeadingIDs | parser.NoEmptyLineBeforeBlock
	p := parser.NewWithExtensions(extensions)
	doc := p.Parse(md)

	opts := mhtml.RendererOptions{Flags: mhtml.CommonFlags | mhtml.HrefTargetBlank | mhtml.CompletePage, Title: "classify-api"}
	return markdown.Render(doc, mhtml.NewRenderer(opts))
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return &apiError{status: http.StatusRequestEntityTooLarge, code: BadRequest, err: err}
		}
		if errors.Is(err, io.EOF) {
			return badRequest(JSONDecodeError, errors.New("empty request body"))
		}
		return badRequest(JSONDecodeError, fmt.Errorf("invalid JSON: %w", err))
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) error {
	status, body := newHTTPError(r, err)
	return writeJSON(w, status, body)
}
