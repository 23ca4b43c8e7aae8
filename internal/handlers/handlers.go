package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Brownie44l1/cvm-captcha/internal/captcha"
	"github.com/Brownie44l1/cvm-captcha/internal/model"
	"go.uber.org/zap"
)

// maxUpload bounds multipart bodies; portal captchas are a few KB.
const maxUpload = 10 << 20

type Decoder interface {
	Decode(ctx context.Context, data []byte, label string) (captcha.DigitBatch, error)
}

type Classifier interface {
	Predict(batch captcha.DigitBatch) (*model.PredictionResponse, error)
}

type Handler struct {
	decoder    Decoder
	classifier Classifier
	digitSize  int
	log        *zap.Logger
}

func NewHandler(decoder Decoder, classifier Classifier, digitSize int, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{decoder: decoder, classifier: classifier, digitSize: digitSize, log: log}
}

type DecodeResponse struct {
	Digits      string    `json:"digits"`
	Confidences []float32 `json:"confidences"`
	Count       int       `json:"count"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Predict classifies digits that were normalized by the caller.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUpload))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body", "")
		return
	}
	var req model.PredictionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "")
		return
	}

	batch := make(captcha.DigitBatch, len(req.Digits))
	for i, pix := range req.Digits {
		if len(pix) != h.digitSize*h.digitSize {
			writeError(w, http.StatusBadRequest, "each digit must hold image_size² values", "")
			return
		}
		batch[i] = captcha.Digit{Size: h.digitSize, Pix: pix}
	}
	h.classify(w, batch)
}

// Decode runs the full captcha pipeline on an uploaded image.
func (h *Handler) Decode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	if err := r.ParseMultipartForm(maxUpload); err != nil {
		writeError(w, http.StatusBadRequest, "failed to parse form", "")
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no image file provided, use 'image' as the form field name", "")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read image", "")
		return
	}
	label := r.FormValue("label")
	if label == "" {
		label = header.Filename
	}

	batch, err := h.decoder.Decode(r.Context(), data, label)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.log.Error("decode failed", zap.String("label", label), zap.Error(err))
		} else {
			h.log.Info("captcha rejected", zap.String("label", label), zap.Error(err))
		}
		kind := ""
		if k := captcha.KindOf(err); k != captcha.KindNone {
			kind = k.String()
		}
		writeError(w, status, err.Error(), kind)
		return
	}
	h.classify(w, batch)
}

func (h *Handler) classify(w http.ResponseWriter, batch captcha.DigitBatch) {
	result, err := h.classifier.Predict(batch)
	if errors.Is(err, model.ErrBatchSize) {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	if err != nil {
		h.log.Error("prediction failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "prediction failed", "")
		return
	}
	writeJSON(w, http.StatusOK, DecodeResponse{
		Digits:      result.Digits,
		Confidences: result.Confidences,
		Count:       len(result.Confidences),
	})
}

func statusFor(err error) int {
	switch captcha.KindOf(err) {
	case captcha.KindDecode:
		return http.StatusBadRequest
	case captcha.KindLowQuality, captcha.KindSegmentation:
		return http.StatusUnprocessableEntity
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, kind string) {
	writeJSON(w, status, errorResponse{Error: msg, Kind: kind})
}

// CORS allows browser clients from any origin.
func CORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// Routes registers every endpoint on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", CORS(h.Health))
	mux.HandleFunc("/predict", CORS(h.Predict))
	mux.HandleFunc("/decode", CORS(h.Decode))
}
