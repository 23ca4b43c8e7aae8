package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Brownie44l1/cvm-captcha/internal/captcha"
	"github.com/Brownie44l1/cvm-captcha/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeDecoder struct {
	batch     captcha.DigitBatch
	err       error
	gotLabel  string
	gotLength int
}

func (f *fakeDecoder) Decode(ctx context.Context, data []byte, label string) (captcha.DigitBatch, error) {
	f.gotLabel = label
	f.gotLength = len(data)
	return f.batch, f.err
}

type fakeClassifier struct {
	err error
	got captcha.DigitBatch
}

func (f *fakeClassifier) Predict(batch captcha.DigitBatch) (*model.PredictionResponse, error) {
	f.got = batch
	if f.err != nil {
		return nil, f.err
	}
	resp := &model.PredictionResponse{}
	for i := range batch {
		resp.Digits += fmt.Sprint(i % 10)
		resp.Confidences = append(resp.Confidences, 0.9)
	}
	return resp, nil
}

func newServer(t *testing.T, d Decoder, c Classifier) *httptest.Server {
	mux := http.NewServeMux()
	NewHandler(d, c, 2, zaptest.NewLogger(t)).Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func upload(t *testing.T, url, label string, image []byte) *http.Response {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", "captcha.png")
	require.NoError(t, err)
	_, err = fw.Write(image)
	require.NoError(t, err)
	if label != "" {
		require.NoError(t, mw.WriteField("label", label))
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(url+"/decode", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func twoDigits() captcha.DigitBatch {
	return captcha.DigitBatch{
		{Size: 2, Pix: make([]float32, 4)},
		{Size: 2, Pix: make([]float32, 4)},
	}
}

func TestHealth(t *testing.T) {
	srv := newServer(t, &fakeDecoder{}, &fakeClassifier{})
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "healthy", body["status"])
}

func TestDecodeSuccess(t *testing.T) {
	dec := &fakeDecoder{batch: twoDigits()}
	srv := newServer(t, dec, &fakeClassifier{})

	resp := upload(t, srv.URL, "0417", []byte("png-bytes"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body DecodeResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, "01", body.Digits)
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, "0417", dec.gotLabel)
	assert.Equal(t, len("png-bytes"), dec.gotLength)
}

func TestDecodeLabelDefaultsToFilename(t *testing.T) {
	dec := &fakeDecoder{batch: twoDigits()}
	srv := newServer(t, dec, &fakeClassifier{})

	resp := upload(t, srv.URL, "", []byte("x"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "captcha.png", dec.gotLabel)
}

func TestDecodeFailureStatuses(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"decode", &captcha.Failure{Kind: captcha.KindDecode, Err: captcha.ErrDecode}, http.StatusBadRequest, "decode"},
		{"low quality", &captcha.Failure{Kind: captcha.KindLowQuality, Err: captcha.ErrLowQuality}, http.StatusUnprocessableEntity, "low_quality"},
		{"segmentation", &captcha.Failure{Kind: captcha.KindSegmentation, Err: captcha.ErrSegmentation}, http.StatusUnprocessableEntity, "segmentation"},
		{"cancelled", context.Canceled, http.StatusServiceUnavailable, ""},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newServer(t, &fakeDecoder{err: tc.err}, &fakeClassifier{})
			resp := upload(t, srv.URL, "x", []byte("x"))
			assert.Equal(t, tc.status, resp.StatusCode)

			var body errorResponse
			decodeBody(t, resp, &body)
			assert.Equal(t, tc.kind, body.Kind)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestDecodeRequiresImageField(t *testing.T) {
	srv := newServer(t, &fakeDecoder{}, &fakeClassifier{})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("label", "1"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/decode", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPredict(t *testing.T) {
	cls := &fakeClassifier{}
	srv := newServer(t, &fakeDecoder{}, cls)

	resp, err := http.Post(srv.URL+"/predict", "application/json",
		strings.NewReader(`{"digits": [[0, 0.5, 1, 0], [1, 1, 1, 1], [0, 0, 0, 0]]}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body DecodeResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, "012", body.Digits)
	require.Len(t, cls.got, 3)
	assert.Equal(t, float32(0.5), cls.got[0].At(1, 0))
}

func TestPredictRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"invalid json": `{"digits": `,
		"wrong size":   `{"digits": [[0, 1, 0]]}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			srv := newServer(t, &fakeDecoder{}, &fakeClassifier{})
			resp, err := http.Post(srv.URL+"/predict", "application/json", strings.NewReader(payload))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestPredictBatchSizeIsClientError(t *testing.T) {
	cls := &fakeClassifier{err: fmt.Errorf("%w: got 0 digits", model.ErrBatchSize)}
	srv := newServer(t, &fakeDecoder{}, cls)

	resp, err := http.Post(srv.URL+"/predict", "application/json", strings.NewReader(`{"digits": []}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMethodNotAllowedAndPreflight(t *testing.T) {
	srv := newServer(t, &fakeDecoder{}, &fakeClassifier{})

	resp, err := http.Get(srv.URL + "/decode")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/predict", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "POST, GET, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))
}
