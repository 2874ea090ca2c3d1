package server

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/skylens-analytics/skylens/pipelines"
	"github.com/skylens-analytics/skylens/util/fileutil"
	"github.com/skylens-analytics/skylens/util/imageutil"
)

const maxUploadBytes = 32 << 20

// handlePredictMask serves the Generate Mask action: it takes either an
// uploaded image or the name of a sample tile, runs segmentation, stores the
// mask in the browser session and redirects back to the predictions page.
func (s *Server) handlePredictMask(w http.ResponseWriter, r *http.Request) {
	session := s.sessions.Session(w, r)

	img, source, err := s.requestImage(r)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	output, err := s.segmentation.RunWithImages([]image.Image{img})
	if err != nil {
		s.logger.Error().Err(err).Str("source", source).Msg("segmentation failed")
		httpError(w, predictionStatus(err), "segmentation failed")
		return
	}

	session.SetMask(output.Masks[0].Mask, source)
	http.Redirect(w, r, "/predictions", http.StatusSeeOther)
}

// handleMaskPNG serves the mask currently held in the browser session.
func (s *Server) handleMaskPNG(w http.ResponseWriter, r *http.Request) {
	session := s.sessions.Session(w, r)
	mask, _ := session.Mask()
	if mask == nil {
		httpError(w, http.StatusNotFound, "no mask has been generated in this session")
		return
	}
	b, err := imageutil.EncodePNG(mask)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "failed to encode mask")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(b)
}

// predictResponse is the JSON shape of POST /api/predict. Segmentation fills
// Coverage; height prediction fills the height statistics.
type predictResponse struct {
	Model      string   `json:"model"`
	Source     string   `json:"source"`
	ElapsedMS  int64    `json:"elapsed_ms"`
	Coverage   *float64 `json:"coverage,omitempty"`
	HeightMin  *float32 `json:"height_min,omitempty"`
	HeightMax  *float32 `json:"height_max,omitempty"`
	HeightMean *float32 `json:"height_mean,omitempty"`
}

// handleAPIPredict runs a model on an uploaded image and returns summary
// statistics as JSON. The form field "model" selects "segmentation" (default)
// or "height".
func (s *Server) handleAPIPredict(w http.ResponseWriter, r *http.Request) {
	img, source, err := s.requestImage(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	modelType := r.FormValue("model")
	if modelType == "" {
		modelType = "segmentation"
	}

	start := time.Now()
	response := predictResponse{Model: modelType, Source: source}

	switch modelType {
	case "segmentation":
		output, runErr := s.segmentation.RunWithImages([]image.Image{img})
		if runErr != nil {
			s.logger.Error().Err(runErr).Msg("segmentation failed")
			writeJSONError(w, predictionStatus(runErr), "segmentation failed")
			return
		}
		response.Coverage = &output.Masks[0].Coverage
	case "height":
		if s.height == nil {
			writeJSONError(w, http.StatusNotFound, "no height model is loaded")
			return
		}
		output, runErr := s.height.RunWithImages([]image.Image{img})
		if runErr != nil {
			s.logger.Error().Err(runErr).Msg("height prediction failed")
			writeJSONError(w, predictionStatus(runErr), "height prediction failed")
			return
		}
		result := output.Heights[0]
		response.HeightMin = &result.Min
		response.HeightMax = &result.Max
		response.HeightMean = &result.Mean
	default:
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown model type %q", modelType))
		return
	}

	response.ElapsedMS = time.Since(start).Milliseconds()
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"models":   len(s.session.Models()),
		"sessions": s.sessions.Len(),
		"uptime_s": int64(time.Since(s.started).Seconds()),
	})
}

// requestImage extracts the input image from a request: a multipart upload
// under "image" wins, otherwise the "sample" form value names a tile under
// the assets samples directory.
func (s *Server) requestImage(r *http.Request) (image.Image, string, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return nil, "", fmt.Errorf("could not parse form: %w", err)
	}

	if r.MultipartForm != nil && len(r.MultipartForm.File["image"]) > 0 {
		file, header, err := r.FormFile("image")
		if err != nil {
			return nil, "", err
		}
		defer fileutil.CloseFile(file)
		img, _, err := image.Decode(file)
		if err != nil {
			return nil, "", fmt.Errorf("could not decode uploaded image: %w", err)
		}
		return img, header.Filename, nil
	}

	sample := r.FormValue("sample")
	if sample == "" {
		return nil, "", errors.New("provide an image upload or a sample name")
	}
	if s.assetsDir == "" {
		return nil, "", errors.New("no sample images are configured")
	}
	samples, err := s.listSamples()
	if err != nil {
		return nil, "", err
	}
	found := false
	for _, name := range samples {
		if name == sample {
			found = true
			break
		}
	}
	if !found {
		return nil, "", fmt.Errorf("unknown sample %q", sample)
	}

	img, err := imageutil.LoadImageFromPath(fileutil.PathJoinSafe(s.assetsDir, "samples", sample))
	if err != nil {
		return nil, "", err
	}
	return img, sample, nil
}

// predictionStatus maps inference failures to a status code: an output the
// postprocessor cannot interpret is the model's fault, not the server's.
func predictionStatus(err error) int {
	var shapeErr *pipelines.InvalidShapeError
	if errors.As(err, &shapeErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	buf := &bytes.Buffer{}
	if err := jsoniter.NewEncoder(buf).Encode(payload); err != nil {
		http.Error(w, "encoding failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
