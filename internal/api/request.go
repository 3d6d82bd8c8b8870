package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
)

// Request decoding errors.
var (
	errUnsupportedMediaType = errors.New("Content-Type must be application/json")
	errPayloadTooLarge      = errors.New("request body exceeds maximum size")
	errMalformedBody        = errors.New("request body is not valid JSON")
	errEmptyBody            = errors.New("request body is empty")
)

// hasJSONContentType reports whether the request declares a JSON body.
// An absent Content-Type is rejected rather than assumed.
func hasJSONContentType(r *http.Request) bool {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return false
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}

	return mediaType == "application/json"
}

// decodeJSONBody decodes the request body into dst, enforcing the configured
// size cap both via the declared Content-Length and via a hard reader limit
// for chunked bodies.
func (s *Server) decodeJSONBody(r *http.Request, dst any) error {
	if !hasJSONContentType(r) {
		return errUnsupportedMediaType
	}

	if r.ContentLength > s.config.MaxRequestSize {
		return errPayloadTooLarge
	}

	// +1 so a body of exactly the cap still decodes while anything larger
	// trips the limit below.
	limited := io.LimitReader(r.Body, s.config.MaxRequestSize+1)

	body, err := io.ReadAll(limited)
	if err != nil {
		return fmt.Errorf("reading request body: %w", err)
	}

	if int64(len(body)) > s.config.MaxRequestSize {
		return errPayloadTooLarge
	}

	if len(body) == 0 {
		return errEmptyBody
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: %w", errMalformedBody, err)
	}

	return nil
}

// writeDecodeError maps a decodeJSONBody failure to the appropriate problem
// response.
func (s *Server) writeDecodeError(w http.ResponseWriter, r *http.Request, correlationID string, err error) {
	switch {
	case errors.Is(err, errUnsupportedMediaType):
		s.writeProblem(w, UnsupportedMediaType(err.Error(), r.URL.Path, correlationID))
	case errors.Is(err, errPayloadTooLarge):
		s.writeProblem(w, PayloadTooLarge(err.Error(), r.URL.Path, correlationID))
	default:
		s.writeProblem(w, BadRequest(err.Error(), r.URL.Path, correlationID))
	}
}
