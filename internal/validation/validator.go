// Package validation performs stateless structural checks on inbound
// requests before they reach any stateful stage.
package validation

import (
	"encoding/json"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/vyrodovalexey/avagate/internal/apierror"
	"github.com/vyrodovalexey/avagate/internal/config"
	"github.com/vyrodovalexey/avagate/internal/model"
)

// Validator checks headers, query string and body against configured limits.
type Validator struct {
	cfg       config.ValidationConfig
	forbidden map[string]struct{}
}

// New creates a Validator. Zero limits disable the corresponding check.
func New(cfg config.ValidationConfig) *Validator {
	forbidden := make(map[string]struct{}, len(cfg.ForbiddenHeaders))
	for _, h := range cfg.ForbiddenHeaders {
		forbidden[http.CanonicalHeaderKey(h)] = struct{}{}
	}
	return &Validator{cfg: cfg, forbidden: forbidden}
}

// Validate returns the first violation found, checking headers, then the
// query string, then the body.
func (v *Validator) Validate(rc *model.RequestContext) error {
	if err := v.validateHeaders(rc.Headers); err != nil {
		return err
	}
	if err := v.validateQuery(rc.RawQuery); err != nil {
		return err
	}
	return v.validateBody(rc.Headers.Get("Content-Type"), rc.Body)
}

func (v *Validator) validateHeaders(h http.Header) error {
	count := 0
	for _, values := range h {
		count += len(values)
	}
	if v.cfg.MaxHeaderCount > 0 && count > v.cfg.MaxHeaderCount {
		return apierror.Newf(apierror.CodeTooManyHeaders, "too many headers: %d exceeds %d", count, v.cfg.MaxHeaderCount)
	}

	for name, values := range h {
		if _, ok := v.forbidden[http.CanonicalHeaderKey(name)]; ok {
			return apierror.New(apierror.CodeForbiddenHeader, "forbidden header").WithDetail("header", name)
		}
		for _, value := range values {
			if v.cfg.MaxHeaderSize > 0 && len(name)+len(value) > v.cfg.MaxHeaderSize {
				return apierror.New(apierror.CodeHeaderTooLarge, "header too large").WithDetail("header", name)
			}
			if err := checkText(value); err != nil {
				return err.WithDetail("header", name)
			}
		}
	}
	return nil
}

func (v *Validator) validateQuery(rawQuery string) error {
	if v.cfg.MaxQueryLength > 0 && len(rawQuery) > v.cfg.MaxQueryLength {
		return apierror.Newf(apierror.CodeQueryTooLong, "query string too long: %d exceeds %d", len(rawQuery), v.cfg.MaxQueryLength)
	}
	if rawQuery == "" {
		return nil
	}
	decoded, err := url.QueryUnescape(rawQuery)
	if err != nil {
		decoded = rawQuery
	}
	if gwErr := checkText(decoded); gwErr != nil {
		return gwErr.WithDetail("location", "query")
	}
	return nil
}

func (v *Validator) validateBody(contentType string, body []byte) error {
	if v.cfg.MaxBodySize > 0 && int64(len(body)) > v.cfg.MaxBodySize {
		return apierror.Newf(apierror.CodeBodyTooLarge, "body too large: %d bytes exceeds %d", len(body), v.cfg.MaxBodySize)
	}
	if len(body) == 0 {
		return nil
	}

	mediaType, _, _ := mime.ParseMediaType(contentType)
	if !isTextual(mediaType) {
		return nil
	}
	if gwErr := checkText(string(body)); gwErr != nil {
		return gwErr.WithDetail("location", "body")
	}
	if isJSON(mediaType) && !json.Valid(body) {
		return apierror.New(apierror.CodeMalformedJSON, "malformed JSON body")
	}
	return nil
}

// checkText rejects invalid UTF-8, NUL bytes and control characters other
// than tab, newline and carriage return.
func checkText(s string) *apierror.GatewayError {
	if !utf8.ValidString(s) {
		return apierror.New(apierror.CodeInvalidUTF8, "invalid UTF-8")
	}
	for _, r := range s {
		switch {
		case r == 0:
			return apierror.New(apierror.CodeNULByte, "NUL byte not allowed")
		case r == '\t' || r == '\n' || r == '\r':
		case r < 0x20 || r == 0x7f:
			return apierror.New(apierror.CodeControlCharacter, "control character not allowed")
		}
	}
	return nil
}

// isTextual reports whether the body should be decoded as text. A request
// without a content type is treated as text.
func isTextual(mediaType string) bool {
	switch {
	case mediaType == "":
		return true
	case strings.HasPrefix(mediaType, "text/"):
		return true
	case isJSON(mediaType):
		return true
	case mediaType == "application/x-www-form-urlencoded",
		mediaType == "application/xml",
		strings.HasSuffix(mediaType, "+xml"):
		return true
	}
	return false
}

func isJSON(mediaType string) bool {
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
