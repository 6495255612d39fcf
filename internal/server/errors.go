package server

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// jsonMarshalFunc allows swapping out json.Marshal for testing.
var jsonMarshalFunc = json.Marshal

// ErrorDetail represents the inner structure of a JSON error response.
type ErrorDetail struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
}

// ErrorResponseJSON represents the full JSON error response body.
type ErrorResponseJSON struct {
	Error ErrorDetail `json:"error"`
}

type htmlMessage struct {
	Title   string
	Heading string
	Message string
}

var defaultHTMLMessages = map[int]htmlMessage{
	http.StatusBadRequest: {
		Title:   "400 Bad Request",
		Heading: "Bad Request",
		Message: "The request path could not be mapped to a file.",
	},
	http.StatusForbidden: {
		Title:   "403 Forbidden",
		Heading: "Forbidden",
		Message: "You do not have permission to access this resource.",
	},
	http.StatusNotFound: {
		Title:   "404 Not Found",
		Heading: "Not Found",
		Message: "The requested resource was not found on this server.",
	},
	http.StatusMethodNotAllowed: {
		Title:   "405 Method Not Allowed",
		Heading: "Method Not Allowed",
		Message: "The request method is not supported for this resource.",
	},
	http.StatusInternalServerError: {
		Title:   "500 Internal Server Error",
		Heading: "Internal Server Error",
		Message: "The server encountered an internal error and was unable to complete your request.",
	},
}

// PrefersJSON reports whether the most preferred media type in an Accept header is
// application/json. Ties on q-value go to the more specific type, then to header order.
func PrefersJSON(acceptHeaderValue string) bool {
	if acceptHeaderValue == "" {
		return false
	}

	type offer struct {
		mediaType string
		q         float64
		specific  bool
		order     int
	}
	var offers []offer

	for i, part := range strings.Split(acceptHeaderValue, ",") {
		part = strings.TrimSpace(part)
		mediaType := part
		q := 1.0

		if idx := strings.Index(part, ";"); idx != -1 {
			mediaType = strings.TrimSpace(part[:idx])
			for _, param := range strings.Split(part[idx+1:], ";") {
				param = strings.TrimSpace(param)
				if !strings.HasPrefix(param, "q=") {
					continue
				}
				if v, err := strconv.ParseFloat(param[2:], 64); err == nil && v >= 0 && v <= 1 {
					q = v
				} else {
					q = 0
				}
				break
			}
		}

		// q=0 means "not acceptable".
		if q > 0 {
			offers = append(offers, offer{
				mediaType: strings.ToLower(mediaType),
				q:         q,
				specific:  !strings.HasSuffix(mediaType, "/*") && mediaType != "*/*",
				order:     i,
			})
		}
	}
	if len(offers) == 0 {
		return false
	}

	sort.Slice(offers, func(i, j int) bool {
		if offers[i].q != offers[j].q {
			return offers[i].q > offers[j].q
		}
		if offers[i].specific != offers[j].specific {
			return offers[i].specific
		}
		return offers[i].order < offers[j].order
	})
	return offers[0].mediaType == "application/json"
}

// GenerateHTMLResponseBody renders the default HTML error page.
func GenerateHTMLResponseBody(statusCode int, detail string) []byte {
	msg, ok := defaultHTMLMessages[statusCode]
	if !ok {
		text := http.StatusText(statusCode)
		if text == "" {
			text = "Error"
		}
		msg = htmlMessage{
			Title:   fmt.Sprintf("%d %s", statusCode, text),
			Heading: text,
			Message: "An error occurred while processing your request.",
		}
	}
	body := msg.Message
	if detail != "" {
		body = detail
	}
	return []byte(fmt.Sprintf("<!DOCTYPE html><html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>",
		html.EscapeString(msg.Title), html.EscapeString(msg.Heading), html.EscapeString(body)))
}

// WriteErrorResponse writes a complete error response for statusCode. The body is JSON
// when the request's Accept header prefers application/json, HTML otherwise. HEAD
// requests get headers only.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, detail string) error {
	statusText := http.StatusText(statusCode)
	if statusText == "" {
		statusText = "Error"
	}

	var (
		body        []byte
		contentType string
	)
	if r != nil && PrefersJSON(r.Header.Get("Accept")) {
		payload := ErrorResponseJSON{Error: ErrorDetail{StatusCode: statusCode, Message: statusText, Detail: detail}}
		b, err := jsonMarshalFunc(payload)
		if err != nil {
			// Fall back to HTML rather than sending nothing.
			body = GenerateHTMLResponseBody(statusCode, detail)
			contentType = "text/html; charset=utf-8"
		} else {
			body = b
			contentType = "application/json; charset=utf-8"
		}
	} else {
		body = GenerateHTMLResponseBody(statusCode, detail)
		contentType = "text/html; charset=utf-8"
	}

	h := w.Header()
	h.Del("Content-Encoding")
	h.Del("ETag")
	h.Del("Last-Modified")
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(statusCode)

	if r != nil && r.Method == http.MethodHead {
		return nil
	}
	_, err := w.Write(body)
	return err
}
