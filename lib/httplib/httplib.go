/*
 * Vellum
 * Copyright (C) 2025  Vellum Labs, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package httplib implements common utility functions for writing
// JSON API handlers.
package httplib

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/vellumlabs/vellum/lib/defaults"
)

// HandlerFunc is an API handler that returns the value to reply with. A
// returned error is translated into an HTTP status by the error writer.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

// ErrorWriter writes an error into the response body.
type ErrorWriter func(w http.ResponseWriter, err error)

// MakeHandler returns a new httprouter.Handle func from a handler func,
// mapping errors to status codes the trace way.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return MakeHandlerWithErrorWriter(fn, trace.WriteError)
}

// MakeHandlerWithErrorWriter returns a httprouter.Handle from the
// HandlerFunc, and sends all errors to errWriter.
func MakeHandlerWithErrorWriter(fn HandlerFunc, errWriter ErrorWriter) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		// ensure that neither proxies nor browsers cache API responses
		SetNoCacheHeaders(w.Header())

		out, err := fn(w, r, p)
		if err != nil {
			errWriter(w, err)
			return
		}
		if out != nil {
			roundtrip.ReplyJSON(w, http.StatusOK, out)
		}
	}
}

// ReadJSON reads an HTTP JSON request body and unmarshals it into val.
func ReadJSON(r *http.Request, val any) error {
	contentType := r.Header.Get("Content-Type")
	mimeType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mimeType != "application/json" {
		return trace.BadParameter("expected application/json request body, got %q", contentType)
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, defaults.MaxHTTPBodyBytes+1))
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	if len(body) > defaults.MaxHTTPBodyBytes {
		return trace.LimitExceeded("request body exceeds %d bytes", defaults.MaxHTTPBodyBytes)
	}
	if err := json.Unmarshal(body, val); err != nil {
		return trace.BadParameter("malformed request body: %v", err)
	}
	return nil
}

// SetNoCacheHeaders tells proxies and browsers not to cache the content.
func SetNoCacheHeaders(h http.Header) {
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}
