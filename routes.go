package tidecache

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Router serves the control endpoints of the worker next to the worker itself:
//
//	POST   /.worker/install?version=<stamp>
//	POST   /.worker/message          body is the message data
//	PUT    /.worker/clients/{id}
//	DELETE /.worker/clients/{id}
//
// Every other request is handled by the worker.
func (w *Worker) Router(registry *Registry) http.Handler {
	r := chi.NewRouter()
	r.Route("/.worker", func(r chi.Router) {
		r.Post("/install", func(rw http.ResponseWriter, req *http.Request) {
			if err := w.Install(req.Context(), req.URL.Query().Get("version")); err != nil {
				http.Error(rw, err.Error(), http.StatusBadGateway)
				return
			}
			rw.WriteHeader(http.StatusNoContent)
		})
		r.Post("/message", func(rw http.ResponseWriter, req *http.Request) {
			data, err := io.ReadAll(io.LimitReader(req.Body, 1024))
			if err != nil {
				http.Error(rw, err.Error(), http.StatusBadRequest)
				return
			}
			err = w.Message(req.Context(), string(data))
			if errors.Is(err, ErrNoWaitingVersion) {
				http.Error(rw, err.Error(), http.StatusConflict)
				return
			} else if err != nil {
				http.Error(rw, err.Error(), http.StatusInternalServerError)
				return
			}
			rw.WriteHeader(http.StatusNoContent)
		})
		r.Put("/clients/{id}", func(rw http.ResponseWriter, req *http.Request) {
			registry.Register(chi.URLParam(req, "id"))
			rw.WriteHeader(http.StatusNoContent)
		})
		r.Delete("/clients/{id}", func(rw http.ResponseWriter, req *http.Request) {
			if !registry.Unregister(chi.URLParam(req, "id")) {
				http.NotFound(rw, req)
				return
			}
			rw.WriteHeader(http.StatusNoContent)
		})
	})
	r.Handle("/*", w)
	return r
}
