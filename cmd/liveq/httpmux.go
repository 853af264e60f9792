package main

import (
	"net/http"

	"github.com/rs/cors"
)

func httpMux(fns ...interface{ RegisterHTTP(*http.ServeMux) }) http.Handler {
	mux := http.NewServeMux()
	for _, fn := range fns {
		fn.RegisterHTTP(mux)
	}

	return cors.AllowAll().Handler(mux)
}
