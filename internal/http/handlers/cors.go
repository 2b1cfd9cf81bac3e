package handlers

import "net/http"

// CORSConfig holds CORS configuration options.
type CORSConfig struct {
	AllowOrigin   string
	AllowMethods  string
	AllowHeaders  string
	ExposeHeaders string
}

// DefaultCORSConfig returns the default CORS configuration for streaming endpoints.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigin:   "*",
		AllowMethods:  "GET, OPTIONS",
		AllowHeaders:  "Content-Type, Accept, Range",
		ExposeHeaders: "Content-Length, Content-Range",
	}
}

// SetCORSHeaders sets CORS headers on a raw ResponseWriter, for the FLV byte
// stream endpoint which is registered directly on chi rather than through
// Huma. The router-wide middleware.CORS() still runs first for that route;
// these calls overwrite its headers with the streaming-specific values.
func SetCORSHeaders(w http.ResponseWriter, config CORSConfig) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", config.AllowOrigin)
	h.Set("Access-Control-Allow-Methods", config.AllowMethods)
	h.Set("Access-Control-Allow-Headers", config.AllowHeaders)
	if config.ExposeHeaders != "" {
		h.Set("Access-Control-Expose-Headers", config.ExposeHeaders)
	}
}

// SetDefaultCORSHeaders applies DefaultCORSConfig to w.
func SetDefaultCORSHeaders(w http.ResponseWriter) {
	SetCORSHeaders(w, DefaultCORSConfig())
}
