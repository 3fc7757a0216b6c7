package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// BootstrapHandler serves the device bootstrap ("OTA") HTTP endpoint: a
// POST from a freshly booted device yields the channel URL it should
// connect its WebSocket to, plus a server-time sync and echoed firmware
// version; a GET serves a plain-text liveness line for manual testing.
//
// Grounded on the reference implementation's OTAHandler: CORS headers on
// every response, and a legacy error contract that always replies with
// HTTP 200 even on failure, carrying {"success":false,"message":"request
// error."} in the body instead of a non-2xx status.
type BootstrapHandler struct {
	// ChannelURL is the full WebSocket URL devices should connect to
	// (e.g. "wss://gateway.example.com/xiaozhi/v1/"). Computed once at
	// startup from the channel listen address's port, the configured public
	// host and the channel path prefix.
	ChannelURL string

	// TimezoneOffsetMinutes is reported in server_time so a device with no
	// RTC battery can set its clock from the bootstrap response.
	TimezoneOffsetMinutes int

	Logger *slog.Logger
}

type otaRequest struct {
	Application struct {
		Version string `json:"version"`
	} `json:"application"`
}

type otaResponse struct {
	ServerTime struct {
		Timestamp      int64 `json:"timestamp"`
		TimezoneOffset int   `json:"timezone_offset"`
	} `json:"server_time"`
	Firmware struct {
		Version string `json:"version"`
		URL     string `json:"url"`
	} `json:"firmware"`
	WebSocket struct {
		URL string `json:"url"`
	} `json:"websocket"`
}

type otaErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ServeHTTP dispatches POST (bootstrap handshake) and GET (liveness line),
// answers an OPTIONS preflight with an empty 200, and gives any other method
// the same legacy error envelope as a malformed POST.
func (h *BootstrapHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	addCORSHeaders(w)
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w)
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	default:
		h.writeError(w)
	}
}

func (h *BootstrapHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	deviceID := r.Header.Get("device-id")
	if deviceID == "" {
		h.log().Warn("ota request missing device-id")
		h.writeError(w)
		return
	}

	var req otaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log().Warn("ota request malformed body", "device_id", deviceID, "err", err)
		h.writeError(w)
		return
	}
	version := req.Application.Version
	if version == "" {
		version = "1.0.0"
	}

	var resp otaResponse
	resp.ServerTime.Timestamp = time.Now().UnixMilli()
	resp.ServerTime.TimezoneOffset = h.TimezoneOffsetMinutes
	resp.Firmware.Version = version
	resp.WebSocket.URL = h.ChannelURL

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *BootstrapHandler) handleGet(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "The OTA interface is running normally, and the websocket address sent to the device is: %s", h.ChannelURL)
}

// writeError replies with the legacy error envelope: HTTP 200 carrying a
// success:false body, matching devices whose firmware only checks the JSON
// payload and ignores the status line.
func (h *BootstrapHandler) writeError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(otaErrorResponse{Success: false, Message: "request error."})
}

func (h *BootstrapHandler) log() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// addCORSHeaders permits bootstrap requests from any origin, matching the
// reference implementation's blanket CORS policy for the device-facing API.
func addCORSHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, device-id, client-id")
}

// ChannelURLFor builds a ws:// or wss:// URL for the channel endpoint from
// a configured public host and port, used to populate
// BootstrapHandler.ChannelURL at startup.
func ChannelURLFor(scheme, publicHost string, port int, pathPrefix string) string {
	host := net.JoinHostPort(publicHost, fmt.Sprintf("%d", port))
	return fmt.Sprintf("%s://%s%s", scheme, host, pathPrefix)
}
