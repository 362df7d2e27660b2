package runtime

import (
	"net/http"
	"strings"

	channelpkg "github.com/drblury/flowbus/internal/runtime/channel"
	jsoncodec "github.com/drblury/flowbus/internal/runtime/jsoncodec"
)

// ChannelInfo describes a registered channel for the web API.
type ChannelInfo struct {
	Name        string          `json:"name"`
	Depth       int             `json:"depth"`
	Capacity    int             `json:"capacity"`
	Subscribers []string        `json:"subscribers"`
	Running     bool            `json:"running"`
	Invalid     bool            `json:"invalid"`
	Metrics     *ChannelMetrics `json:"metrics,omitempty"`
}

func (b *Bus) registerWebUI() {
	if !b.Conf.WebUIEnabled {
		return
	}
	port := b.Conf.WebUIPort
	if port == 0 {
		port = 8081
	}
	b.RegisterHTTPHandler(port, "/api/endpoints", http.HandlerFunc(b.handleGetEndpoints))
	b.RegisterHTTPHandler(port, "/api/channels", http.HandlerFunc(b.handleGetChannels))
}

func (b *Bus) handleGetEndpoints(w http.ResponseWriter, r *http.Request) {
	if b.writeCORS(w, r) {
		return
	}
	b.writeJSON(w, b.Endpoints())
}

func (b *Bus) handleGetChannels(w http.ResponseWriter, r *http.Request) {
	if b.writeCORS(w, r) {
		return
	}
	b.writeJSON(w, b.Channels())
}

// Channels describes every registered channel, sorted by name.
func (b *Bus) Channels() []ChannelInfo {
	b.Initialize()
	invalid := b.registry.InvalidMessageChannel()

	names := b.registry.ChannelNames()
	infos := make([]ChannelInfo, 0, len(names))
	for _, name := range names {
		ch, ok := b.registry.LookupChannel(name)
		if !ok {
			continue
		}
		info := ChannelInfo{
			Name:        name,
			Depth:       -1,
			Capacity:    -1,
			Subscribers: []string{},
			Invalid:     ch == invalid,
			Metrics:     b.metrics.ChannelSnapshot(name),
		}
		if m, ok := ch.(channelpkg.Measurable); ok {
			info.Depth = m.Len()
			info.Capacity = m.Capacity()
		}
		if d, ok := b.dispatcherFor(ch); ok {
			info.Subscribers = d.HandlerNames()
			info.Running = d.IsRunning()
		}
		infos = append(infos, info)
	}
	return infos
}

// writeCORS sets CORS headers and reports whether the request was a preflight
// that has been answered.
func (b *Bus) writeCORS(w http.ResponseWriter, r *http.Request) bool {
	if len(b.Conf.WebUICORSAllowedOrigins) > 0 {
		if allowed := b.allowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}

func (b *Bus) writeJSON(w http.ResponseWriter, v any) {
	payload, err := jsoncodec.Marshal(v)
	if err != nil {
		b.Logger.Error("Failed to encode web API response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

func (b *Bus) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range b.Conf.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
