package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"adslink/ads"
	"adslink/config"
	"adslink/plcman"
)

// writeTimeout bounds a write request end to end.
const writeTimeout = 5 * time.Second

// PLCManager is the part of plcman.Manager the API serves.
type PLCManager interface {
	ListPLCs() []*plcman.ManagedPLC
	GetPLC(name string) *plcman.ManagedPLC
	Read(ctx context.Context, plcName, address string, size uint32) ([]byte, error)
	Write(ctx context.Context, plcName, address string, data []byte) error
	WriteTag(ctx context.Context, plcName, tagName string, data []byte) error
	Connect(name string) error
	Disconnect(name string) error
}

// PLCResponse is the JSON response for PLC info.
type PLCResponse struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Target    string `json:"target"`
	Status    string `json:"status"`
	Device    string `json:"device,omitempty"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
	Tags      int    `json:"tags"`
}

// TagResponse is the JSON response for a cached tag value.
type TagResponse struct {
	PLC       string `json:"plc"`
	Name      string `json:"name"`
	Address   string `json:"address"`
	Type      string `json:"type,omitempty"`
	Value     string `json:"value,omitempty"` // hex
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// ReadResponse is the JSON response of an ad hoc read.
type ReadResponse struct {
	PLC     string `json:"plc"`
	Address string `json:"address"`
	Size    uint32 `json:"size"`
	Value   string `json:"value"`
}

// WriteRequest writes hex data either to a configured tag or to an address.
type WriteRequest struct {
	Tag     string `json:"tag,omitempty"`
	Address string `json:"address,omitempty"`
	Data    string `json:"data"`
}

// WriteResponse is the JSON response after a write.
type WriteResponse struct {
	PLC       string `json:"plc"`
	Tag       string `json:"tag,omitempty"`
	Address   string `json:"address,omitempty"`
	Data      string `json:"data"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

type handlers struct {
	manager PLCManager
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps manager and protocol errors to HTTP status codes.
func statusFor(err error) int {
	var addrErr *ads.InvalidAddressError
	var adsErr *ads.AdsError
	switch {
	case errors.Is(err, plcman.ErrPLCNotFound), errors.Is(err, plcman.ErrTagNotFound), errors.Is(err, ads.ErrSymbolNotFound):
		return http.StatusNotFound
	case errors.Is(err, plcman.ErrTagNotWritable):
		return http.StatusForbidden
	case errors.Is(err, plcman.ErrWriteSizeInvalid), errors.As(err, &addrErr):
		return http.StatusBadRequest
	case errors.Is(err, plcman.ErrPLCNotConnected), ads.IsConnectionError(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, ads.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &adsErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) plc(w http.ResponseWriter, r *http.Request) *plcman.ManagedPLC {
	name, _ := url.PathUnescape(chi.URLParam(r, "plc"))
	plc := h.manager.GetPLC(name)
	if plc == nil {
		writeError(w, http.StatusNotFound, "PLC not found")
	}
	return plc
}

func plcResponse(plc *plcman.ManagedPLC) PLCResponse {
	cfg := plc.Config
	resp := PLCResponse{
		Name:      cfg.Name,
		Transport: config.TransportSerial,
		Status:    plc.GetStatus().String(),
		Tags:      len(cfg.Tags),
	}
	if cfg.IsTCP() {
		resp.Transport = config.TransportTCP
	}
	if target, err := cfg.Target(); err == nil {
		resp.Target = target.String()
	}
	if info := plc.GetIdentity(); info != nil {
		resp.Device = info.DeviceName
		resp.Version = info.String()
	}
	if err := plc.GetError(); err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func (h *handlers) handleListPLCs(w http.ResponseWriter, r *http.Request) {
	plcs := h.manager.ListPLCs()
	response := make([]PLCResponse, 0, len(plcs))
	for _, plc := range plcs {
		response = append(response, plcResponse(plc))
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *handlers) handlePLCDetails(w http.ResponseWriter, r *http.Request) {
	if plc := h.plc(w, r); plc != nil {
		writeJSON(w, http.StatusOK, plcResponse(plc))
	}
}

func (h *handlers) handleTags(w http.ResponseWriter, r *http.Request) {
	plc := h.plc(w, r)
	if plc == nil {
		return
	}
	values := plc.GetValues()
	response := make([]TagResponse, 0, len(plc.Config.Tags))
	for _, sel := range plc.Config.Tags {
		tr := TagResponse{PLC: plc.Config.Name, Name: sel.Name, Address: sel.Address, Type: sel.Type}
		if v := values[sel.Name]; v != nil {
			tr.Timestamp = v.Timestamp.UTC().Format(time.RFC3339Nano)
			if v.Error != nil {
				tr.Error = v.Error.Error()
			} else {
				tr.Value = v.Hex()
			}
		}
		response = append(response, tr)
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *handlers) handleRead(w http.ResponseWriter, r *http.Request) {
	plc := h.plc(w, r)
	if plc == nil {
		return
	}
	address := r.URL.Query().Get("address")
	if address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	size, err := strconv.ParseUint(r.URL.Query().Get("size"), 0, 32)
	if err != nil || size == 0 {
		writeError(w, http.StatusBadRequest, "size must be a positive integer")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
	defer cancel()
	data, err := h.manager.Read(ctx, plc.Config.Name, address, uint32(size))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ReadResponse{
		PLC:     plc.Config.Name,
		Address: address,
		Size:    uint32(size),
		Value:   hex.EncodeToString(data),
	})
}

func (h *handlers) handleWrite(w http.ResponseWriter, r *http.Request) {
	plc := h.plc(w, r)
	if plc == nil {
		return
	}

	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	resp := WriteResponse{
		PLC:       plc.Config.Name,
		Tag:       req.Tag,
		Address:   req.Address,
		Data:      req.Data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	fail := func(status int, msg string) {
		resp.Error = msg
		writeJSON(w, status, resp)
	}

	data, err := hex.DecodeString(req.Data)
	switch {
	case err != nil:
		fail(http.StatusBadRequest, "data is not hex: "+err.Error())
		return
	case len(data) == 0:
		fail(http.StatusBadRequest, "data is empty")
		return
	case (req.Tag == "") == (req.Address == ""):
		fail(http.StatusBadRequest, "exactly one of tag or address is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
	defer cancel()
	if req.Tag != "" {
		err = h.manager.WriteTag(ctx, plc.Config.Name, req.Tag, data)
	} else {
		err = h.manager.Write(ctx, plc.Config.Name, req.Address, data)
	}
	if err != nil {
		fail(statusFor(err), err.Error())
		return
	}
	resp.Success = true
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) handleConnect(w http.ResponseWriter, r *http.Request) {
	if plc := h.plc(w, r); plc != nil {
		if err := h.manager.Connect(plc.Config.Name); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "connecting"})
	}
}

func (h *handlers) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if plc := h.plc(w, r); plc != nil {
		if err := h.manager.Disconnect(plc.Config.Name); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
	}
}
