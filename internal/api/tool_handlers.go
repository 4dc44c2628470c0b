package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/glucolink/cgm-engine/pkg/checksum"
	"github.com/glucolink/cgm-engine/pkg/fram"
	"github.com/glucolink/cgm-engine/pkg/libre3"
	"github.com/glucolink/cgm-engine/pkg/sensor"
)

type identityRequest struct {
	PatchInfo string `json:"patch_info" validate:"required,hex,max=64"`
	UID       string `json:"uid" validate:"hex,len=16"`
}

func (req identityRequest) identity() (sensor.Identity, error) {
	info, err := decodeHex("patch_info", req.PatchInfo)
	if err != nil {
		return sensor.Identity{}, err
	}
	id := sensor.Resolve(libre3.TrimNFCPatchInfo(info))
	if req.UID != "" {
		if id.UID, err = sensor.ParseUID(req.UID); err != nil {
			return id, err
		}
	}
	return id, nil
}

func describe(id sensor.Identity) map[string]interface{} {
	caps := id.Type.Capabilities()
	resp := map[string]interface{}{
		"identity": id,
		"type":     id.Type.String(),
		"family":   id.Family.String(),
		"region":   id.Region.String(),
		"protocol": id.Protocol().String(),
		"capabilities": map[string]bool{
			"authenticatable": caps.Has(sensor.Authenticatable),
			"stream":          caps.Has(sensor.StreamDecodable),
			"fram":            caps.Has(sensor.FramDecodable),
		},
	}
	if !id.UID.IsZero() || id.Type == sensor.TypeLibre3 || id.Type == sensor.TypeLingo {
		resp["serial"] = id.Serial()
	}
	return resp
}

// HandleDecodePatchInfo identifies a sensor from its patch info.
func (s *RESTServer) HandleDecodePatchInfo(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := req.identity()
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := describe(id)
	if id.Type == sensor.TypeLibre3 || id.Type == sensor.TypeLingo {
		if p, err := libre3.ParsePatchInfo(id.PatchInfo); err == nil {
			resp["libre3"] = p
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// HandleDecodeFram decodes a FRAM image without touching any device
// state.
func (s *RESTServer) HandleDecodeFram(w http.ResponseWriter, r *http.Request) {
	var req struct {
		identityRequest
		Image           string     `json:"image" validate:"required,hex"`
		LastReadingDate *time.Time `json:"last_reading_date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	image, err := decodeHex("image", req.Image)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var id sensor.Identity
	if req.PatchInfo != "" {
		if err := s.validator.Validate(req.identityRequest); err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		if id, err = req.identity(); err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	date := time.Now()
	if req.LastReadingDate != nil {
		date = *req.LastReadingDate
	}

	d := fram.Decoder{Identity: id, Decrypter: s.decrypter}
	res, err := d.Decode(image, date)
	resp := map[string]interface{}{
		"result":  res,
		"summary": res.Summary(),
	}
	if err != nil {
		// The encrypted image is still returned for offline decryption.
		resp["error"] = err.Error()
		s.respondJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// HandleCRC computes the checksums used by the sensors.
func (s *RESTServer) HandleCRC(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Data string `json:"data" validate:"required,hex"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, err := decodeHex("data", req.Data)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"crc16":         fmt.Sprintf("%04x", checksum.CRC16(data)),
		"xmodem":        fmt.Sprintf("%04x", checksum.XModem(data)),
		"trailer_valid": checksum.VerifyTrailer(data),
		"xmodem_valid":  checksum.VerifyXModemTrailer(data),
	})
}
