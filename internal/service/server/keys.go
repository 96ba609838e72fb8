package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"movemsg/internal/model"
	"movemsg/internal/utils/log"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type keyDocument struct {
	Identity  string `json:"identity"`
	PublicKey string `json:"public_key"`
}

func (s *HttpServer) handleGetKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := model.NormalizeIdentity(mux.Vars(r)["identity"])

		record, err := s.keys.Get(r.Context(), identity)
		if err != nil {
			log.Error("key lookup failed", zap.Error(err))
			http.Error(w, "key lookup failed", http.StatusInternalServerError)
			return
		}
		if record == nil {
			http.Error(w, "no published key", http.StatusNotFound)
			return
		}

		writeJSON(w, http.StatusOK, keyDocument{
			Identity:  record.Identity,
			PublicKey: base64.StdEncoding.EncodeToString(record.PublicKey),
		})
	}
}

func (s *HttpServer) handlePutKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := model.NormalizeIdentity(mux.Vars(r)["identity"])
		if identity != identityOf(r) {
			http.Error(w, "cannot publish a key for another identity", http.StatusForbidden)
			return
		}

		var doc keyDocument
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}
		raw, err := base64.StdEncoding.DecodeString(doc.PublicKey)
		if err != nil || len(raw) != 32 {
			http.Error(w, "malformed public key", http.StatusBadRequest)
			return
		}

		record := &model.PublicKeyRecord{Identity: identity, PublicKey: raw}
		if err := s.keys.Upsert(r.Context(), record); err != nil {
			log.Error("key upsert failed", zap.Error(err))
			http.Error(w, "key upsert failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}
}
