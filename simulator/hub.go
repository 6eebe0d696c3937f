package simulator

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/skylink/attestation"
	"github.com/relabs-tech/skylink/core/logger"
	"github.com/relabs-tech/skylink/core/token"
	"github.com/relabs-tech/skylink/hub"
)

// RecordedMessage is one telemetry message as the hub received it.
type RecordedMessage struct {
	Body       []byte
	Attributes map[string]string
	ReceivedAt time.Time
}

type twinEntry struct {
	request     json.RawMessage
	report      json.RawMessage
	requestedAt time.Time
	reportedAt  time.Time
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// authorized verifies the device token of a hub request against the key the
// hub derives from the group secret, the same check the provisioning side
// performs. The token subject must match the device in the route.
func (s *Service) authorized(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := mux.Vars(r)["device_id"]
		deviceToken := r.Header.Get(hub.HeaderDeviceToken)
		if len(deviceToken) == 0 {
			http.Error(w, "device token is missing", http.StatusUnauthorized)
			return
		}
		key := attestation.DeriveKey(s.primaryKey, deviceID)
		if err := token.Verify(deviceToken, key, deviceID, hub.TokenAudience); err != nil {
			http.Error(w, "invalid device token", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func (s *Service) handleHubRoutes(router *mux.Router) {
	log.Println("simulator: handle route /devices/{device_id}/messages POST")
	log.Println("simulator: handle route /devices/{device_id}/uploads POST")
	log.Println("simulator: handle route /uploads/{slot_id} PUT")
	log.Println("simulator: handle route /devices/{device_id}/twin/config/request GET")
	log.Println("simulator: handle route /devices/{device_id}/twin/status/report GET,PUT")
	log.Println("simulator: handle route /devices/{device_id}/twin/notifications GET")

	router.HandleFunc("/devices/{device_id}/messages", s.authorized(func(w http.ResponseWriter, r *http.Request) {
		deviceID := mux.Vars(r)["device_id"]
		s.mutex.Lock()
		if s.failMessages > 0 {
			s.failMessages--
			s.mutex.Unlock()
			http.Error(w, "injected failure", http.StatusInternalServerError)
			return
		}
		s.mutex.Unlock()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		attributes := map[string]string{}
		if meta := r.Header.Get(hub.HeaderMetaData); len(meta) > 0 {
			if err := json.Unmarshal([]byte(meta), &attributes); err != nil {
				http.Error(w, "invalid meta data", http.StatusBadRequest)
				return
			}
		}
		s.mutex.Lock()
		s.messages[deviceID] = append(s.messages[deviceID], RecordedMessage{
			Body:       body,
			Attributes: attributes,
			ReceivedAt: time.Now(),
		})
		s.mutex.Unlock()
		w.WriteHeader(http.StatusCreated)
	})).Methods(http.MethodPost)

	router.HandleFunc("/devices/{device_id}/uploads", s.authorized(func(w http.ResponseWriter, r *http.Request) {
		deviceID := mux.Vars(r)["device_id"]
		request := struct {
			Name string `json:"name"`
		}{}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil || len(request.Name) == 0 {
			http.Error(w, "upload name is missing", http.StatusBadRequest)
			return
		}
		slotID := uuid.New().String()
		expiresAt := time.Now().Add(s.uploadSlotTTL)
		s.mutex.Lock()
		s.uploadSlots[slotID] = &uploadSlot{deviceID: deviceID, name: request.Name, expiresAt: expiresAt}
		publicURL := s.publicURL
		s.mutex.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		encoder.Encode(map[string]interface{}{
			"upload_url": publicURL + "/uploads/" + slotID,
			"expires_at": expiresAt,
		})
	})).Methods(http.MethodPost)

	// possession of the presigned URL is the credential here, like with a
	// storage-service presigned URL
	router.HandleFunc("/uploads/{slot_id}", func(w http.ResponseWriter, r *http.Request) {
		slotID := mux.Vars(r)["slot_id"]
		s.mutex.Lock()
		slot, ok := s.uploadSlots[slotID]
		s.mutex.Unlock()
		if !ok {
			http.Error(w, "no such upload", http.StatusNotFound)
			return
		}
		if time.Now().After(slot.expiresAt) {
			http.Error(w, "upload slot expired", http.StatusForbidden)
			return
		}
		content, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mutex.Lock()
		// overwrite on name collision
		s.objects[slot.deviceID+"/"+slot.name] = content
		delete(s.uploadSlots, slotID)
		s.mutex.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPut)

	router.HandleFunc("/devices/{device_id}/twin/config/request", s.authorized(func(w http.ResponseWriter, r *http.Request) {
		deviceID := mux.Vars(r)["device_id"]
		s.mutex.Lock()
		var request json.RawMessage
		if entry, ok := s.twins[deviceID]; ok {
			request = entry.request
		}
		s.mutex.Unlock()
		if request == nil {
			http.Error(w, "no requested configuration", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(request)
	})).Methods(http.MethodGet)

	router.HandleFunc("/devices/{device_id}/twin/status/report", s.authorized(func(w http.ResponseWriter, r *http.Request) {
		deviceID := mux.Vars(r)["device_id"]
		switch r.Method {
		case http.MethodPut:
			body, err := io.ReadAll(r.Body)
			if err != nil || !json.Valid(body) {
				http.Error(w, "invalid report", http.StatusBadRequest)
				return
			}
			s.mutex.Lock()
			entry := s.twin(deviceID)
			entry.report = body
			entry.reportedAt = time.Now()
			s.mutex.Unlock()
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			s.mutex.Lock()
			var report json.RawMessage
			if entry, ok := s.twins[deviceID]; ok {
				report = entry.report
			}
			s.mutex.Unlock()
			if report == nil {
				http.Error(w, "no reported state", http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write(report)
		}
	})).Methods(http.MethodGet, http.MethodPut)

	router.HandleFunc("/devices/{device_id}/twin/notifications", s.authorized(func(w http.ResponseWriter, r *http.Request) {
		deviceID := mux.Vars(r)["device_id"]
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mutex.Lock()
		s.subscribers[deviceID] = append(s.subscribers[deviceID], ws)
		s.mutex.Unlock()
		logger.FromContext(r.Context()).Infoln("notification subscriber for", deviceID)

		// drain until the peer goes away
		go func() {
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					s.dropSubscriber(deviceID, ws)
					return
				}
			}
		}()
	})).Methods(http.MethodGet)
}

// twin returns the twin entry for the device, creating it if necessary.
// Caller must hold the mutex.
func (s *Service) twin(deviceID string) *twinEntry {
	entry, ok := s.twins[deviceID]
	if !ok {
		entry = &twinEntry{}
		s.twins[deviceID] = entry
	}
	return entry
}

func (s *Service) dropSubscriber(deviceID string, ws *websocket.Conn) {
	ws.Close()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	remaining := s.subscribers[deviceID][:0]
	for _, subscriber := range s.subscribers[deviceID] {
		if subscriber != ws {
			remaining = append(remaining, subscriber)
		}
	}
	s.subscribers[deviceID] = remaining
}

// PublishConfigRequest stores the requested configuration for the device and
// pushes a change notification to all subscribed sessions.
func (s *Service) PublishConfigRequest(deviceID string, request json.RawMessage) error {
	notification, err := json.Marshal(map[string]interface{}{
		"key":     "config",
		"request": request,
	})
	if err != nil {
		return err
	}

	s.mutex.Lock()
	entry := s.twin(deviceID)
	entry.request = request
	entry.requestedAt = time.Now()
	subscribers := append([]*websocket.Conn{}, s.subscribers[deviceID]...)
	s.mutex.Unlock()

	for _, ws := range subscribers {
		if err := ws.WriteMessage(websocket.TextMessage, notification); err != nil {
			logger.Default().WithError(err).Warnln("dropping dead notification subscriber for", deviceID)
			s.dropSubscriber(deviceID, ws)
		}
	}
	return nil
}

// SubscriberCount returns the number of open notification channels for the
// device.
func (s *Service) SubscriberCount(deviceID string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.subscribers[deviceID])
}

// Messages returns the telemetry messages received for the device.
func (s *Service) Messages(deviceID string) []RecordedMessage {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]RecordedMessage{}, s.messages[deviceID]...)
}

// Object returns an uploaded artifact by name.
func (s *Service) Object(deviceID, name string) ([]byte, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	content, ok := s.objects[deviceID+"/"+name]
	return content, ok
}

// ObjectNames returns the names of all artifacts uploaded by the device.
func (s *Service) ObjectNames(deviceID string) []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	names := []string{}
	prefix := deviceID + "/"
	for key := range s.objects {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			names = append(names, key[len(prefix):])
		}
	}
	return names
}

// ReportedState returns the state the device reported to its twin.
func (s *Service) ReportedState(deviceID string) json.RawMessage {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	entry, ok := s.twins[deviceID]
	if !ok {
		return nil
	}
	return entry.report
}

// LastRequestedAt returns when a configuration was last requested for the
// device, the zero time if never.
func (s *Service) LastRequestedAt(deviceID string) time.Time {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	entry, ok := s.twins[deviceID]
	if !ok {
		return time.Time{}
	}
	return entry.requestedAt
}

// LastReportedAt returns when the device last reported its state, the zero
// time if never.
func (s *Service) LastReportedAt(deviceID string) time.Time {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	entry, ok := s.twins[deviceID]
	if !ok {
		return time.Time{}
	}
	return entry.reportedAt
}
