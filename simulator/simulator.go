package simulator

import (
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/skylink/attestation"
	"github.com/relabs-tech/skylink/core/logger"
	"github.com/relabs-tech/skylink/core/token"
	"github.com/relabs-tech/skylink/provisioning"
)

// Builder is a builder helper for the simulator service
type Builder struct {
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// IDScope is the provisioning ID scope. This is mandatory.
	IDScope string
	// PrimaryEnrollmentKey is the base64-encoded group enrollment key.
	// This is mandatory.
	PrimaryEnrollmentKey string
	// SecondaryEnrollmentKey is the base64-encoded backup group enrollment
	// key. Defaults to the primary key.
	SecondaryEnrollmentKey string
	// AssignedHub is the hub endpoint handed to successfully registered
	// devices. This is mandatory.
	AssignedHub string
	// PublicURL is the base URL presigned upload URLs point to. Can also be
	// set later with SetPublicURL, which the in-process tests do once the
	// listener address is known.
	PublicURL string
	// UploadSlotTTL is how long a presigned upload URL stays valid.
	// Defaults to 15 minutes.
	UploadSlotTTL time.Duration
}

type registrationOutcome struct {
	status            string
	retryAfterSeconds int
}

// Service implements the provisioning service and the messaging hub backend
// in one process, backed by memory. It serves the same wire surface the
// device client speaks in production, which makes it the fixture for the
// integration tests and a standalone development backend.
type Service struct {
	idScope       string
	primaryKey    []byte
	secondaryKey  []byte
	assignedHub   string
	uploadSlotTTL time.Duration

	mutex        sync.Mutex
	publicURL    string
	outcomes     map[string]registrationOutcome
	registered   map[string]bool
	failMessages int

	twins       map[string]*twinEntry
	uploadSlots map[string]*uploadSlot
	objects     map[string][]byte
	messages    map[string][]RecordedMessage
	subscribers map[string][]*websocket.Conn
}

// NewService realizes the simulator. It verifies the builder, decodes the
// group enrollment keys and adds all routes to the router.
func NewService(b *Builder) *Service {

	if b.Router == nil {
		panic("Router is missing")
	}
	if len(b.IDScope) == 0 {
		panic("IDScope is missing")
	}
	if len(b.PrimaryEnrollmentKey) == 0 {
		panic("PrimaryEnrollmentKey is missing")
	}
	if len(b.AssignedHub) == 0 {
		panic("AssignedHub is missing")
	}

	primaryKey, err := base64.StdEncoding.DecodeString(b.PrimaryEnrollmentKey)
	if err != nil {
		panic("PrimaryEnrollmentKey is not valid base64")
	}
	secondaryKey := primaryKey
	if len(b.SecondaryEnrollmentKey) > 0 {
		secondaryKey, err = base64.StdEncoding.DecodeString(b.SecondaryEnrollmentKey)
		if err != nil {
			panic("SecondaryEnrollmentKey is not valid base64")
		}
	}

	uploadSlotTTL := b.UploadSlotTTL
	if uploadSlotTTL == 0 {
		uploadSlotTTL = 15 * time.Minute
	}

	s := &Service{
		idScope:       b.IDScope,
		primaryKey:    primaryKey,
		secondaryKey:  secondaryKey,
		assignedHub:   b.AssignedHub,
		uploadSlotTTL: uploadSlotTTL,
		publicURL:     b.PublicURL,
		outcomes:      make(map[string]registrationOutcome),
		registered:    make(map[string]bool),
		twins:         make(map[string]*twinEntry),
		uploadSlots:   make(map[string]*uploadSlot),
		objects:       make(map[string][]byte),
		messages:      make(map[string][]RecordedMessage),
		subscribers:   make(map[string][]*websocket.Conn),
	}
	s.handleProvisioningRoutes(b.Router)
	s.handleHubRoutes(b.Router)
	return s
}

// SetPublicURL sets the base URL for presigned upload URLs once the listener
// address is known.
func (s *Service) SetPublicURL(url string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.publicURL = url
}

// SetRegistrationOutcome overrides the registration status for one device.
// Devices without an override register with status "assigned".
func (s *Service) SetRegistrationOutcome(deviceID, status string, retryAfterSeconds int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.outcomes[deviceID] = registrationOutcome{status: status, retryAfterSeconds: retryAfterSeconds}
}

// FailNextMessages makes the next count telemetry intakes answer with an
// internal server error, for resilience tests.
func (s *Service) FailNextMessages(count int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.failMessages = count
}

// Registered tells whether the device has completed provisioning.
func (s *Service) Registered(deviceID string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.registered[deviceID]
}

func (s *Service) handleProvisioningRoutes(router *mux.Router) {
	log.Println("simulator: handle route /scopes/{id_scope}/registrations/{device_id} PUT")

	router.HandleFunc("/scopes/{id_scope}/registrations/{device_id}", func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		params := mux.Vars(r)
		idScope := params["id_scope"]
		deviceID := params["device_id"]

		if idScope != s.idScope {
			http.Error(w, "unknown id scope", http.StatusNotFound)
			return
		}

		popToken := r.Header.Get(provisioning.HeaderRegistrationToken)
		if len(popToken) == 0 {
			http.Error(w, "registration token is missing", http.StatusUnauthorized)
			return
		}

		// the service knows the group secret and repeats the derivation;
		// the secondary key stays valid as backup enrollment factor
		primary := attestation.DeriveKey(s.primaryKey, deviceID)
		secondary := attestation.DeriveKey(s.secondaryKey, deviceID)
		if token.Verify(popToken, primary, deviceID, idScope) != nil &&
			token.Verify(popToken, secondary, deviceID, idScope) != nil {
			rlog.Infoln("registration with invalid token for", deviceID)
			http.Error(w, "invalid registration token", http.StatusUnauthorized)
			return
		}

		s.mutex.Lock()
		outcome, ok := s.outcomes[deviceID]
		if !ok {
			outcome = registrationOutcome{status: provisioning.StatusAssigned}
		}
		response := map[string]interface{}{"status": outcome.status}
		if outcome.status == provisioning.StatusAssigned {
			s.registered[deviceID] = true
			response["assigned_hub"] = s.assignedHub
		}
		if outcome.retryAfterSeconds > 0 {
			response["retry_after_seconds"] = outcome.retryAfterSeconds
		}
		s.mutex.Unlock()

		rlog.Infoln("registration of", deviceID, "->", outcome.status)
		w.Header().Set("Content-Type", "application/json")
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		encoder.Encode(response)
	}).Methods(http.MethodPut)
}

type uploadSlot struct {
	deviceID  string
	name      string
	expiresAt time.Time
}
