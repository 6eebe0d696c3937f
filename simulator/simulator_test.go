package simulator_test

import (
	"bytes"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/skylink/attestation"
	"github.com/relabs-tech/skylink/core/token"
	"github.com/relabs-tech/skylink/hub"
	"github.com/relabs-tech/skylink/provisioning"
	"github.com/relabs-tech/skylink/simulator"
)

const testDeviceID = "Aircraft00042"

var (
	primaryGroupKey   = []byte("group-secret")
	secondaryGroupKey = []byte("backup-secret")
)

func newTestServer(t *testing.T) (*simulator.Service, *httptest.Server) {
	t.Helper()
	router := mux.NewRouter()
	service := simulator.NewService(&simulator.Builder{
		Router:                 router,
		IDScope:                "scope-1",
		PrimaryEnrollmentKey:   base64.StdEncoding.EncodeToString(primaryGroupKey),
		SecondaryEnrollmentKey: base64.StdEncoding.EncodeToString(secondaryGroupKey),
		AssignedHub:            "hub1.example.net",
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	service.SetPublicURL(server.URL)
	return service, server
}

func register(t *testing.T, server *httptest.Server, registrationToken string) *http.Response {
	t.Helper()
	r, err := http.NewRequest(http.MethodPut,
		server.URL+"/scopes/scope-1/registrations/"+testDeviceID, bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	if registrationToken != "" {
		r.Header.Set(provisioning.HeaderRegistrationToken, registrationToken)
	}
	res, err := http.DefaultClient.Do(r)
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func TestRegistrationWithoutTokenIsUnauthorized(t *testing.T) {
	_, server := newTestServer(t)
	res := register(t, server, "")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestRegistrationWithSecondaryKey(t *testing.T) {
	service, server := newTestServer(t)

	// the secondary enrollment key stays valid as backup enrollment factor
	key := attestation.DeriveKey(secondaryGroupKey, testDeviceID)
	registrationToken, err := token.Sign(key, testDeviceID, "scope-1", token.DefaultTTL)
	require.NoError(t, err)

	res := register(t, server, registrationToken)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, service.Registered(testDeviceID))
}

func TestRegistrationUnknownScope(t *testing.T) {
	_, server := newTestServer(t)

	key := attestation.DeriveKey(primaryGroupKey, testDeviceID)
	registrationToken, err := token.Sign(key, testDeviceID, "scope-1", token.DefaultTTL)
	require.NoError(t, err)

	r, err := http.NewRequest(http.MethodPut,
		server.URL+"/scopes/other-scope/registrations/"+testDeviceID, bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	r.Header.Set(provisioning.HeaderRegistrationToken, registrationToken)
	res, err := http.DefaultClient.Do(r)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestUploadSlotLifecycle(t *testing.T) {
	service, server := newTestServer(t)

	res, err := http.DefaultClient.Do(mustRequest(t, http.MethodPut, server.URL+"/uploads/no-such-slot", []byte("x")))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	// obtain a real slot through the hub surface
	sessionKey := attestation.DeriveKey(primaryGroupKey, testDeviceID)
	deviceToken, err := token.Sign(sessionKey, testDeviceID, hub.TokenAudience, token.DefaultTTL)
	require.NoError(t, err)

	r := mustRequest(t, http.MethodPost, server.URL+"/devices/"+testDeviceID+"/uploads", []byte(`{"name":"a.bin"}`))
	r.Header.Set(hub.HeaderDeviceToken, deviceToken)
	res, err = http.DefaultClient.Do(r)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusCreated, res.StatusCode)

	slot := struct {
		UploadURL string    `json:"upload_url"`
		ExpiresAt time.Time `json:"expires_at"`
	}{}
	body, _ := io.ReadAll(res.Body)
	require.NoError(t, json.Unmarshal(body, &slot))
	assert.True(t, slot.ExpiresAt.After(time.Now()))

	res, err = http.DefaultClient.Do(mustRequest(t, http.MethodPut, slot.UploadURL, []byte("payload")))
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	content, ok := service.Object(testDeviceID, "a.bin")
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), content)

	// a slot is single use
	res, err = http.DefaultClient.Do(mustRequest(t, http.MethodPut, slot.UploadURL, []byte("again")))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestUploadSlotExpires(t *testing.T) {
	router := mux.NewRouter()
	service := simulator.NewService(&simulator.Builder{
		Router:               router,
		IDScope:              "scope-1",
		PrimaryEnrollmentKey: base64.StdEncoding.EncodeToString(primaryGroupKey),
		AssignedHub:          "hub1.example.net",
		UploadSlotTTL:        10 * time.Millisecond,
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	service.SetPublicURL(server.URL)

	sessionKey := attestation.DeriveKey(primaryGroupKey, testDeviceID)
	deviceToken, err := token.Sign(sessionKey, testDeviceID, hub.TokenAudience, token.DefaultTTL)
	require.NoError(t, err)

	r := mustRequest(t, http.MethodPost, server.URL+"/devices/"+testDeviceID+"/uploads", []byte(`{"name":"b.bin"}`))
	r.Header.Set(hub.HeaderDeviceToken, deviceToken)
	res, err := http.DefaultClient.Do(r)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusCreated, res.StatusCode)

	slot := struct {
		UploadURL string `json:"upload_url"`
	}{}
	body, _ := io.ReadAll(res.Body)
	require.NoError(t, json.Unmarshal(body, &slot))

	time.Sleep(50 * time.Millisecond)
	res, err = http.DefaultClient.Do(mustRequest(t, http.MethodPut, slot.UploadURL, []byte("too late")))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	_, ok := service.Object(testDeviceID, "b.bin")
	assert.False(t, ok)
}

// TestConcurrentConfigReadsDuringPublish hammers the twin GET routes while
// new configuration requests and state reports come in, for the race
// detector.
func TestConcurrentConfigReadsDuringPublish(t *testing.T) {
	service, server := newTestServer(t)

	sessionKey := attestation.DeriveKey(primaryGroupKey, testDeviceID)
	deviceToken, err := token.Sign(sessionKey, testDeviceID, hub.TokenAudience, token.DefaultTTL)
	require.NoError(t, err)

	get := func(path string) {
		r := mustRequest(t, http.MethodGet, server.URL+path, nil)
		r.Header.Set(hub.HeaderDeviceToken, deviceToken)
		res, err := http.DefaultClient.Do(r)
		require.NoError(t, err)
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
	}
	put := func(path string, body []byte) {
		r := mustRequest(t, http.MethodPut, server.URL+path, body)
		r.Header.Set(hub.HeaderDeviceToken, deviceToken)
		res, err := http.DefaultClient.Do(r)
		require.NoError(t, err)
		res.Body.Close()
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			get("/devices/" + testDeviceID + "/twin/config/request")
			get("/devices/" + testDeviceID + "/twin/status/report")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			require.NoError(t, service.PublishConfigRequest(testDeviceID,
				json.RawMessage(`{"SendInterval":"00:00:05"}`)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			put("/devices/"+testDeviceID+"/twin/status/report", []byte(`{"software_version":"1.2.0"}`))
		}
	}()
	wg.Wait()

	assert.False(t, service.LastRequestedAt(testDeviceID).IsZero())
	assert.False(t, service.LastReportedAt(testDeviceID).IsZero())
}

func mustRequest(t *testing.T, method, url string, body []byte) *http.Request {
	t.Helper()
	r, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	return r
}
