package provisioning_test

import (
	"context"
	"encoding/base64"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/skylink/attestation"
	"github.com/relabs-tech/skylink/provisioning"
	"github.com/relabs-tech/skylink/simulator"
)

const (
	testIDScope = "scope-1"
	testHub     = "hub1.example.net"
)

var testGroupKey = base64.StdEncoding.EncodeToString([]byte("group-secret"))

func newTestService(t *testing.T) (*simulator.Service, *provisioning.Client) {
	t.Helper()
	router := mux.NewRouter()
	service := simulator.NewService(&simulator.Builder{
		Router:               router,
		IDScope:              testIDScope,
		PrimaryEnrollmentKey: testGroupKey,
		AssignedHub:          testHub,
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return service, provisioning.New(server.URL, testIDScope)
}

func testCredential(t *testing.T, deviceID string) attestation.Credential {
	t.Helper()
	credential, err := attestation.DeriveCredential(testGroupKey, testGroupKey, deviceID)
	require.NoError(t, err)
	return credential
}

func TestRegisterAssigned(t *testing.T) {
	service, client := newTestService(t)
	credential := testCredential(t, "Aircraft00042")

	enrollment, err := client.Register(context.Background(), credential)
	require.NoError(t, err)

	assert.Equal(t, "Aircraft00042", enrollment.DeviceID)
	assert.Equal(t, testHub, enrollment.HubEndpoint)
	assert.Equal(t, credential.PrimaryKey, enrollment.SessionKey)
	assert.True(t, service.Registered("Aircraft00042"))
}

func TestRegisterTerminalStatuses(t *testing.T) {
	service, client := newTestService(t)

	for _, status := range []string{
		provisioning.StatusDisabled,
		provisioning.StatusFailed,
		provisioning.StatusUnassigned,
	} {
		t.Run(status, func(t *testing.T) {
			deviceID := "device-" + status
			service.SetRegistrationOutcome(deviceID, status, 0)

			_, err := client.Register(context.Background(), testCredential(t, deviceID))
			rejected := &provisioning.RejectedError{}
			require.ErrorAs(t, err, &rejected)
			assert.Equal(t, status, rejected.Status)
			assert.False(t, service.Registered(deviceID))
		})
	}
}

func TestRegisterAssigning(t *testing.T) {
	service, client := newTestService(t)
	service.SetRegistrationOutcome("Aircraft00042", provisioning.StatusAssigning, 2)

	_, err := client.Register(context.Background(), testCredential(t, "Aircraft00042"))
	assigning := &provisioning.AssigningError{}
	require.ErrorAs(t, err, &assigning)
	assert.Equal(t, 2*time.Second, assigning.RetryAfter)
}

func TestRegisterRejectsWrongKey(t *testing.T) {
	_, client := newTestService(t)
	wrongKey := base64.StdEncoding.EncodeToString([]byte("someone-elses-secret"))
	credential, err := attestation.DeriveCredential(wrongKey, wrongKey, "Aircraft00042")
	require.NoError(t, err)

	_, err = client.Register(context.Background(), credential)
	rejected := &provisioning.RejectedError{}
	assert.ErrorAs(t, err, &rejected)
}

func TestRegisterWithRetryEventuallyAssigned(t *testing.T) {
	service, client := newTestService(t)
	service.SetRegistrationOutcome("Aircraft00042", provisioning.StatusAssigning, 0)

	go func() {
		time.Sleep(200 * time.Millisecond)
		service.SetRegistrationOutcome("Aircraft00042", provisioning.StatusAssigned, 0)
	}()

	enrollment, err := client.RegisterWithRetry(context.Background(), testCredential(t, "Aircraft00042"), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, testHub, enrollment.HubEndpoint)
}

func TestRegisterWithRetryDoesNotRetryRejection(t *testing.T) {
	service, client := newTestService(t)
	service.SetRegistrationOutcome("Aircraft00042", provisioning.StatusDisabled, 0)

	start := time.Now()
	_, err := client.RegisterWithRetry(context.Background(), testCredential(t, "Aircraft00042"), 10*time.Second)
	rejected := &provisioning.RejectedError{}
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, provisioning.StatusDisabled, rejected.Status)
	assert.Less(t, time.Since(start), time.Second, "terminal rejection must not be retried")
}
