// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package provisioning implements the device side of the zero-touch enrollment
handshake. A device presents its ID scope, its device identifier and a proof
of possession of its attestation credential; the provisioning service answers
with a registration status and, on success, the messaging hub the device has
been assigned to.
*/
package provisioning

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"

	"github.com/relabs-tech/skylink/attestation"
	"github.com/relabs-tech/skylink/core/logger"
	"github.com/relabs-tech/skylink/core/token"
)

// Registration statuses reported by the provisioning service.
const (
	StatusAssigned   = "assigned"
	StatusAssigning  = "assigning"
	StatusDisabled   = "disabled"
	StatusFailed     = "failed"
	StatusUnassigned = "unassigned"
)

// HeaderRegistrationToken carries the proof-of-possession token, an HS256 JWT
// signed with the primary attestation key. The service re-derives the key from
// the group secret and verifies the signature.
const HeaderRegistrationToken = "Skylink-Registration-Token"

// RejectedError is the terminal enrollment failure: the service answered, but
// with a status that will not change on retry.
type RejectedError struct {
	Status string
}

func (e *RejectedError) Error() string {
	return "provisioning rejected with status " + e.Status
}

// AssigningError reports that the service has accepted the registration but
// has not finished the hub assignment yet. The caller may retry after the
// suggested delay.
type AssigningError struct {
	RetryAfter time.Duration
}

func (e *AssigningError) Error() string {
	return "provisioning still assigning, retry after " + e.RetryAfter.String()
}

// Client performs the enrollment handshake against one provisioning endpoint
// and ID scope.
type Client struct {
	endpoint   string
	idScope    string
	httpClient *http.Client
}

// Enrollment is the result of a successful registration. The session key is
// the primary attestation key; the secondary key never authenticates a live
// session.
type Enrollment struct {
	DeviceID    string
	HubEndpoint string
	SessionKey  []byte
}

// New creates a provisioning client for the given endpoint URL and ID scope.
func New(endpoint, idScope string) *Client {
	return &Client{
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		idScope:    idScope,
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
}

type registrationRequest struct {
	DeviceID string `json:"device_id"`
}

type registrationResponse struct {
	Status            string `json:"status"`
	AssignedHub       string `json:"assigned_hub,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// Register performs a single registration attempt. It returns an Enrollment
// for status "assigned", an *AssigningError for status "assigning" and a
// *RejectedError for every terminal status.
func (c *Client) Register(ctx context.Context, credential attestation.Credential) (*Enrollment, error) {
	rlog := logger.FromContext(ctx)

	popToken, err := token.Sign(credential.PrimaryKey, credential.DeviceID, c.idScope, token.DefaultTTL)
	if err != nil {
		return nil, fmt.Errorf("cannot sign registration token: %w", err)
	}

	body, err := json.Marshal(registrationRequest{DeviceID: credential.DeviceID})
	if err != nil {
		return nil, err
	}

	url := c.endpoint + "/scopes/" + c.idScope + "/registrations/" + credential.DeviceID
	r, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set(HeaderRegistrationToken, popToken)

	res, err := c.httpClient.Do(r)
	if err != nil {
		return nil, fmt.Errorf("provisioning request failed: %w", err)
	}
	defer res.Body.Close()
	resBody, _ := io.ReadAll(res.Body)

	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		return nil, &RejectedError{Status: StatusFailed}
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provisioning returned wrong status code: got %v want %v. Error: %s",
			res.StatusCode, http.StatusOK, strings.TrimSpace(string(resBody)))
	}

	response := registrationResponse{}
	if err := json.Unmarshal(resBody, &response); err != nil {
		return nil, fmt.Errorf("cannot decode provisioning response: %w", err)
	}

	rlog.Debugln("provisioning status:", response.Status)

	switch response.Status {
	case StatusAssigned:
		if response.AssignedHub == "" {
			return nil, fmt.Errorf("provisioning assigned without a hub endpoint")
		}
		return &Enrollment{
			DeviceID:    credential.DeviceID,
			HubEndpoint: response.AssignedHub,
			SessionKey:  credential.PrimaryKey,
		}, nil
	case StatusAssigning:
		return nil, &AssigningError{RetryAfter: time.Duration(response.RetryAfterSeconds) * time.Second}
	case StatusDisabled, StatusFailed, StatusUnassigned:
		return nil, &RejectedError{Status: response.Status}
	}
	return nil, fmt.Errorf("provisioning returned unknown status %q", response.Status)
}

// RegisterWithRetry registers with exponential backoff while the service
// reports "assigning", honoring the suggested delay when the service provides
// one. Terminal rejections are never retried. maxElapsed bounds the total
// time spent; zero means retry until the context is done.
func (c *Client) RegisterWithRetry(ctx context.Context, credential attestation.Credential, maxElapsed time.Duration) (*Enrollment, error) {
	rlog := logger.FromContext(ctx)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxElapsedTime = maxElapsed

	var enrollment *Enrollment
	operation := func() error {
		var err error
		enrollment, err = c.Register(ctx, credential)
		if err == nil {
			return nil
		}
		rejected := &RejectedError{}
		if errors.As(err, &rejected) {
			return backoff.Permanent(err)
		}
		assigning := &AssigningError{}
		if errors.As(err, &assigning) && assigning.RetryAfter > 0 {
			// wait at least as long as the service asked for, the backoff
			// interval comes on top
			select {
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			case <-time.After(assigning.RetryAfter):
			}
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		rlog.WithError(err).Infoln("provisioning not complete, retrying in", wait)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, err
	}
	return enrollment, nil
}
