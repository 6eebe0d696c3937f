// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/skylink/attestation"
	"github.com/relabs-tech/skylink/core/logger"
	"github.com/relabs-tech/skylink/device"
	"github.com/relabs-tech/skylink/hub"
	"github.com/relabs-tech/skylink/provisioning"
	"github.com/relabs-tech/skylink/twin"
)

const softwareVersion = "1.2.0"

// Service holds the configuration for the sample device.
//
// The defaults are placeholders so the sample runs against a local simulator
// out of the box; a production device must set every value explicitly.
type Service struct {
	DeviceID               string        `env:"DEVICE_ID,optional" description:"the device identifier, generated when unset"`
	ProvisioningEndpoint   string        `env:"PROVISIONING_ENDPOINT,optional,default=http://localhost:3000" description:"the URL of the provisioning service"`
	IDScope                string        `env:"ID_SCOPE,optional,default=0ne-sample-scope" description:"the provisioning ID scope"`
	PrimaryEnrollmentKey   string        `env:"PRIMARY_ENROLLMENT_KEY,optional,default=c2FtcGxlLWdyb3VwLWtleQ==" description:"base64 group enrollment key"`
	SecondaryEnrollmentKey string        `env:"SECONDARY_ENROLLMENT_KEY,optional,default=c2FtcGxlLWJhY2t1cC1rZXk=" description:"base64 backup group enrollment key"`
	SendInterval           time.Duration `env:"SEND_INTERVAL,optional,default=10s" description:"default interval between telemetry iterations"`
	LogLevel               string        `env:"LOG_LEVEL,optional,default=info" description:"The level used for logger, can be debug, warning, info, error"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLogger(logger.ParseLevel(service.LogLevel))

	deviceID := service.DeviceID
	if len(deviceID) == 0 {
		deviceID = "sample-" + uuid.New().String()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, rlog := logger.ContextWithLoggerForDevice(ctx, deviceID)

	credential, err := attestation.DeriveCredential(
		service.PrimaryEnrollmentKey, service.SecondaryEnrollmentKey, deviceID)
	if err != nil {
		rlog.WithError(err).Fatalln("cannot derive attestation credential")
	}

	// provisioning runs on every process start; the sample keeps no local
	// state that could cache an earlier hub assignment
	client := provisioning.New(service.ProvisioningEndpoint, service.IDScope)
	enrollment, err := client.RegisterWithRetry(ctx, credential, 2*time.Minute)
	if err != nil {
		rejected := &provisioning.RejectedError{}
		if errors.As(err, &rejected) {
			rlog.Fatalln("enrollment rejected with status", rejected.Status)
		}
		rlog.WithError(err).Fatalln("enrollment failed")
	}
	rlog.Infoln("assigned to hub", enrollment.HubEndpoint)

	conn, err := hub.Connect(ctx, enrollment.HubEndpoint, enrollment.DeviceID, enrollment.SessionKey)
	if err != nil {
		rlog.WithError(err).Fatalln("cannot open hub session")
	}
	defer conn.Close()
	rlog.Infoln("hub session open on", conn.Endpoint())

	settings := device.NewSettings(service.SendInterval)
	if err := twin.Initialize(ctx, conn, settings, softwareVersion); err != nil {
		rlog.WithError(err).Fatalln("cannot synchronize configuration")
	}

	runner := device.NewRunner(&device.Builder{
		Conn:     conn,
		Settings: settings,
		DeviceID: deviceID,
		Attributes: map[string]string{
			"AircraftId":         "123456",
			"DeviceSerialNumber": "ABC12345",
		},
	})
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		rlog.WithError(err).Fatalln("telemetry loop stopped")
	}
	rlog.Infoln("shutting down")
}
