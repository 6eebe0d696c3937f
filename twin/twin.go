// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package twin implements the device side of the configuration twin: it reads
the requested configuration once at startup, reports device metadata back,
and keeps the shared runtime settings in sync with configuration changes
pushed by the hub.

Configuration documents are validated against a schema before use; documents
or values that do not validate are ignored in favor of the current settings.
*/
package twin

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/xeipuuv/gojsonschema"

	"github.com/relabs-tech/skylink/core/logger"
	"github.com/relabs-tech/skylink/device"
	"github.com/relabs-tech/skylink/hub"
)

// ConfigKey is the twin key the device configuration lives under.
const ConfigKey = "config"

var configSchema *gojsonschema.Schema

func init() {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(`{
		"type": "object",
		"properties": {
			"SendInterval": { "type": "string" }
		}
	}`))
	if err != nil {
		panic(err)
	}
	configSchema = schema
}

type configDocument struct {
	SendInterval string `json:"SendInterval"`
}

// Initialize performs the startup synchronization in order: fetch the
// requested configuration and apply it, report device metadata, subscribe to
// configuration changes. The subscription handler updates settings
// asynchronously for the rest of the session.
func Initialize(ctx context.Context, conn *hub.Connection, settings *device.Settings, softwareVersion string) error {
	rlog := logger.FromContext(ctx)

	doc, err := conn.GetConfigRequest(ctx)
	if err != nil {
		return fmt.Errorf("cannot read requested configuration: %w", err)
	}
	if len(doc) > 0 {
		applyConfig(ctx, settings, doc)
	}

	if err := conn.ReportState(ctx, reportedState(softwareVersion)); err != nil {
		// reported state is observability only
		rlog.WithError(err).Warnln("cannot report device state")
	}

	return conn.SubscribeConfigChanged(ctx, func(n hub.ConfigNotification) {
		if n.Key != ConfigKey {
			return
		}
		applyConfig(ctx, settings, n.Request)
	})
}

// applyConfig validates the configuration document and installs the send
// interval if present and valid. Anything that does not parse leaves the
// current settings untouched.
func applyConfig(ctx context.Context, settings *device.Settings, doc []byte) {
	rlog := logger.FromContext(ctx)

	result, err := configSchema.Validate(gojsonschema.NewStringLoader(string(doc)))
	if err != nil || !result.Valid() {
		rlog.Infoln("ignoring configuration document that does not validate")
		return
	}

	config := configDocument{}
	if err := json.Unmarshal(doc, &config); err != nil {
		rlog.Infoln("ignoring malformed configuration document")
		return
	}
	if config.SendInterval == "" {
		return
	}

	interval, err := ParseInterval(config.SendInterval)
	if err != nil {
		rlog.Infoln("ignoring unparsable send interval:", config.SendInterval)
		return
	}

	previous := settings.SendInterval()
	if !settings.SetSendInterval(interval) {
		rlog.Infoln("ignoring non-positive send interval:", config.SendInterval)
		return
	}
	if previous != interval {
		rlog.Infoln("send interval changed from", previous, "to", interval)
	}
}

// ParseInterval accepts the wire format "HH:MM:SS" as well as Go duration
// strings like "5s".
func ParseInterval(value string) (time.Duration, error) {
	parts := strings.Split(value, ":")
	if len(parts) == 3 {
		hours, errH := strconv.Atoi(parts[0])
		minutes, errM := strconv.Atoi(parts[1])
		seconds, errS := strconv.ParseFloat(parts[2], 64)
		if errH != nil || errM != nil || errS != nil || hours < 0 || minutes < 0 || seconds < 0 {
			return 0, fmt.Errorf("invalid interval %q", value)
		}
		return time.Duration(hours)*time.Hour +
			time.Duration(minutes)*time.Minute +
			time.Duration(seconds*float64(time.Second)), nil
	}
	return time.ParseDuration(value)
}

// reportedState collects the device metadata pushed to the twin.
func reportedState(softwareVersion string) map[string]interface{} {
	state := map[string]interface{}{
		"software_version": softwareVersion,
		"processor_count":  runtime.NumCPU(),
	}
	if count, err := cpu.Counts(true); err == nil {
		state["processor_count"] = count
	}
	if info, err := host.Info(); err == nil {
		state["hostname"] = info.Hostname
		state["platform"] = info.Platform
	} else if hostname, err := os.Hostname(); err == nil {
		state["hostname"] = hostname
	}
	return state
}
