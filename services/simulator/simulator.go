// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package main

import (
	"net/http"
	"os"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/skylink/core/logger"
	"github.com/relabs-tech/skylink/simulator"
)

// Service holds the configuration for the standalone simulator backend.
type Service struct {
	Port                   string `env:"PORT,optional,default=3000" description:"the port the simulator listens on"`
	IDScope                string `env:"ID_SCOPE,optional,default=0ne-sample-scope" description:"the provisioning ID scope"`
	PrimaryEnrollmentKey   string `env:"PRIMARY_ENROLLMENT_KEY,optional,default=c2FtcGxlLWdyb3VwLWtleQ==" description:"base64 group enrollment key"`
	SecondaryEnrollmentKey string `env:"SECONDARY_ENROLLMENT_KEY,optional,default=c2FtcGxlLWJhY2t1cC1rZXk=" description:"base64 backup group enrollment key"`
	LogLevel               string `env:"LOG_LEVEL,optional,default=info" description:"The level used for logger, can be debug, warning, info, error"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLogger(logger.ParseLevel(service.LogLevel))

	router := mux.NewRouter()
	logger.AddRequestID(router)

	publicURL := "http://localhost:" + service.Port
	simulator.NewService(&simulator.Builder{
		Router:                 router,
		IDScope:                service.IDScope,
		PrimaryEnrollmentKey:   service.PrimaryEnrollmentKey,
		SecondaryEnrollmentKey: service.SecondaryEnrollmentKey,
		AssignedHub:            publicURL,
		PublicURL:              publicURL,
	})

	rlog := logger.Default()
	rlog.Infoln("listen on port :" + service.Port)
	rlog.Fatal(http.ListenAndServe(":"+service.Port, handlers.LoggingHandler(os.Stdout, router)))
}
