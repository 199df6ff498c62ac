package main

import (
	"log"
	"os"
	"time"

	"github.com/anhtranbk/porygon"
)

func main() {
	server, err := porygon.NewServer(porygon.Config{
		RedisConnStr:      os.Getenv("REDIS_ADDR"),
		PingInterval:      time.Second * 15,
		StalledPingLimit:  4,
		QueryTimeout:      time.Second * 5,
		SessionLifetime:   time.Minute * 30,
		StateLogThreshold: 500,
		GorillaWS: &porygon.GorillaWsConfig{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
		},
		HTTPServer: &porygon.HTTPServerConfig{
			Address:             "localhost",
			Port:                11053,
			ReadTimeoutInSecond: 5,
			// No write timeout: it would cut long-lived SSE push streams.
			WriteTimeoutInSecond: 0,
		},
	}, nil, nil)
	if err != nil {
		log.Fatalln("server error", err.Error())
	}

	log.Fatal(server.Serve())
}
