package main

import (
	"crypto/tls"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// dial connects to the broker. With a client certificate configured the connection uses TLS
// and authenticates with the SASL EXTERNAL mechanism.
func dial(cfg config) (*amqp.Connection, error) {
	amqpCfg := amqp.Config{
		Vhost:     cfg.VHost,
		Heartbeat: defaultHeartbeat,
		Locale:    "en_US",
	}

	if cfg.tls() {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}

		serverName := cfg.ServerName
		if serverName == "" {
			serverName = cfg.brokerHost()
		}

		amqpCfg.TLSClientConfig = &tls.Config{
			Certificates:       []tls.Certificate{cert},
			ServerName:         serverName,
			InsecureSkipVerify: cfg.Insecure, // nolint:gosec
			MinVersion:         tls.VersionTLS12,
		}
		amqpCfg.SASL = []amqp.Authentication{&amqp.ExternalAuth{}}
	}

	conn, err := amqp.DialConfig(cfg.URL, amqpCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to broker: %w", err)
	}

	return conn, nil
}
