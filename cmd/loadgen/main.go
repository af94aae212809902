// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main is a load generator for the bridge: it connects an MQTT
// client over WebSocket, subscribes to a topic and publishes numbered
// messages at a fixed rate, logging every Nth message on both sides.
package main

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	flag "github.com/spf13/pflag"
)

const logEvery = 10000

func main() {
	fs := flag.NewFlagSet("loadgen", flag.ContinueOnError)

	broker := fs.String("broker", "localhost", "bridge host")
	port := fs.Int("port", 8083, "bridge port")
	path := fs.String("path", "/mqtt_opt", "WebSocket path")
	useTLS := fs.Bool("tls", false, "connect over wss")
	topic := fs.String("topic", "iot", "topic to publish and subscribe to")
	rate := fs.Duration("rate", time.Millisecond, "delay between publishes")

	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	scheme := "ws"
	if *useTLS {
		scheme = "wss"
	}
	server := fmt.Sprintf("%s://%s:%d%s", scheme, *broker, *port, *path)

	opts := mqtt.NewClientOptions().
		AddBroker(server).
		SetClientID("go-ws-" + uuid.New().String()[:8]).
		SetKeepAlive(60 * time.Second).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Second).
		SetMaxReconnectInterval(5 * time.Second)
	if *useTLS {
		opts.SetTLSConfig(&tls.Config{})
	}

	opts.OnConnect = func(c mqtt.Client) {
		logger.Info("connected", slog.String("server", server))
		c.Subscribe(*topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
			fields := strings.Fields(string(msg.Payload()))
			if len(fields) == 0 {
				return
			}
			if n, err := strconv.Atoi(fields[len(fields)-1]); err == nil && n%logEvery == 0 {
				logger.Info("received",
					slog.String("topic", msg.Topic()),
					slog.String("payload", string(msg.Payload())))
			}
		})
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("connection lost", slog.String("error", err.Error()))
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		logger.Error("connect failed", slog.String("error", token.Error().Error()))
		os.Exit(1)
	}
	defer client.Disconnect(250)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*rate)
	defer ticker.Stop()

	counter := 0
	for {
		select {
		case <-quit:
			logger.Info("stopping", slog.Int("sent", counter))
			return
		case <-ticker.C:
			if !client.IsConnected() {
				continue
			}
			counter++
			client.Publish(*topic, 0, false, fmt.Sprintf("Data %d", counter))
			if counter%logEvery == 0 {
				logger.Info("sent", slog.Int("count", counter))
			}
		}
	}
}
