package main

import (
	"fmt"
	"mqtt-link/config"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"
)

var FlagConfig = &cli.StringFlag{
	Name:     "config",
	Usage:    "path to a YAML configuration file",
	EnvVars:  []string{"MQTT_LINK_CONFIG"},
	Required: false,
}

var FlagLogLevel = &cli.StringFlag{
	Name:     "log-level",
	EnvVars:  []string{"LOG_LEVEL"},
	Value:    "info",
	Required: false,
}

var FlagLogWriter = &cli.StringFlag{
	Name:     "log-writer",
	Usage:    "one of: [console, json]",
	EnvVars:  []string{"LOG_WRITER"},
	Value:    "console",
	Required: false,
}

var FlagMQTTHost = &cli.StringFlag{
	Name:     "mqtt-host",
	Usage:    "broker host name; the port is 1883, or 8883 with a client certificate",
	EnvVars:  []string{"MQTT_HOST"},
	Required: false,
}

var FlagMQTTClientID = &cli.StringFlag{
	Name:     "mqtt-client-id",
	Usage:    "defaults to mqtt-link-<uuid>",
	EnvVars:  []string{"MQTT_CLIENT_ID"},
	Required: false,
}

var FlagMQTTUsername = &cli.StringFlag{
	Name:     "mqtt-username",
	EnvVars:  []string{"MQTT_USERNAME"},
	Required: false,
}

var FlagMQTTPassword = &cli.StringFlag{
	Name:     "mqtt-password",
	EnvVars:  []string{"MQTT_PASSWORD"},
	Required: false,
}

var FlagMQTTCAFile = &cli.StringFlag{
	Name:     "mqtt-ca-file",
	EnvVars:  []string{"MQTT_CA_FILE"},
	Required: false,
}

var FlagMQTTCertFile = &cli.StringFlag{
	Name:     "mqtt-cert-file",
	Usage:    "client certificate; enables TLS",
	EnvVars:  []string{"MQTT_CERT_FILE"},
	Required: false,
}

var FlagMQTTKeyFile = &cli.StringFlag{
	Name:     "mqtt-key-file",
	Usage:    "client private key; defaults to the certificate file",
	EnvVars:  []string{"MQTT_KEY_FILE"},
	Required: false,
}

var FlagMQTTVerifyHostname = &cli.BoolFlag{
	Name:     "mqtt-verify-hostname",
	EnvVars:  []string{"MQTT_VERIFY_HOSTNAME"},
	Required: false,
}

var FlagRetryInterval = &cli.IntFlag{
	Name:     "retry-interval",
	Usage:    "seconds between connect attempts, 0 tries once",
	EnvVars:  []string{"MQTT_RETRY_INTERVAL"},
	Required: false,
}

var FlagErrorPolicy = &cli.StringFlag{
	Name:     "error-policy",
	Usage:    "one of: [exit, retry]",
	EnvVars:  []string{"MQTT_ERROR_POLICY"},
	Required: false,
}

var FlagPersistenceBackend = &cli.StringFlag{
	Name:     "persistence-backend",
	Usage:    "one of: [memory, file, sqlite]",
	EnvVars:  []string{"PERSISTENCE_BACKEND"},
	Required: false,
}

var FlagPersistencePath = &cli.StringFlag{
	Name:     "persistence-path",
	EnvVars:  []string{"PERSISTENCE_PATH"},
	Required: false,
}

var FlagStatusTopic = &cli.StringFlag{
	Name:     "status-topic",
	EnvVars:  []string{"MQTT_STATUS_TOPIC"},
	Required: false,
}

var FlagReportTopic = &cli.StringFlag{
	Name:     "report-topic",
	EnvVars:  []string{"MQTT_REPORT_TOPIC"},
	Required: false,
}

var FlagSubscribe = &cli.StringSliceFlag{
	Name:     "subscribe",
	Usage:    "topic[:qos], may be repeated",
	EnvVars:  []string{"MQTT_SUBSCRIBE"},
	Required: false,
}

// applyFlags overrides cfg with every flag set on the command line or in the environment.
func applyFlags(ctx *cli.Context, cfg *config.Config) error {
	if ctx.IsSet(FlagLogLevel.Name) || cfg.Logging.Level == "" {
		cfg.Logging.Level = ctx.String(FlagLogLevel.Name)
	}
	if ctx.IsSet(FlagLogWriter.Name) || cfg.Logging.Writer == "" {
		cfg.Logging.Writer = ctx.String(FlagLogWriter.Name)
	}

	setString := func(flag *cli.StringFlag, dst *string) {
		if ctx.IsSet(flag.Name) {
			*dst = ctx.String(flag.Name)
		}
	}
	setString(FlagMQTTHost, &cfg.MQTT.Host)
	setString(FlagMQTTClientID, &cfg.MQTT.ClientID)
	setString(FlagMQTTUsername, &cfg.MQTT.Auth.Username)
	setString(FlagMQTTPassword, &cfg.MQTT.Auth.Password)
	setString(FlagMQTTCAFile, &cfg.MQTT.TLS.CAFile)
	setString(FlagMQTTCertFile, &cfg.MQTT.TLS.CertFile)
	setString(FlagMQTTKeyFile, &cfg.MQTT.TLS.KeyFile)
	setString(FlagErrorPolicy, &cfg.MQTT.Reconnect.ErrorPolicy)
	setString(FlagPersistenceBackend, &cfg.Persistence.Backend)
	setString(FlagPersistencePath, &cfg.Persistence.Path)
	setString(FlagStatusTopic, &cfg.Gateway.StatusTopic)
	setString(FlagReportTopic, &cfg.Gateway.ReportTopic)

	if ctx.IsSet(FlagMQTTVerifyHostname.Name) {
		cfg.MQTT.TLS.VerifyHostname = ctx.Bool(FlagMQTTVerifyHostname.Name)
	}
	if ctx.IsSet(FlagRetryInterval.Name) {
		cfg.MQTT.Reconnect.Interval = ctx.Int(FlagRetryInterval.Name)
	}
	if ctx.IsSet(FlagSubscribe.Name) {
		cfg.Gateway.Subscriptions = nil
		for _, s := range ctx.StringSlice(FlagSubscribe.Name) {
			sub, err := parseSubscription(s)
			if err != nil {
				return err
			}
			cfg.Gateway.Subscriptions = append(cfg.Gateway.Subscriptions, sub)
		}
	}

	return nil
}

// parseSubscription parses "topic" or "topic:qos".
func parseSubscription(s string) (config.SubscriptionConfig, error) {
	topic, qosStr, found := cut(s)
	if !found {
		return config.SubscriptionConfig{Topic: s}, nil
	}

	qos, err := strconv.Atoi(qosStr)
	if err != nil || qos < 0 || qos > 2 {
		return config.SubscriptionConfig{}, fmt.Errorf("invalid subscription %q: qos must be 0, 1, or 2", s)
	}
	return config.SubscriptionConfig{Topic: topic, QoS: qos}, nil
}

func cut(s string) (string, string, bool) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+1:], true
}
