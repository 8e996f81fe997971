package mqtt

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type Client struct {
	cli mqtt.Client
}

// ClientAPI is the publish surface the HDP publisher needs.
// It enables unit testing without requiring a live broker.
type ClientAPI interface {
	PublishWith(topic string, payload []byte, retain bool) error
}

// Will is the retained message the broker publishes if the connection drops.
type Will struct {
	Topic   string
	Payload []byte
}

type Options struct {
	ClientID string
	Will     *Will
	// OnConnect runs after every (re)connect.
	OnConnect func()
}

func brokerServer(u *url.URL) string {
	server := u.Host
	switch u.Scheme {
	case "mqtt", "tcp":
		server = "tcp://" + server
	case "ssl", "tls":
		server = "ssl://" + server
	case "ws", "wss":
		server = u.Scheme + "://" + server + u.Path
	}
	return server
}

func New(brokerURL string, o Options) (*Client, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerServer(u))
	clientID := o.ClientID
	if clientID == "" {
		clientID = "http-leak-adapter"
	}
	opts.SetClientID(clientID + "-" + time.Now().Format("150405.000"))
	opts.SetAutoReconnect(true)
	opts.OnConnect = func(c mqtt.Client) {
		slog.Info("mqtt connected", "broker", u.Host)
		if o.OnConnect != nil {
			go o.OnConnect()
		}
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) { slog.Error("mqtt connection lost", "error", err) }
	if o.Will != nil {
		opts.SetBinaryWill(o.Will.Topic, o.Will.Payload, 0, true)
	}
	if u.User != nil {
		pw, _ := u.User.Password()
		opts.SetUsername(u.User.Username())
		opts.SetPassword(pw)
	}
	if u.Scheme == "ssl" || u.Scheme == "tls" || u.Scheme == "wss" {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	cli := mqtt.NewClient(opts)
	if t := cli.Connect(); t.Wait() && t.Error() != nil {
		return nil, t.Error()
	}
	return &Client{cli: cli}, nil
}

func (c *Client) PublishWith(topic string, payload []byte, retain bool) error {
	t := c.cli.Publish(topic, 0, retain, payload)
	if t.Wait() && t.Error() != nil {
		return t.Error()
	}
	return nil
}

func (c *Client) Disconnect() {
	c.cli.Disconnect(250)
}
