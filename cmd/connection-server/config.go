package main

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/dvv/connection/message"
)

// Redis defines the redis relay configuration options.
type Redis struct {
	Addr        string        `yaml:"addr"`
	Cluster     bool          `yaml:"cluster"`
	MaxActive   int           `yaml:"max_active"`
	MaxIdle     int           `yaml:"max_idle"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	Channel     string        `yaml:"channel"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// ZMQ defines the ZeroMQ relay configuration options.
type ZMQ struct {
	PubEndpoint string `yaml:"pub_endpoint"`
	SubEndpoint string `yaml:"sub_endpoint"`
}

// Broadcast defines the broadcast engine configuration options.
type Broadcast struct {
	Relay         string `yaml:"relay"` // none, redis or zmq
	Codec         string `yaml:"codec"` // json or msgpack
	LocalFallback bool   `yaml:"local_fallback"`
	Redis         *Redis `yaml:"redis"`
	ZMQ           *ZMQ   `yaml:"zmq"`
}

// Context defines the shared context configuration options.
type Context struct {
	Mode  string                 `yaml:"mode"` // protected or unprotected
	Proto map[string]interface{} `yaml:"proto"`
}

// Auth defines the auth plugin configuration options. The plugin is
// enabled if Secret is set.
type Auth struct {
	Secret string                 `yaml:"secret"`
	Cookie string                 `yaml:"cookie"`
	Guest  map[string]interface{} `yaml:"guest"`
	User   map[string]interface{} `yaml:"user"`
}

// Tags defines the tags plugin configuration options.
type Tags struct {
	AllowClient bool `yaml:"allow_client"`
}

// Server defines the connection server configuration options.
type Server struct {
	// HTTP server configuration for the websocket handshake/upgrade
	Addr               string        `yaml:"addr"`
	Paths              []string      `yaml:"paths"`
	MaxHeaderBytes     int           `yaml:"max_header_bytes"`
	ReadBufferSize     int           `yaml:"read_buffer_size"`
	WriteBufferSize    int           `yaml:"write_buffer_size"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	WhitelistedOrigins []string      `yaml:"whitelisted_origins"`

	// websocket/connection configuration
	ReadLimit               int64         `yaml:"read_limit"`
	ReadTimeout             time.Duration `yaml:"read_timeout"`
	WriteLimit              int64         `yaml:"write_limit"`
	WriteTimeout            time.Duration `yaml:"write_timeout"`
	AcquireWriteLockTimeout time.Duration `yaml:"acquire_write_lock_timeout"`
	AckTimeout              time.Duration `yaml:"ack_timeout"`
	QueueSize               int           `yaml:"queue_size"`
	AllowEmptySubprotocol   bool          `yaml:"allow_empty_subprotocol"`
	SlowHandlerThreshold    time.Duration `yaml:"slow_handler_threshold"`

	// handler options
	CloseEvent string `yaml:"close_event"`
	PanicEvent string `yaml:"panic_event"`
}

// Config defines the configuration options of the server.
type Config struct {
	Server    *Server    `yaml:"server"`
	Broadcast *Broadcast `yaml:"broadcast"`
	Context   *Context   `yaml:"context"`
	Auth      *Auth      `yaml:"auth"`
	Tags      *Tags      `yaml:"tags"`
}

func getDefaultConfig() *Config {
	return &Config{
		Server: &Server{
			Addr:                  ":" + strconv.Itoa(*portFlag),
			Paths:                 []string{"/ws"},
			AllowEmptySubprotocol: *allowEmptyProtoFlag,
			SlowHandlerThreshold:  100 * time.Millisecond,
		},
		Broadcast: &Broadcast{
			Relay:         *relayFlag,
			Codec:         "json",
			LocalFallback: true,
			Redis: &Redis{
				Addr:    *redisAddrFlag,
				Cluster: *redisClusterFlag,
				MaxIdle: *redisMaxIdleFlag,
			},
			ZMQ: &ZMQ{
				PubEndpoint: *zmqPubFlag,
				SubEndpoint: *zmqSubFlag,
			},
		},
		Context: &Context{
			Mode: "protected",
		},
		Auth: &Auth{},
		Tags: &Tags{},
	}
}

func getConfigFromReader(r io.Reader) (*Config, error) {
	conf := getDefaultConfig()

	// set default values
	if r != nil {
		b, err := ioutil.ReadAll(r)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, conf); err != nil {
			return nil, err
		}
	}

	// yaml decodes nested maps with interface{} keys
	if conf.Context != nil {
		conf.Context.Proto = stringMap(conf.Context.Proto)
	}
	if conf.Auth != nil {
		conf.Auth.Guest = stringMap(conf.Auth.Guest)
		conf.Auth.User = stringMap(conf.Auth.User)
	}
	return conf, nil
}

func getConfigFromFile(file string) (*Config, error) {
	var r io.Reader
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		r = f
	}
	return getConfigFromReader(r)
}

func stringMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = stringKeys(v)
	}
	return out
}

func stringKeys(v interface{}) interface{} {
	switch v := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(v))
		for k, vv := range v {
			m[fmt.Sprint(k)] = stringKeys(vv)
		}
		return m
	case map[string]interface{}:
		return stringMap(v)
	case []interface{}:
		l := make([]interface{}, len(v))
		for i, vv := range v {
			l[i] = stringKeys(vv)
		}
		return l
	case int:
		// numbers received from peers are float64
		return float64(v)
	}
	return v
}

// checkConfig validates the sections that have a closed set of values.
func checkConfig(conf *Config) error {
	if conf.Server == nil || conf.Broadcast == nil || conf.Context == nil {
		return errors.New("server, broadcast and context sections are required")
	}

	switch conf.Broadcast.Relay {
	case "", "none":
	case "redis":
		if conf.Broadcast.Redis == nil || conf.Broadcast.Redis.Addr == "" {
			return errors.New("broadcast.redis.addr must be set for the redis relay")
		}
	case "zmq":
	default:
		return fmt.Errorf("invalid broadcast.relay %q", conf.Broadcast.Relay)
	}

	if _, err := message.CodecByName(conf.Broadcast.Codec); err != nil {
		return err
	}

	if _, err := parseMode(conf.Context.Mode); err != nil {
		return err
	}
	return nil
}
