// Command connection-server implements a connection broker that listens
// for websocket connections, keeps a shared context per connection and
// broadcasts events across the broker processes that share a relay. It
// is mostly useful as a testing and debugging tool, typical applications
// will use the connection packages as a library in their own main
// command.
package main

import (
	"expvar"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/context"

	"github.com/dvv/connection"
	"github.com/dvv/connection/auth"
	"github.com/dvv/connection/broadcast"
	"github.com/dvv/connection/broadcast/redisrelay"
	"github.com/dvv/connection/broadcast/zmqrelay"
	"github.com/dvv/connection/internal/srvhandler"
	"github.com/dvv/connection/message"
	"github.com/dvv/connection/shared"
	"github.com/dvv/connection/tags"
	"github.com/gomodule/redigo/redis"
	"github.com/gorilla/websocket"
	"github.com/mna/redisc"
	"go.uber.org/zap"
)

var (
	allowEmptyProtoFlag = flag.Bool("allow-empty-subprotocol", false, "Allow empty subprotocol during handshake.")
	configFlag          = flag.String("config", "", "Path of the configuration `file`.")
	helpFlag            = flag.Bool("help", false, "Show help.")
	noLogFlag           = flag.Bool("L", false, "Disable logging.")
	portFlag            = flag.Int("port", 9000, "Server `port`.")
	relayFlag           = flag.String("relay", "none", "Broadcast `relay`: none, redis or zmq.")
	redisAddrFlag       = flag.String("redis", ":6379", "Redis `address`.")
	redisClusterFlag    = flag.Bool("redis-cluster", false, "Use redis cluster.")
	redisMaxIdleFlag    = flag.Int("redis-max-idle", 0, "Maximum idle `connections`.")
	zmqPubFlag          = flag.String("zmq-pub", zmqrelay.DefaultPubEndpoint, "ZeroMQ relay publish `endpoint`.")
	zmqSubFlag          = flag.String("zmq-sub", zmqrelay.DefaultSubEndpoint, "ZeroMQ relay subscribe `endpoint`.")
)

// the example events of the handler
const (
	typedEvent    = "you typed"
	wasTypedEvent = "was typed"
)

func main() {
	flag.Parse()
	if *helpFlag {
		flag.Usage()
		return
	}

	conf, err := getConfigFromFile(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration file: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}
	if err := checkConfig(conf); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		flag.Usage()
		os.Exit(3)
	}

	logger := zap.NewNop()
	if !*noLogFlag {
		if logger, err = zap.NewProduction(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
			os.Exit(1)
		}
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	logFn := sugar.Infof

	vars := expvar.NewMap("connection")
	connection.SlowHandlerThreshold = conf.Server.SlowHandlerThreshold

	m := newManager(conf.Server, logFn, vars)
	if err := usePlugins(m, conf, logFn, vars); err != nil {
		sugar.Fatalf("failed to enable plugins: %v", err)
	}
	m.Handler = newHandler(m, conf.Server, logFn)

	upg := newUpgrader(conf.Server) // must be after newManager, for Subprotocols

	upgh := connection.Upgrade(upg, m)
	for _, p := range conf.Server.Paths {
		http.Handle(p, upgh)
	}

	httpSrv := newHTTPServer(conf.Server)
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		logFn("shutting down")
		httpSrv.Close()
	}()

	logFn("listening for connections on %s", conf.Server.Addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		sugar.Fatalf("ListenAndServe failed: %v", err)
	}
	if err := m.Close(); err != nil {
		sugar.Errorf("close failed: %v", err)
	}
}

func newManager(conf *Server, logFn func(string, ...interface{}), vars *expvar.Map) *connection.Manager {
	if conf.AllowEmptySubprotocol {
		connection.Subprotocols = append(connection.Subprotocols, "")
	}

	cs := srvhandler.LogConn(logFn)
	if *noLogFlag {
		cs = nil
	}
	return &connection.Manager{
		Config: connection.Config{
			ReadLimit:               conf.ReadLimit,
			ReadTimeout:             conf.ReadTimeout,
			WriteLimit:              conf.WriteLimit,
			WriteTimeout:            conf.WriteTimeout,
			AcquireWriteLockTimeout: conf.AcquireWriteLockTimeout,
			AckTimeout:              conf.AckTimeout,
			QueueSize:               conf.QueueSize,
			LogFunc:                 logFn,
			Vars:                    vars,
		},
		ConnState: cs,
	}
}

func parseMode(s string) (shared.Mode, error) {
	switch s {
	case "protected":
		return shared.Protected, nil
	case "unprotected":
		return shared.Unprotected, nil
	}
	return 0, fmt.Errorf("invalid context.mode %q", s)
}

// usePlugins enables the capabilities in dependency order.
func usePlugins(m *connection.Manager, conf *Config, logFn func(string, ...interface{}), vars *expvar.Map) error {
	if err := m.Use(connection.Registry{}); err != nil {
		return err
	}

	mode, err := parseMode(conf.Context.Mode)
	if err != nil {
		return err
	}
	if err := m.Use(&shared.Plugin{Config: shared.Config{Mode: mode, Proto: conf.Context.Proto}}); err != nil {
		return err
	}

	relay, err := newRelay(conf.Broadcast, logFn, vars)
	if err != nil {
		return err
	}
	codec, err := message.CodecByName(conf.Broadcast.Codec)
	if err != nil {
		return err
	}
	if err := m.Use(&broadcast.Engine{
		Relay:           relay,
		Codec:           codec,
		NoLocalFallback: !conf.Broadcast.LocalFallback,
	}); err != nil {
		return err
	}

	if conf.Tags != nil {
		if err := m.Use(&tags.Plugin{AllowClient: conf.Tags.AllowClient}); err != nil {
			return err
		}
	}

	if conf.Auth != nil && conf.Auth.Secret != "" {
		res := auth.Compose(
			&auth.JWTResolver{Secret: []byte(conf.Auth.Secret), Cookie: conf.Auth.Cookie},
			&auth.StaticAuthorizer{Guest: conf.Auth.Guest, User: conf.Auth.User},
		)
		if err := m.Use(&auth.Plugin{Resolver: res}); err != nil {
			return err
		}
	}
	return nil
}

// newRelay returns the configured relay, nil for local broadcasts.
func newRelay(conf *Broadcast, logFn func(string, ...interface{}), vars *expvar.Map) (broadcast.Relay, error) {
	switch conf.Relay {
	case "redis":
		rc := conf.Redis
		createPoolFn := redisPoolCreateFunc(rc)

		var (
			pool redisrelay.Pool
			dial func() (redis.Conn, error)
		)
		if rc.Cluster {
			cluster, err := newRedisCluster(rc.Addr, createPoolFn)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to redis cluster: %w", err)
			}
			pool, dial = cluster, cluster.Dial
			logFn("redis cluster configured on %s", rc.Addr)
		} else {
			p, err := createPoolFn(rc.Addr)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to redis pool: %w", err)
			}
			pool, dial = p, p.Dial
			logFn("redis pool configured on %s", rc.Addr)
		}
		return &closePool{
			Relay: &redisrelay.Relay{
				Pool:       pool,
				Dial:       dial,
				Channel:    rc.Channel,
				RetryDelay: rc.RetryDelay,
				LogFunc:    logFn,
				Vars:       vars,
			},
			pool: pool,
		}, nil

	case "zmq":
		r, err := zmqrelay.Dial(conf.ZMQ.PubEndpoint, conf.ZMQ.SubEndpoint, zmqrelay.SetLogFunc(logFn), zmqrelay.SetVars(vars))
		if err != nil {
			return nil, err
		}
		logFn("zmq relay configured on %s (pub) and %s (sub)", conf.ZMQ.PubEndpoint, conf.ZMQ.SubEndpoint)
		return r, nil
	}
	return nil, nil
}

// closePool closes the redis pool with the relay.
type closePool struct {
	*redisrelay.Relay
	pool io.Closer
}

func (c *closePool) Close() error {
	err := c.Relay.Close()
	if err2 := c.pool.Close(); err == nil {
		err = err2
	}
	return err
}

// internal events are handled by the plugins
var pluginEvents = map[string]bool{
	message.UpdateEvent: true,
	message.InvokeEvent: true,
	message.AuthEvent:   true,
	tags.TagEvent:       true,
	tags.UntagEvent:     true,
}

func newHandler(m *connection.Manager, conf *Server, logFn func(string, ...interface{})) connection.Handler {
	closeEvent := conf.CloseEvent
	panicEvent := conf.PanicEvent
	writeTimeout := conf.WriteTimeout
	e := broadcast.From(m)

	process := connection.HandlerFunc(func(ctx context.Context, c *connection.Conn, ev *message.Event) {
		switch {
		case pluginEvents[ev.Name]:
			return

		case closeEvent != "" && ev.Name == closeEvent:
			wsc := c.UnderlyingConn()

			deadline := time.Now().Add(writeTimeout)
			if writeTimeout == 0 {
				deadline = time.Time{}
			}

			if err := wsc.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
				deadline); err != nil {

				logFn("WriteControl failed: %v", err)
			}
			return

		case panicEvent != "" && ev.Name == panicEvent:
			panic("called panic event")

		case ev.Name == typedEvent:
			var text interface{}
			if len(ev.Args) > 0 {
				text = ev.Args[0]
			}
			if err := e.Forall(c.ID.String()).Send(wasTypedEvent, text); err != nil {
				logFn("%v: broadcast failed: %v", c.ID, err)
			}
			return
		}

		// echo, with a reply if the peer asked for one
		args := ev.Args
		if tok, ok := ev.AckToken(); ok {
			c.Ack(tok, args[:len(args)-1]...)
			return
		}
		c.Send(ev.Name, args...)
	})

	chain := []connection.Handler{process}
	if !*noLogFlag {
		chain = append([]connection.Handler{srvhandler.LogEvent(logFn)}, chain...)
	}
	return srvhandler.PanicRecover(srvhandler.Chain(chain...), m.Vars)
}

func isIn(list []string, v string) bool {
	for _, vv := range list {
		if v == vv {
			return true
		}
	}
	return false
}

func newUpgrader(conf *Server) *websocket.Upgrader {
	upg := &websocket.Upgrader{
		HandshakeTimeout: conf.HandshakeTimeout,
		ReadBufferSize:   conf.ReadBufferSize,
		WriteBufferSize:  conf.WriteBufferSize,
		Subprotocols:     connection.Subprotocols,
	}

	if len(conf.WhitelistedOrigins) > 0 {
		oris := conf.WhitelistedOrigins
		upg.CheckOrigin = func(r *http.Request) bool {
			o := r.Header.Get("Origin")
			return isIn(oris, o)
		}
	}
	return upg
}

func newHTTPServer(conf *Server) *http.Server {
	return &http.Server{
		Addr:           conf.Addr,
		ReadTimeout:    conf.ReadTimeout,
		WriteTimeout:   conf.WriteTimeout,
		MaxHeaderBytes: conf.MaxHeaderBytes,
	}
}

func newRedisCluster(addr string, createPool func(string, ...redis.DialOption) (*redis.Pool, error)) (*redisc.Cluster, error) {
	c := &redisc.Cluster{
		StartupNodes: []string{addr},
		CreatePool:   createPool,
	}
	err := c.Refresh()
	return c, err
}

func redisPoolCreateFunc(conf *Redis) func(string, ...redis.DialOption) (*redis.Pool, error) {
	return func(addr string, opts ...redis.DialOption) (*redis.Pool, error) {
		p := &redis.Pool{
			MaxIdle:     conf.MaxIdle,
			MaxActive:   conf.MaxActive,
			IdleTimeout: conf.IdleTimeout,
			Dial: func() (redis.Conn, error) {
				return redis.Dial("tcp", addr, opts...)
			},
			TestOnBorrow: func(c redis.Conn, t time.Time) error {
				_, err := c.Do("PING")
				return err
			},
		}

		// test the connection so that it fails fast if redis is not available
		c := p.Get()
		defer c.Close()

		if _, err := c.Do("PING"); err != nil {
			return nil, err
		}
		return p, nil
	}
}
