package zmqrelay

import (
	"fmt"
	"sync/atomic"

	zmq "github.com/pebbe/zmq4"
)

var proxyCount int64

// Proxy forwards the messages published on its XSUB endpoint to the
// subscribers of its XPUB endpoint. All relays of a cluster connect to
// the same proxy.
type Proxy struct {
	xsub, xpub *zmq.Socket

	// the control pair, the server side is owned by Run
	ctrlServer, ctrlClient *zmq.Socket

	done chan error
}

// NewProxy binds the proxy sockets on the endpoints, e.g. "tcp://*:65454"
// and "tcp://*:65455".
func NewProxy(xsubEndpoint, xpubEndpoint string) (*Proxy, error) {
	p := &Proxy{done: make(chan error, 1)}

	var err error
	closeAll := func() {
		for _, s := range []*zmq.Socket{p.xsub, p.xpub, p.ctrlServer, p.ctrlClient} {
			if s != nil {
				s.Close()
			}
		}
	}

	if p.xsub, err = bindSocket(zmq.XSUB, xsubEndpoint); err != nil {
		closeAll()
		return nil, err
	}
	if p.xpub, err = bindSocket(zmq.XPUB, xpubEndpoint); err != nil {
		closeAll()
		return nil, err
	}

	ctrl := fmt.Sprintf("inproc://zmqrelay-proxy-%d", atomic.AddInt64(&proxyCount, 1))
	if p.ctrlServer, err = bindSocket(zmq.PAIR, ctrl); err != nil {
		closeAll()
		return nil, err
	}
	if p.ctrlClient, err = zmq.NewSocket(zmq.PAIR); err != nil {
		closeAll()
		return nil, err
	}
	if err = p.ctrlClient.Connect(ctrl); err != nil {
		closeAll()
		return nil, err
	}
	return p, nil
}

func bindSocket(t zmq.Type, endpoint string) (*zmq.Socket, error) {
	s, err := zmq.NewSocket(t)
	if err != nil {
		return nil, err
	}
	if err := s.Bind(endpoint); err != nil {
		s.Close()
		return nil, fmt.Errorf("zmqrelay: bind %s: %w", endpoint, err)
	}
	return s, nil
}

// Run forwards the messages until Close is called.
func (p *Proxy) Run() error {
	err := zmq.ProxySteerable(p.xsub, p.xpub, nil, p.ctrlServer)
	p.xsub.Close()
	p.xpub.Close()
	p.ctrlServer.Close()
	p.done <- err
	return err
}

// Close stops Run and waits for it to return.
func (p *Proxy) Close() error {
	if _, err := p.ctrlClient.Send("TERMINATE", 0); err != nil {
		return err
	}
	err := <-p.done
	p.ctrlClient.Close()
	return err
}
