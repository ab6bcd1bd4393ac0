// Command connection-relay runs the ZeroMQ proxy shared by the
// connection-server processes that use the zmq relay. Servers publish
// to its XSUB endpoint and subscribe to its XPUB endpoint.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dvv/connection/broadcast/zmqrelay"
	"go.uber.org/zap"
)

var (
	helpFlag  = flag.Bool("help", false, "Show help.")
	noLogFlag = flag.Bool("L", false, "Disable logging.")
	xsubFlag  = flag.String("xsub", "tcp://*:65454", "XSUB `endpoint` the servers publish to.")
	xpubFlag  = flag.String("xpub", "tcp://*:65455", "XPUB `endpoint` the servers subscribe to.")
)

func main() {
	flag.Parse()
	if *helpFlag {
		flag.Usage()
		return
	}

	logger := zap.NewNop()
	if !*noLogFlag {
		var err error
		if logger, err = zap.NewProduction(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
			os.Exit(1)
		}
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	p, err := zmqrelay.NewProxy(*xsubFlag, *xpubFlag)
	if err != nil {
		sugar.Fatalf("failed to start proxy: %v", err)
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		sugar.Infof("shutting down")
		if err := p.Close(); err != nil {
			sugar.Errorf("close failed: %v", err)
		}
	}()

	sugar.Infof("relaying %s to %s", *xsubFlag, *xpubFlag)
	if err := p.Run(); err != nil {
		sugar.Errorf("proxy stopped: %v", err)
	}
}
