// polyepoxide-sync replicates one DAG between a local store and a peer.
// It pulls by default and pushes with -push.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	polyepoxide "github.com/polyepoxide/polyepoxide"
	"github.com/polyepoxide/polyepoxide/pkg/hash"
	"github.com/polyepoxide/polyepoxide/pkg/logging"
)

func main() {
	var (
		dataPath  = flag.String("data", "", "data directory (empty runs in memory)")
		peerAddr  = flag.String("peer", "", "peer address to sync with")
		rootHex   = flag.String("root", "", "hex hash of the DAG root")
		schemaHex = flag.String("schema", "", "hex hash of the root's schema")
		pushMode  = flag.Bool("push", false, "push to the peer instead of pulling")
		debug     = flag.Bool("debug", false, "verbose logging")
	)
	flag.Parse()

	logger := logging.New(*debug)
	if *peerAddr == "" || *rootHex == "" || *schemaHex == "" {
		fmt.Fprintln(os.Stderr, "usage: polyepoxide-sync -peer ADDR -root HEX -schema HEX [-data DIR] [-push]")
		os.Exit(2)
	}

	root, err := hash.FromHex(*rootHex)
	if err != nil {
		logger.Error("bad root hash", "err", err)
		os.Exit(2)
	}
	schemaHash, err := hash.FromHex(*schemaHex)
	if err != nil {
		logger.Error("bad schema hash", "err", err)
		os.Exit(2)
	}

	conf := polyepoxide.Config{
		Peers:  []string{*peerAddr},
		Logger: logger,
	}
	if *dataPath != "" {
		conf.Paths = []string{*dataPath}
	}
	db, err := polyepoxide.New(conf)
	if err != nil {
		logger.Error("init", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := db.Start(ctx); err != nil {
		logger.Error("start", "err", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close(context.Background()) }()

	if *pushMode {
		err = db.Push(ctx, root, schemaHash)
	} else {
		err = db.Pull(ctx, root, schemaHash)
	}
	if err != nil {
		logger.Error("sync failed", "root", root.Short(), "err", err)
		os.Exit(1)
	}
	logger.Info("sync complete", "root", root.Short())
}
