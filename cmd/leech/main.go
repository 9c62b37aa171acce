// Command leech is a thin wiring demonstration, not a CLI: it loads a
// single .torrent file, opens a listening socket, and runs the event
// loop until the process is interrupted. It does not exit when the
// download completes.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/arashkasraei/gotorrent/config"
	"github.com/arashkasraei/gotorrent/controller"
	"github.com/arashkasraei/gotorrent/eventloop"
	"github.com/arashkasraei/gotorrent/filemap"
	"github.com/arashkasraei/gotorrent/metainfo"
	"github.com/arashkasraei/gotorrent/piecestore"
)

func main() {
	torrentPath := flag.String("torrent", "", "path to a .torrent file")
	downloadDir := flag.String("dir", ".", "directory to download into")
	configPath := flag.String("config", "", "optional YAML config overlay")
	flag.Parse()

	log := logrus.WithField("component", "leech")

	if *torrentPath == "" {
		fmt.Fprintln(os.Stderr, "usage: leech -torrent FILE.torrent [-dir DIR] [-config FILE.yaml]")
		os.Exit(2)
	}

	cfg := config.Defaults()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.WithError(err).Fatal("loading config")
		}
		cfg = loaded
	}

	tor, err := buildTorrent(*torrentPath, *downloadDir, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("setting up torrent")
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.ListenPort))
	if err != nil {
		log.WithError(err).Fatal("listening")
	}
	defer listener.Close()

	loop := eventloop.New([]*controller.Torrent{tor}, listener, cfg, nil, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.WithField("info_hash", fmt.Sprintf("%x", tor.Meta.InfoHash)).Info("starting event loop")
	if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("event loop exited")
	}
}

func buildTorrent(torrentPath, downloadDir string, cfg config.Config, log logrus.FieldLogger) (*controller.Torrent, error) {
	f, err := os.Open(torrentPath)
	if err != nil {
		return nil, fmt.Errorf("opening torrent file: %w", err)
	}
	defer f.Close()

	meta, err := metainfo.Load(f)
	if err != nil {
		return nil, fmt.Errorf("decoding metainfo: %w", err)
	}

	mapper, err := filemap.New(downloadDir, meta.Name, meta.Files, meta.PieceLength)
	if err != nil {
		return nil, fmt.Errorf("mapping files: %w", err)
	}

	store := piecestore.New(mapper, meta.PieceLength, meta.TotalLength, meta.PieceHashes, log)

	peerID, err := randomPeerID()
	if err != nil {
		return nil, fmt.Errorf("generating peer id: %w", err)
	}

	tor := controller.New(meta, mapper, store, peerID, uint16(cfg.ListenPort), log)
	tor.MaxPipeline = cfg.MaxPipeline
	tor.MaxRequestBytes = cfg.MaxRequestBytes
	tor.BlockSize = cfg.BlockSize
	tor.MaxPeers = cfg.MaxPeers
	tor.InitTrackers(cfg.TrackerTimeout, nil)

	return tor, nil
}

// randomPeerID builds a peer id with the "-GR0001-" Azureus-style
// prefix this client identifies itself with, followed by random bytes.
func randomPeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], "-GR0001-")
	if _, err := rand.Read(id[8:]); err != nil {
		return id, err
	}
	return id, nil
}
