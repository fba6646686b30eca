// Package app assembles one peer: host, database, session store,
// signaling, call controller, and the local control API.
package app

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/parleyhq/parley/internal/api"
	"github.com/parleyhq/parley/internal/call"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/p2p"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/signal"
	"github.com/parleyhq/parley/internal/state"
	"github.com/parleyhq/parley/internal/storage"
	"github.com/parleyhq/parley/internal/util"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

// Run starts the peer and blocks until ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	logBanner(opt.PeerDir, opt.CfgPath)

	// Label is the only setting applied live; everything else needs a
	// restart because it shapes the host or the database.
	var label atomic.Value
	label.Store(cfg.Profile.Label)
	selfLabel := func() string { return label.Load().(string) }

	peers := state.NewPeerTable()

	keyPath := util.ResolvePath(opt.PeerDir, cfg.Identity.KeyFile)
	presenceTTL := time.Duration(cfg.Presence.TTLSec) * time.Second
	node, err := p2p.New(ctx, cfg.P2P.ListenPort, keyPath, cfg.P2P.MdnsTag, cfg.Presence.Topic, peers, selfLabel, presenceTTL)
	if err != nil {
		return err
	}
	defer node.Close()
	log.Printf("peer id: %s", node.ID())

	db, err := storage.Open(opt.PeerDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	store := session.NewStore(db, node.ID())
	session.NewReplicator(node.Host, store)

	transport := signal.New(ctx, node.PubSub(), node.ID())
	defer transport.Close()

	ctrl := call.NewController(transport, store, cfg.Call)
	defer ctrl.Close()

	// Keep a short tail of call events so API clients that reconnect to the
	// event stream can catch up.
	eventLog := util.NewRingBuffer[call.Event](128)
	events, cancelEvents := ctrl.Subscribe()
	defer cancelEvents()
	go func() {
		for ev := range events {
			eventLog.Push(ev)
		}
	}()

	node.RunPresenceLoop(ctx)
	node.StartHeartbeat(ctx, time.Duration(cfg.Presence.HeartbeatSec)*time.Second)

	go watchConfig(ctx, opt.CfgPath, &label)

	if cfg.API.HTTPAddr == "" {
		<-ctx.Done()
		return nil
	}

	addr, url := NormalizeLocalAddr(cfg.API.HTTPAddr)
	srv := api.New(addr, api.Deps{
		SelfID:    node.ID(),
		SelfLabel: selfLabel,
		Addrs: func() []string {
			var out []string
			for _, a := range node.Host.Addrs() {
				out = append(out, a.String())
			}
			return out
		},
		Peers:      peers,
		Store:      store,
		Controller: ctrl,
		EventLog:   eventLog.Snapshot,
	})
	log.Printf("control API: %s", url)
	return srv.Start(ctx)
}

// watchConfig hot-reloads the profile label when the config file changes.
func watchConfig(ctx context.Context, cfgPath string, label *atomic.Value) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("CONFIG: watcher unavailable: %v", err)
		return
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files on save and
	// a file-level watch dies with the old inode.
	if err := watcher.Add(filepath.Dir(cfgPath)); err != nil {
		log.Printf("CONFIG: watch %s: %v", cfgPath, err)
		return
	}
	target := filepath.Base(cfgPath)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			cfg, err := config.Load(cfgPath)
			if err != nil {
				log.Printf("CONFIG: reload failed: %v", err)
				continue
			}
			if cfg.Profile.Label != label.Load().(string) {
				label.Store(cfg.Profile.Label)
				log.Printf("CONFIG: label updated to %q", cfg.Profile.Label)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("CONFIG: watcher error: %v", err)
		}
	}
}
