// Command mlst-node runs one node of the maximum-leaf spanning tree mesh
// over real UDP sockets, wiring pkg/pvn, pkg/rsu and pkg/mlst together the
// way cmd/exporter_example2 wires pkg/exporter onto a live HTTP server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/dkrupke/mlst-mesh/pkg/clock"
	"github.com/dkrupke/mlst-mesh/pkg/diag"
	"github.com/dkrupke/mlst-mesh/pkg/kernel"
	"github.com/dkrupke/mlst-mesh/pkg/metrics"
	"github.com/dkrupke/mlst-mesh/pkg/mlst"
	"github.com/dkrupke/mlst-mesh/pkg/pvn"
	"github.com/dkrupke/mlst-mesh/pkg/radio"
	"github.com/dkrupke/mlst-mesh/pkg/radio/udpradio"
	"github.com/dkrupke/mlst-mesh/pkg/rsu"
	"github.com/dkrupke/mlst-mesh/pkg/wire"
)

// packetBufCapacity is the initial capacity of the node's single shared
// staging buffer. PVN frames (at most an EA public variable plus the 2-byte
// id header) fit well under it; RSU data frames carry application payloads
// of any length, and Fill grows the buffer for a frame larger than this.
const packetBufCapacity = 256

func main() {
	var (
		id          = flag.Uint("id", 0, "this node's 16-bit id (required)")
		root        = flag.Bool("root", false, "run as the tree root / data sink")
		energy      = flag.Bool("energy-aware", false, "use the three-tier energy-aware variant")
		peersPath   = flag.String("peers", "", "path to a JSON {\"id\": \"host\"} peer table (required)")
		pvnPort     = flag.Int("pvn-port", 154, "PVN broadcast port")
		msgPort     = flag.Int("msg-port", 181, "RSU messaging port")
		ackPort     = flag.Int("ack-port", 182, "RSU acknowledgement port")
		broadcast   = flag.String("broadcast-addr", "255.255.255.255", "PVN broadcast destination")
		basePeriod  = flag.Duration("base-period", time.Second, "MLST round base period")
		diagAddr    = flag.String("diag-addr", ":9181", "address for the /state and /metrics HTTP endpoints")
		energyState = flag.String("energy-state", "", "initial energy tier for the energy-aware variant: high, middle or low")
	)
	flag.Parse()

	if *peersPath == "" {
		logrus.Fatal("mlst-node: -peers is required")
	}
	nodeID := uint16(*id)

	log := logrus.WithField("node_id", nodeID)
	if release, err := kernel.Release(); err == nil {
		log = log.WithField("kernel", release)
	}

	hosts, err := readPeerHosts(*peersPath)
	if err != nil {
		log.WithError(err).Fatal("mlst-node: loading peer table")
	}
	peers, localHost, err := buildPeerTable(hosts, nodeID)
	if err != nil {
		log.WithError(err).Fatal("mlst-node: building peer table")
	}

	clk := clock.NewSystem()
	rnd := clock.NewRand(nodeID)

	var policy mlst.TierPolicy = mlst.PlainPolicy{}
	if *energy {
		policy = mlst.EnergyAwarePolicy{}
	}

	buf := radio.NewPacketBuf(packetBufCapacity)
	bcast, err := udpradio.NewBroadcast(nodeID, "0.0.0.0", *broadcast, *pvnPort, buf, log)
	if err != nil {
		log.WithError(err).Fatal("mlst-node: creating broadcast channel")
	}
	data := udpradio.NewUnicast(nodeID, *msgPort, peers, buf, log)
	ack := udpradio.NewUnicast(nodeID, *ackPort, peers, buf, log)

	p := pvn.New(pvn.Config{
		Port:         *pvnPort,
		VariableSize: policy.VariableSize(),
		MaxAge:       5,
	}, bcast, clk, log)

	rsuCfg := rsu.DefaultConfig()
	rsuCfg.Root = *root
	rsuCfg.MessagingPort = *msgPort
	rsuCfg.AcknowledgementPort = *ackPort
	r := rsu.New(rsuCfg, data, ack, rnd, log)
	if *root {
		r.SetNewMessageCallback(func(payload []byte) {
			log.WithField("bytes", len(payload)).Info("mlst-node: delivered payload at root")
		})
	}
	r.SetFailureCallback(func(parentID uint16, tries uint8) {
		log.WithFields(logrus.Fields{"parent": parentID, "tries": tries}).Warn("mlst-node: rsu send failure")
	})

	cfg := mlst.DefaultConfig()
	cfg.ID = nodeID
	cfg.Root = *root
	cfg.Policy = policy
	cfg.BasePeriod = *basePeriod

	node := mlst.New(cfg, p, r, clk, rnd, log)
	p.SetCallbacks(node.Callbacks())

	if tier, ok := parseEnergyTier(*energyState); ok {
		node.SetEnergyState(tier)
	}

	// node_id is already a variable label of every metric; repeating it as a
	// constant label would make the descriptors invalid.
	collector := metrics.NewCollector(nil, func(err error) {
		log.WithError(err).Warn("mlst-node: metrics encoding error")
	})
	collector.Add(nodeID, metrics.Source{MLST: node, PVN: p})
	prometheus.MustRegister(collector)

	server := diag.New(node, p, r, diag.Channels{Broadcast: bcast, Data: data, Ack: ack}, prometheus.DefaultGatherer, log)
	go func() {
		if err := server.ListenAndServe(*diagAddr); err != nil {
			log.WithError(err).Error("mlst-node: diagnostics server exited")
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.WithFields(logrus.Fields{"host": localHost, "diag_addr": *diagAddr}).Info("mlst-node: starting")

	go r.Run(ctx)

	if err := node.Run(ctx); err != nil {
		log.WithError(err).Fatal("mlst-node: node run exited")
	}
}

func parseEnergyTier(s string) (tier wire.EnergyTier, ok bool) {
	switch s {
	case "high":
		return wire.EnergyHigh, true
	case "middle":
		return wire.EnergyMiddle, true
	case "low":
		return wire.EnergyLow, true
	default:
		return wire.EnergyUndefined, false
	}
}

// buildPeerTable parses hosts (string id -> host) into a PeerTable and
// reports the host configured for localID, if any.
func buildPeerTable(hosts map[string]string, localID uint16) (*udpradio.PeerTable, string, error) {
	t := udpradio.NewPeerTable()
	var localHost string
	for idStr, host := range hosts {
		id, err := strconv.ParseUint(idStr, 10, 16)
		if err != nil {
			return nil, "", err
		}
		if err := t.Set(uint16(id), host); err != nil {
			return nil, "", err
		}
		if uint16(id) == localID {
			localHost = host
		}
	}
	return t, localHost, nil
}

func readPeerHosts(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var hosts map[string]string
	if err := json.Unmarshal(b, &hosts); err != nil {
		return nil, err
	}
	return hosts, nil
}
