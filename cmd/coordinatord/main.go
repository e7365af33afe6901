// Command coordinatord is the composition root wiring the Cluster
// Coordinator and the per-job Barrier Coordinator registry against
// either an etcd-backed deployment or an in-memory development setup.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/flowmesh/coordinator/barrier"
	"github.com/flowmesh/coordinator/checkpoint"
	"github.com/flowmesh/coordinator/checkpoint/etcdcas"
	"github.com/flowmesh/coordinator/checkpoint/memcas"
	"github.com/flowmesh/coordinator/cluster"
	"github.com/flowmesh/coordinator/factstore/memdbstore"
	"github.com/flowmesh/coordinator/internal/metrics"
	"github.com/flowmesh/coordinator/messenger"
	"github.com/flowmesh/coordinator/messenger/inproc"
	"github.com/flowmesh/coordinator/syncstore"
	"github.com/flowmesh/coordinator/syncstore/etcdstore"
	"github.com/flowmesh/coordinator/syncstore/memstore"
)

func main() {
	var (
		tenancyID      = flag.String("tenancy-id", "default", "checkpoint/barrier namespace")
		etcdEndpoints  = flag.String("etcd-endpoints", "", "comma-separated etcd endpoints; empty runs in-memory dev mode")
		etcdPrefix     = flag.String("etcd-prefix", "/flowmesh", "key prefix under which sync-store and checkpoint state live")
		leaseTTL       = flag.Duration("lease-ttl", 15*time.Second, "etcd sync-store lease TTL")
		historyDepth   = flag.Int("history-depth", 256, "fact-store transaction history ring size")
		revokeDelay    = flag.Duration("revoke-delay", 30*time.Second, "peer ack deadline before eviction")
		heartbeatEvery = flag.Duration("barrier-heartbeat", 10*time.Second, "barrier publisher heartbeat cadence")
		barrierEvery   = flag.Duration("barrier-period", 30*time.Second, "periodic barrier cadence")
		jsonLogs       = flag.Bool("json-logs", false, "emit structured JSON logs instead of text")
	)
	flag.Parse()

	logger := logrus.New()
	if *jsonLogs {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	entry := logrus.NewEntry(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fact, err := memdbstore.New(*historyDepth)
	if err != nil {
		entry.WithError(err).Fatal("coordinatord: construct fact store")
	}

	provider := metrics.NewBasicProvider()

	var (
		syncBackend  = newSyncStore(entry, *etcdEndpoints, *etcdPrefix, *leaseTTL)
		checkpoints  = newCheckpointStore(entry, *etcdEndpoints, *etcdPrefix)
		msngrFactory = func(jobID string) messenger.Messenger {
			return inproc.NewMessenger(inproc.NewBus())
		}
	)

	sup := cluster.NewSupervisor(ctx, fact, syncBackend,
		cluster.WithRevokeDelay(*revokeDelay),
		cluster.WithMetrics(provider),
		cluster.WithLogger(entry.WithField("component", "cluster")),
	)
	defer sup.Close()

	registry := barrier.NewRegistry(sup, msngrFactory, checkpoints, entry.WithField("component", "barrier"),
		barrier.WithTenancyID(*tenancyID),
		barrier.WithHeartbeatPeriod(*heartbeatEvery),
		barrier.WithBarrierPeriod(*barrierEvery),
		barrier.WithMetrics(provider),
		barrier.WithOnFatal(func(jobID, peerID string, err error) {
			entry.WithFields(logrus.Fields{"job_id": jobID, "peer_id": peerID}).
				WithError(err).Error("barrier: coordinator requesting restart")
		}),
	)
	registry.Start(ctx)
	defer registry.Stop()

	entry.Info("coordinatord: running")
	<-ctx.Done()
	entry.Info("coordinatord: shutting down")
}

func newSyncStore(entry *logrus.Entry, endpoints, prefix string, leaseTTL time.Duration) syncstore.Store {
	if endpoints == "" {
		entry.Info("coordinatord: no etcd endpoints given, using in-memory sync store")
		return memstore.New()
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   splitCSV(endpoints),
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		entry.WithError(err).Fatal("coordinatord: connect to etcd")
	}
	return etcdstore.New(client, prefix, leaseTTL)
}

func newCheckpointStore(entry *logrus.Entry, endpoints, prefix string) checkpoint.Store {
	if endpoints == "" {
		return memcas.New()
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   splitCSV(endpoints),
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		entry.WithError(err).Fatal("coordinatord: connect to etcd for checkpoints")
	}
	return etcdcas.New(client, prefix)
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
