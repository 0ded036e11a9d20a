package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nearline/nlds/pkg/archive"
	"github.com/nearline/nlds/pkg/catalog"
	"github.com/nearline/nlds/pkg/config"
	"github.com/nearline/nlds/pkg/index"
	"github.com/nearline/nlds/pkg/log"
	"github.com/nearline/nlds/pkg/metrics"
	"github.com/nearline/nlds/pkg/monitor"
	"github.com/nearline/nlds/pkg/objectstore"
	"github.com/nearline/nlds/pkg/orchestrator"
	"github.com/nearline/nlds/pkg/rabbit"
	"github.com/nearline/nlds/pkg/tape"
	"github.com/nearline/nlds/pkg/transfer"
	"github.com/nearline/nlds/pkg/types"
)

// connect dials the broker and builds the shared publisher.
func connect() (*rabbit.Connection, *rabbit.Publisher, error) {
	conn, err := rabbit.Connect(cfg.Broker)
	if err != nil {
		return nil, nil, err
	}
	pub, err := rabbit.NewPublisher(conn, cfg.Broker.DelayJournal)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, pub, nil
}

// runConsumer wires one consumer up and blocks until a signal arrives.
// makeHandler receives the process's shared publisher.
func runConsumer(queue string, bindings []string, wcfg config.Worker,
	makeHandler func(pub *rabbit.Publisher) rabbit.Handler) error {
	conn, pub, err := connect()
	if err != nil {
		return err
	}
	defer conn.Close()
	defer pub.Close()

	consumer := rabbit.NewConsumer(conn, pub, queue, bindings, wcfg, makeHandler(pub))
	consumer.OnExhausted = func(key string, msg *types.Message, reason string) {
		// The sub record fails once the redeliveries are spent.
		out := types.NewMessage(msg.Details)
		out.Meta = msg.Meta
		out.Details.State = types.StateFailed
		out.Details.Failure = reason
		if err := pub.Publish(rabbit.Key(rabbit.QueueMonitorPut, rabbit.ActionStart),
			out, rabbit.PublishOptions{}); err != nil {
			log.Errorf("Failed to report exhausted message", err)
		}
	}
	consumer.Start()
	defer consumer.Stop()

	if wcfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(wcfg.MetricsAddr); err != nil {
				log.Errorf("Metrics endpoint failed", err)
			}
		}()
	}
	log.WithWorker(queue).Info().Msg("Worker running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.WithWorker(queue).Info().Msg("Worker shutting down")
	return nil
}

// storeFor builds the object store client of one worker section. The
// service identity's keys come from the environment; when NLDS_ACCESS_KEY
// is unset, the cronjob publisher's keys from the config file are used.
func storeFor(wcfg config.Worker) (objectstore.Store, error) {
	tenancy := wcfg.Tenancy
	if tenancy == "" {
		tenancy = wcfg.DefaultTenancy
	}
	accessKey := os.Getenv("NLDS_ACCESS_KEY")
	secretKey := os.Getenv("NLDS_SECRET_KEY")
	if accessKey == "" {
		accessKey = cfg.CronjobPublisher.AccessKey
		secretKey = cfg.CronjobPublisher.SecretKey
	}
	return objectstore.NewMinioStore(objectstore.Options{
		Tenancy:   tenancy,
		AccessKey: accessKey,
		SecretKey: secretKey,
		Secure:    wcfg.RequireSecure,
		Uploaders: wcfg.NumParallelUploads,
	})
}

// tapeFor builds the tape client of one worker section.
func tapeFor(wcfg config.Worker) (tape.Client, tape.URL, error) {
	raw := wcfg.TapeURL
	if raw == "" {
		raw = wcfg.DefaultTapeURL
	}
	u, err := tape.ParseURL(raw)
	if err != nil {
		return nil, tape.URL{}, err
	}
	client, err := tape.NewDirClient(u.BaseDir)
	if err != nil {
		return nil, tape.URL{}, err
	}
	return client, u, nil
}

var orchestratorCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Run the routing worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConsumer(rabbit.QueueRoute, orchestrator.Bindings(), cfg.MonitorQ,
			func(pub *rabbit.Publisher) rabbit.Handler {
				return orchestrator.New(pub).Handle
			})
	},
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Run the catalog worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := catalog.OpenDB(cfg.CatalogQ.DBEngine, cfg.CatalogQ.DBOptions)
		if err != nil {
			return err
		}
		defer db.Close()
		cat := catalog.NewForEngine(db, cfg.CatalogQ.DBEngine)
		return runConsumer(rabbit.QueueCatalog, catalog.Bindings(), cfg.CatalogQ,
			func(pub *rabbit.Publisher) rabbit.Handler {
				return catalog.NewWorker(cat, pub).Handle
			})
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the monitor worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := monitor.OpenDB(cfg.MonitorQ.DBEngine, cfg.MonitorQ.DBOptions)
		if err != nil {
			return err
		}
		defer db.Close()
		mon := monitor.NewForEngine(db, cfg.MonitorQ.DBEngine)
		return runConsumer(rabbit.QueueMonitor, monitor.Bindings(), cfg.MonitorQ,
			func(pub *rabbit.Publisher) rabbit.Handler {
				return monitor.NewWorker(mon, pub).Handle
			})
	},
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Run the indexing worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConsumer(rabbit.QueueIndex, index.Bindings(), cfg.IndexQ,
			func(pub *rabbit.Publisher) rabbit.Handler {
				return index.New(pub, cfg.IndexQ).Handle
			})
	},
}

var transferPutCmd = &cobra.Command{
	Use:   "transfer-put",
	Short: "Run the object upload worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := storeFor(cfg.TransferPutQ)
		if err != nil {
			return err
		}
		return runConsumer(rabbit.QueueTransferPut, transfer.PutBindings(), cfg.TransferPutQ,
			func(pub *rabbit.Publisher) rabbit.Handler {
				return transfer.NewPutWorker(pub, store, cfg.TransferPutQ, cfg.AccessPolicy).Handle
			})
	},
}

var transferGetCmd = &cobra.Command{
	Use:   "transfer-get",
	Short: "Run the object download worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := storeFor(cfg.TransferGetQ)
		if err != nil {
			return err
		}
		return runConsumer(rabbit.QueueTransferGet, transfer.GetBindings(), cfg.TransferGetQ,
			func(pub *rabbit.Publisher) rabbit.Handler {
				return transfer.NewGetWorker(pub, store, cfg.TransferGetQ, cfg.AccessPolicy).Handle
			})
	},
}

var archivePutCmd = &cobra.Command{
	Use:   "archive-put",
	Short: "Run the tape archive writer",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := storeFor(cfg.ArchivePutQ)
		if err != nil {
			return err
		}
		tc, _, err := tapeFor(cfg.ArchivePutQ)
		if err != nil {
			return err
		}
		return runConsumer(rabbit.QueueArchivePut, archive.PutBindings(), cfg.ArchivePutQ,
			func(pub *rabbit.Publisher) rabbit.Handler {
				return archive.NewPutWorker(pub, store, tc, cfg.ArchivePutQ).Handle
			})
	},
}

var archiveGetCmd = &cobra.Command{
	Use:   "archive-get",
	Short: "Run the tape retrieval worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := storeFor(cfg.ArchiveGetQ)
		if err != nil {
			return err
		}
		tc, _, err := tapeFor(cfg.ArchiveGetQ)
		if err != nil {
			return err
		}
		return runConsumer(rabbit.QueueArchiveGet, archive.GetBindings(), cfg.ArchiveGetQ,
			func(pub *rabbit.Publisher) rabbit.Handler {
				return archive.NewGetWorker(pub, store, tc, cfg.ArchiveGetQ, cfg.AccessPolicy).Handle
			})
	},
}

var archiveNextCmd = &cobra.Command{
	Use:   "archive-next",
	Short: "Trigger one archive cycle (cron entrypoint)",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, pub, err := connect()
		if err != nil {
			return err
		}
		defer conn.Close()
		defer pub.Close()
		msg := types.NewMessage(types.Details{
			TransactionID: uuid.NewString(),
			SubID:         uuid.NewString(),
			APIAction:     types.ActionArchivePut,
			User:          cfg.AccessPolicy.ServiceUser,
			Group:         cfg.AccessPolicy.ServiceUser,
			TapeURL:       cfg.CronjobPublisher.TapeURL,
			Tenancy:       cfg.CronjobPublisher.Tenancy,
		})
		return pub.Publish(rabbit.Key(rabbit.QueueRoute, rabbit.ActionArchivePut),
			msg, rabbit.PublishOptions{})
	},
}
