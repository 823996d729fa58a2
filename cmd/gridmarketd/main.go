package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	levelds "github.com/ipfs/go-ds-leveldb"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"github.com/urfave/cli/v2"
	"go.opencensus.io/stats/view"
	"golang.org/x/xerrors"

	"github.com/gridnet/go-grid-market/config"
	"github.com/gridnet/go-grid-market/market"
	"github.com/gridnet/go-grid-market/market/agreement"
	"github.com/gridnet/go-grid-market/market/catalog"
	"github.com/gridnet/go-grid-market/market/matcher"
	"github.com/gridnet/go-grid-market/market/negotiation"
	"github.com/gridnet/go-grid-market/market/props"
	"github.com/gridnet/go-grid-market/market/sweeper"
	"github.com/gridnet/go-grid-market/market/testnet"
	"github.com/gridnet/go-grid-market/metrics"
	"github.com/gridnet/go-grid-market/sigs"
)

var log = logging.Logger("gridmarketd")

func main() {
	_ = logging.SetLogLevel("*", "INFO")

	app := &cli.App{
		Name:    "gridmarketd",
		Usage:   "decentralized compute marketplace node",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to the node config file",
				Value: "config.toml",
			},
		},
		Commands: []*cli.Command{
			runCmd,
			publishCmd,
			listCmd,
			threadsCmd,
			agreementsCmd,
			configCmd,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Errorf("%+v", err)
		os.Exit(1)
	}
}

func loadConfig(cctx *cli.Context) (*config.Node, error) {
	return config.FromFile(cctx.String("config"))
}

func openStore(cfg *config.Node) (*levelds.Datastore, error) {
	return levelds.NewDatastore(cfg.Datastore.Path, nil)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "start the marketplace node",
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		if err := view.Register(metrics.DefaultViews...); err != nil {
			return xerrors.Errorf("registering metric views: %w", err)
		}

		ds, err := openStore(cfg)
		if err != nil {
			return xerrors.Errorf("opening datastore: %w", err)
		}
		defer ds.Close() //nolint:errcheck

		ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		self := market.PartyID(cfg.Party.ID)

		// In-process transport; external transports plug in behind
		// market.Messaging.
		net := testnet.New().Endpoint(self)

		ids := sigs.NewHMAC()
		if _, err := ids.AddParty(self, nil); err != nil {
			return err
		}

		cat := catalog.New(ds)
		agreements := agreement.NewManager(ds, ids,
			agreement.WithTerm(time.Duration(cfg.Negotiate.AgreementTerm)))

		coord, err := negotiation.NewCoordinator(self, ds, cat, net, agreements,
			negotiation.WithIdleTTL(time.Duration(cfg.Negotiate.IdleTTL)),
			negotiation.WithReorderTimeout(time.Duration(cfg.Negotiate.ReorderTimeout)),
			negotiation.WithSendRetries(cfg.Negotiate.SendRetries, time.Duration(cfg.Negotiate.RetryBackoff)),
		)
		if err != nil {
			return err
		}
		if err := coord.Start(ctx); err != nil {
			return err
		}

		scanner := matcher.NewScanner(cat, ds, net,
			time.Duration(cfg.Matching.ScanInterval), clock.New())
		if err := scanner.Start(ctx); err != nil {
			return err
		}

		sweep := sweeper.New(cat, coord,
			sweeper.WithInterval(time.Duration(cfg.Sweep.Interval)),
			sweeper.WithRetention(time.Duration(cfg.Sweep.Retention)))
		sweep.Start(ctx)

		log.Infow("node started", "party", self)
		<-ctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sweep.Stop(shutdownCtx); err != nil {
			log.Warnw("stopping sweeper", "err", err)
		}
		scanner.Stop()
		if err := coord.Stop(shutdownCtx); err != nil {
			log.Warnw("stopping coordinator", "err", err)
		}
		return nil
	},
}

var publishCmd = &cli.Command{
	Name:      "publish",
	Usage:     "publish an offer or demand to the local catalog",
	ArgsUsage: "<props.json>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "kind",
			Usage:    "offer or demand",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "constraint",
			Usage: "constraint over the counterparty's properties",
		},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return xerrors.Errorf("expected a properties file argument")
		}
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}

		var kind market.EntryKind
		switch cctx.String("kind") {
		case "offer":
			kind = market.KindOffer
		case "demand":
			kind = market.KindDemand
		default:
			return xerrors.Errorf("kind must be offer or demand")
		}

		raw, err := os.ReadFile(cctx.Args().First())
		if err != nil {
			return err
		}
		ps, err := props.FromJSON(raw)
		if err != nil {
			return xerrors.Errorf("parsing properties: %w", err)
		}

		entry, err := market.NewEntry(kind, market.PartyID(cfg.Party.ID), ps,
			cctx.String("constraint"), time.Now(), time.Duration(cfg.Matching.EntryLifetime))
		if err != nil {
			return err
		}

		ds, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer ds.Close() //nolint:errcheck

		entry, err = catalog.New(ds).Insert(cctx.Context, entry)
		if err != nil {
			return err
		}
		fmt.Println(entry.ID)
		return nil
	},
}

var listCmd = &cli.Command{
	Name:  "list",
	Usage: "list catalog entries",
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		ds, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer ds.Close() //nolint:errcheck

		entries, err := catalog.New(ds).List(cctx.Context)
		if err != nil {
			return err
		}
		now := time.Now()
		for _, e := range entries {
			status := "available"
			if !e.Available(now) {
				status = "unavailable"
			}
			fmt.Printf("%s\t%s\t%s\t%s\t%s\n", e.ID, e.Kind, e.Owner, status, e.Constraint)
		}
		return nil
	},
}

var threadsCmd = &cli.Command{
	Name:  "threads",
	Usage: "list negotiation threads",
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		ds, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer ds.Close() //nolint:errcheck

		self := market.PartyID(cfg.Party.ID)
		ids := sigs.NewHMAC()
		net := testnet.New().Endpoint(self)
		coord, err := negotiation.NewCoordinator(self, ds, catalog.New(ds), net, agreement.NewManager(ds, ids))
		if err != nil {
			return err
		}
		threads, err := coord.ListThreads(cctx.Context)
		if err != nil {
			return err
		}
		for _, t := range threads {
			fmt.Printf("%s\t%s\t%d proposals\t%s\n", t.ID, t.Status, len(t.History), t.Reason)
		}
		return nil
	},
}

var agreementsCmd = &cli.Command{
	Name:  "agreements",
	Usage: "list agreements",
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		ds, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer ds.Close() //nolint:errcheck

		ids := sigs.NewHMAC()
		agreements, err := agreement.NewManager(ds, ids).List(cctx.Context)
		if err != nil {
			return err
		}
		for _, a := range agreements {
			fmt.Printf("%s\t%s\t%s<->%s\tvalid until %s\n", a.ID, a.Status,
				a.Requestor, a.Provider, time.Unix(a.ValidTo, 0).Format(time.RFC3339))
		}
		return nil
	},
}

var configCmd = &cli.Command{
	Name:  "config",
	Usage: "print the default config",
	Action: func(cctx *cli.Context) error {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(config.Default()); err != nil {
			return err
		}
		fmt.Print(buf.String())
		return nil
	},
}
