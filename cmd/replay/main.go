// Command replay re-applies exported gateway events, e.g. after the webhook
// endpoint was down. Events already in the ledger are skipped.
//
//	replay -file events.json
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"tutorbook/internal/config"
	"tutorbook/internal/database"
	"tutorbook/internal/domain/lesson"
	"tutorbook/internal/domain/payment"
)

func main() {
	file := flag.String("file", "", "JSON file with an event array or an events list response")
	dryRun := flag.Bool("dry-run", false, "parse and print events without applying them")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if *file == "" {
		log.Fatal("-file is required")
	}

	b, err := os.ReadFile(*file)
	if err != nil {
		log.WithError(err).Fatal("read events")
	}
	events, err := payment.ParseEventList(b)
	if err != nil {
		log.WithError(err).Fatal("parse events")
	}
	log.WithField("count", len(events)).Info("events loaded")

	if *dryRun {
		for _, ev := range events {
			m := ev.Meta()
			log.WithFields(logrus.Fields{"event_id": m.ID, "event_type": m.Type, "created": m.Created}).Info("event")
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		log.SetLevel(level)
	}

	db, err := database.Connect(cfg.Database.DSN, log)
	if err != nil {
		log.WithError(err).Fatal("connect database")
	}
	if err := database.Migrate(db); err != nil {
		log.WithError(err).Fatal("migrate database")
	}

	gateway := payment.NewStripeGateway(payment.StripeConfig{
		SecretKey:     cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		Currency:      cfg.Stripe.Currency,
	}, log)
	reconciler := payment.NewReconciler(lesson.NewRepository(db), gateway, payment.NewLedger(db), nil, nil, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	failed := 0
	for _, res := range reconciler.HandleBatch(ctx, events) {
		entry := log.WithFields(logrus.Fields{"event_id": res.EventID, "outcome": res.Outcome})
		if res.Err != nil {
			failed++
			entry.WithError(res.Err).Error("replay failed")
			continue
		}
		entry.Info("replayed")
	}

	log.WithFields(logrus.Fields{"total": len(events), "failed": failed}).Info("replay finished")
	if failed > 0 {
		os.Exit(1)
	}
}
