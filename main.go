//go:build !test

package main

import (
	"net/http"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/vmcluster/migrate/clusterdb"
	"github.com/vmcluster/migrate/config"
	"github.com/vmcluster/migrate/coordinator"
	"github.com/vmcluster/migrate/hypervisor"
	"github.com/vmcluster/migrate/liaison"
	"github.com/vmcluster/migrate/storage"
)

// This binary wires the coordinator's receiver admission handler to a
// listen address. A real deployment links in adapters over the actual
// hypervisor, storage and cluster-database control plane instead of the
// in-memory fakes used here.
func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		logrus.WithError(err).Fatal("parse configuration")
	}

	selfHostID, err := os.Hostname()
	if err != nil {
		selfHostID = "localhost"
	}

	admission := &coordinator.AdmissionHandler{
		DB:         clusterdb.NewFake(),
		HV:         hypervisor.NewFake(),
		Storage:    storage.NewFake(),
		Sink:       liaison.NoopSink{},
		SelfHostID: selfHostID,
		Config:     cfg,
	}

	logrus.WithFields(logrus.Fields{
		"listen":      cfg.ListenAddr,
		"migrate_uri": cfg.MigrateURI,
		"host_id":     selfHostID,
	}).Info("starting migration receiver admission listener")

	if err := http.ListenAndServe(cfg.ListenAddr, coordinator.NewRouter(admission)); err != nil {
		logrus.WithError(err).Fatal("admission listener exited")
	}
}
